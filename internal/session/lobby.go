package session

import (
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/peers"
	"kingdomcleanup/netcode/internal/protocol"
)

// attachLobbyHandlers registers the session-control handlers on the router.
// Both roles share them; host-only rules are enforced inside each handler.
func (c *Coordinator) attachLobbyHandlers() {
	rt := c.dispatcher()
	rt.Register(protocol.TypePlayerJoin, c.onPlayerJoin)
	rt.Register(protocol.TypePlayerLeave, c.onPlayerLeave)
	rt.Register(protocol.TypeDisconnect, c.onDisconnect)
	rt.Register(protocol.TypeLobbyReadyState, c.onReadyState)
	rt.Register(protocol.TypeLobbySettingChange, c.onSettingChange)
	rt.Register(protocol.TypeGameStart, c.onGameStart)
}

// onPlayerJoin lands on clients when the host announces a newcomer.
func (c *Coordinator) onPlayerJoin(msg protocol.Message) {
	join, ok := msg.Payload.(*protocol.PlayerJoin)
	if !ok || c.IsHost() {
		return
	}
	identity := peers.Identity{PeerID: join.PlayerID, DisplayName: join.PlayerName}
	if err := c.roster().Register(identity); err != nil {
		return
	}
	if c.callbacks.OnPeerJoined != nil {
		c.callbacks.OnPeerJoined(identity)
	}
}

// onPlayerLeave lands on clients when the host announces a departure.
func (c *Coordinator) onPlayerLeave(msg protocol.Message) {
	leave, ok := msg.Payload.(*protocol.PlayerLeave)
	if !ok || c.IsHost() {
		return
	}
	if !c.roster().Unregister(leave.PlayerID) {
		return
	}
	c.mu.Lock()
	sync := c.sync
	c.mu.Unlock()
	if sync != nil {
		sync.RemovePlayer(leave.PlayerID)
	}
	if c.callbacks.OnPeerLeft != nil {
		c.callbacks.OnPeerLeft(leave.PlayerID)
	}
}

// onDisconnect handles the courtesy notice; the close hook that follows does
// the real cleanup, and dropPeer keeps the pair idempotent on the host.
func (c *Coordinator) onDisconnect(msg protocol.Message) {
	if c.IsHost() {
		c.dropPeer(msg.SenderID)
	}
}

func (c *Coordinator) onReadyState(msg protocol.Message) {
	ready, ok := msg.Payload.(*protocol.LobbyReadyState)
	if !ok {
		return
	}
	if err := c.roster().SetReady(ready.PlayerID, ready.IsReady); err != nil {
		return
	}
	if c.callbacks.OnReadyChanged != nil {
		c.callbacks.OnReadyChanged(ready.PlayerID, ready.IsReady)
	}
}

// onSettingChange applies the host's lobby mutations on clients. A setting
// change from anyone else is ignored and logged; only the host owns the
// lobby configuration.
func (c *Coordinator) onSettingChange(msg protocol.Message) {
	change, ok := msg.Payload.(*protocol.LobbySettingChange)
	if !ok {
		return
	}
	host, found := c.hostIdentity()
	if !found || msg.SenderID != host.PeerID {
		c.log.Warn("setting change from non-host ignored",
			logging.String("sender", msg.SenderID),
			logging.String("setting", change.Setting))
		return
	}
	c.mu.Lock()
	c.applySettingLocked(change.Setting, change.Value)
	c.mu.Unlock()
	if c.callbacks.OnSettingChanged != nil {
		c.callbacks.OnSettingChanged(change.Setting, change.Value)
	}
}

// onGameStart lands on clients when the host begins the match.
func (c *Coordinator) onGameStart(msg protocol.Message) {
	start, ok := msg.Payload.(*protocol.GameStart)
	if !ok || c.IsHost() {
		return
	}
	host, found := c.hostIdentity()
	if !found || msg.SenderID != host.PeerID {
		c.log.Warn("game start from non-host ignored",
			logging.String("sender", msg.SenderID))
		return
	}
	c.mu.Lock()
	c.gameStarted = true
	c.settings = Settings{
		GameMode:             start.GameMode,
		MapSelection:         start.MapSelection,
		MaxPlayers:           start.MaxPlayers,
		EnvironmentalEffects: start.EnvironmentalEffects,
	}
	c.mu.Unlock()
	c.recordEvent("game_started", map[string]any{"mode": start.GameMode, "map": start.MapSelection})
	c.setState(StateInGame)
	if c.callbacks.OnGameStart != nil {
		c.callbacks.OnGameStart(*start)
	}
}

func (c *Coordinator) hostIdentity() (peers.Identity, bool) {
	for _, identity := range c.roster().List() {
		if identity.IsHost {
			return identity, true
		}
	}
	return peers.Identity{}, false
}
