package session

import (
	"fmt"
	"strings"
	"time"

	"kingdomcleanup/netcode/internal/auth"
	"kingdomcleanup/netcode/internal/discovery"
	"kingdomcleanup/netcode/internal/gamesync"
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/peers"
	"kingdomcleanup/netcode/internal/protocol"
	"kingdomcleanup/netcode/internal/relay"
	"kingdomcleanup/netcode/internal/transport"
)

// HostOptions tunes session creation.
type HostOptions struct {
	// CustomCode replaces the generated lobby code; 4-12 letters or digits.
	CustomCode string
	// Encrypted seals all post-handshake traffic with a session key.
	Encrypted bool
	// Advertise answers LAN discovery queries while the lobby is open.
	Advertise bool
	// Private keeps the lobby out of blanket LAN scans; it still answers
	// queries carrying its exact code.
	Private bool
	// Region tags the registration for matchmaking display.
	Region string
}

// CreateSession opens a lobby and starts accepting guests. Returns the lobby
// code guests use to find it.
func (c *Coordinator) CreateSession(hostName string, settings Settings, opts HostOptions) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.state = StateCreating
	c.mu.Unlock()

	code := ""
	var err error
	if opts.CustomCode != "" {
		if code, err = discovery.NormalizeCustomCode(opts.CustomCode); err != nil {
			c.setState(StateIdle)
			return "", err
		}
	} else {
		code = discovery.GenerateLobbyCode()
	}
	if settings.MaxPlayers <= 0 {
		settings.MaxPlayers = c.cfg.MaxPlayers
	}

	secret := ""
	if opts.Encrypted {
		if secret, err = auth.NewSessionSecret(); err != nil {
			c.setState(StateIdle)
			return "", fmt.Errorf("generate session secret: %w", err)
		}
	}

	selfID := peers.NewPeerID()
	listener, err := transport.Listen(fmt.Sprintf(":%d", c.cfg.GamePort), c.acceptGuest,
		transport.WithLogger(c.log),
		transport.WithSendTimeout(c.cfg.SendTimeout),
		transport.WithMaxFrameBytes(c.cfg.MaxFrameBytes),
		transport.WithMessageSink(c.hostSink),
		transport.WithCloseHook(c.guestClosed))
	if err != nil {
		c.setState(StateIdle)
		return "", err
	}

	lobby := discovery.Lobby{
		Code:       code,
		HostName:   hostName,
		HostPeerID: selfID,
		HostAddr:   listener.Addr(),
		GameMode:   settings.GameMode,
		Players:    1,
		MaxPlayers: settings.MaxPlayers,
		IsPrivate:  opts.Private,
		Region:     opts.Region,
	}
	if err := c.directory.Register(lobby); err != nil {
		listener.Close()
		c.setState(StateIdle)
		return "", err
	}

	c.mu.Lock()
	c.selfID = selfID
	c.selfName = hostName
	c.isHost = true
	c.secret = secret
	c.settings = settings
	c.lobby = lobby
	c.listener = listener
	c.conns = make(map[string]*transport.Conn)
	c.pending = make(map[*transport.Conn]struct{})
	c.relayed = make(map[string]struct{})
	c.lastTick = time.Now()
	registry := c.registry
	rt := c.router
	c.mu.Unlock()

	if err := registry.Register(peers.Identity{
		PeerID:      selfID,
		DisplayName: hostName,
		IsHost:      true,
	}); err != nil {
		c.Leave()
		return "", err
	}

	rt.SetSelfID(selfID)
	sync := gamesync.New(selfID, true, func(msg protocol.Message) error {
		c.recordFrame(msg)
		c.broadcast(msg)
		return nil
	}, c.events, gamesync.WithSyncLogger(c.log))
	sync.Attach(rt)
	c.attachLobbyHandlers()
	c.mu.Lock()
	c.sync = sync
	c.mu.Unlock()

	if opts.Advertise {
		responder, err := discovery.NewResponder(c.cfg.DiscoveryPort, c.lobbySnapshot, c.log)
		if err != nil {
			//1.- LAN discovery is a convenience; hosting works without it.
			c.log.Warn("LAN discovery disabled", logging.Error(err))
		} else {
			c.mu.Lock()
			c.responder = responder
			c.mu.Unlock()
		}
	}

	c.openJournal(newSessionID(), code)
	c.recordEvent("session_created", map[string]any{
		"host":      hostName,
		"code":      code,
		"encrypted": opts.Encrypted,
	})
	c.setState(StateHosting)
	c.log.Info("session created",
		logging.String("code", code),
		logging.String("addr", lobby.HostAddr),
		logging.Bool("encrypted", opts.Encrypted))
	return code, nil
}

// lobbySnapshot feeds the discovery responder. The lobby stops advertising
// once the match starts or the roster fills.
func (c *Coordinator) lobbySnapshot() (discovery.Lobby, bool) {
	c.mu.Lock()
	lobby := c.lobby
	started := c.gameStarted
	registry := c.registry
	c.mu.Unlock()
	lobby.Players = registry.Count()
	if started || lobby.Players >= lobby.MaxPlayers {
		return discovery.Lobby{}, false
	}
	return lobby, true
}

// AttachRelay joins the lobby's relay room so guests behind unreachable NATs
// can participate. Picks the best-scoring candidate.
func (c *Coordinator) AttachRelay(candidates []relay.ServerInfo) error {
	c.mu.Lock()
	if !c.isHost {
		c.mu.Unlock()
		return ErrNotHost
	}
	code := c.lobby.Code
	selfID := c.selfID
	c.mu.Unlock()

	best, err := relay.SelectBest(candidates)
	if err != nil {
		return err
	}
	link, err := relay.DialLink(best.Endpoint, code, selfID, c.relaySink,
		relay.WithLinkLogger(c.log))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.link = link
	c.lobby.RelayIdentifier = best.Name
	c.mu.Unlock()
	c.log.Info("relay attached",
		logging.String("relay", best.Name),
		logging.String("code", code))
	return nil
}

// acceptGuest runs on the listener's accept path. The connection idles in
// the pending set until its handshake resolves.
func (c *Coordinator) acceptGuest(conn *transport.Conn) {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.pending[conn] = struct{}{}
	c.mu.Unlock()
	conn.Start()
}

// hostSink receives every decoded message from direct guest connections.
func (c *Coordinator) hostSink(conn *transport.Conn, msg protocol.Message) {
	c.mu.Lock()
	_, awaiting := c.pending[conn]
	registry := c.registry
	rt := c.router
	c.mu.Unlock()
	if awaiting {
		c.handleHandshake(conn, msg)
		return
	}
	if msg.Type == protocol.TypeJoinRequest {
		return
	}
	registry.Touch(msg.SenderID)
	c.recordFrame(msg)
	rt.Enqueue(msg)
	c.forward(msg, conn, false)
}

// relaySink receives messages arriving through the relay room. Join
// handshakes from relayed guests are answered over the same link.
func (c *Coordinator) relaySink(msg protocol.Message) {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if !isHost {
		c.clientSinkMessage(msg)
		return
	}
	if msg.Type == protocol.TypeJoinRequest {
		if request, ok := msg.Payload.(*protocol.JoinRequest); ok {
			c.admitRelayGuest(request)
		}
		return
	}
	c.mu.Lock()
	_, known := c.relayed[msg.SenderID]
	registry := c.registry
	rt := c.router
	c.mu.Unlock()
	if !known {
		return
	}
	registry.Touch(msg.SenderID)
	c.recordFrame(msg)
	rt.Enqueue(msg)
	c.forward(msg, nil, true)
}

// handleHandshake resolves one direct guest's join request.
func (c *Coordinator) handleHandshake(conn *transport.Conn, msg protocol.Message) {
	request, ok := msg.Payload.(*protocol.JoinRequest)
	if !ok || msg.Type != protocol.TypeJoinRequest {
		//1.- Anything else before the handshake is a protocol violation.
		c.log.Warn("unexpected pre-handshake message, dropping connection",
			logging.String("type", string(msg.Type)),
			logging.String("remote", conn.RemoteAddr()))
		conn.Close()
		return
	}
	if reason := c.admissionProblem(); reason != "" {
		_ = conn.SendRaw(protocol.NewMessage(c.SelfID(), &protocol.JoinRejected{Reason: reason}))
		conn.Close()
		return
	}
	assigned := c.disambiguate(request.PeerID)
	accepted, secret := c.buildAcceptance(assigned)
	if err := conn.SendRaw(protocol.NewMessage(c.SelfID(), accepted)); err != nil {
		c.log.Warn("handshake reply failed", logging.Error(err))
		conn.Close()
		return
	}
	if secret != "" {
		cipher, err := auth.NewSessionCipher(secret)
		if err != nil {
			c.log.Error("session cipher failed", logging.Error(err))
			conn.Close()
			return
		}
		conn.EnableCipher(cipher)
	}
	conn.SetPeerID(assigned)
	c.mu.Lock()
	delete(c.pending, conn)
	if c.conns != nil {
		c.conns[assigned] = conn
	}
	c.mu.Unlock()
	c.admit(assigned, request)
}

// admitRelayGuest resolves a join request that arrived through the relay.
func (c *Coordinator) admitRelayGuest(request *protocol.JoinRequest) {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return
	}
	if reason := c.admissionProblem(); reason != "" {
		_ = link.SendRaw(protocol.NewMessage(c.SelfID(), &protocol.JoinRejected{Reason: reason}))
		return
	}
	assigned := c.disambiguate(request.PeerID)
	accepted, _ := c.buildAcceptance(assigned)
	if err := link.SendRaw(protocol.NewMessage(c.SelfID(), accepted)); err != nil {
		c.log.Warn("relay handshake reply failed", logging.Error(err))
		return
	}
	c.mu.Lock()
	if c.relayed != nil {
		c.relayed[assigned] = struct{}{}
	}
	c.mu.Unlock()
	c.admit(assigned, request)
}

func (c *Coordinator) admissionProblem() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gameStarted {
		return "game already in progress"
	}
	if c.registry.Count() >= c.settings.MaxPlayers {
		return "lobby full"
	}
	return ""
}

// disambiguate resolves peer id collisions by suffixing the requested id, so
// the newcomer keeps a recognizable identity and the roster stays unique.
func (c *Coordinator) disambiguate(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return peers.NewPeerID()
	}
	if _, taken := c.roster().Get(requested); !taken {
		return requested
	}
	return requested + "-" + peers.NewPeerID()[:4]
}

func (c *Coordinator) buildAcceptance(assigned string) (*protocol.JoinAccepted, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	accepted := &protocol.JoinAccepted{
		PeerID:     assigned,
		LobbyCode:  c.lobby.Code,
		HostName:   c.selfName,
		HostPeerID: c.selfID,
	}
	if c.secret != "" {
		key := c.secret
		accepted.EncryptionKey = &key
	}
	return accepted, c.secret
}

// admit finishes admission shared by both transports: roster, announcements
// and hooks.
func (c *Coordinator) admit(assigned string, request *protocol.JoinRequest) {
	identity := peers.Identity{
		PeerID:      assigned,
		DisplayName: request.PlayerName,
		Character:   request.Character,
	}
	if err := c.roster().Register(identity); err != nil {
		c.log.Error("roster registration failed",
			logging.String("peer", assigned),
			logging.Error(err))
		return
	}
	selfID := c.SelfID()
	join := protocol.NewMessage(selfID, &protocol.PlayerJoin{PlayerID: assigned, PlayerName: request.PlayerName})
	c.forwardToOthers(assigned, join)
	c.recordEvent("peer_joined", map[string]any{"peer": assigned, "name": request.PlayerName})
	c.log.Info("peer admitted",
		logging.String("peer", assigned),
		logging.String("name", request.PlayerName))
	if c.callbacks.OnPeerJoined != nil {
		c.callbacks.OnPeerJoined(identity)
	}
}

// forwardToOthers sends an announcement to every guest except the subject.
func (c *Coordinator) forwardToOthers(exceptPeerID string, msg protocol.Message) {
	c.mu.Lock()
	conns := make([]*transport.Conn, 0, len(c.conns))
	for id, conn := range c.conns {
		if id != exceptPeerID {
			conns = append(conns, conn)
		}
	}
	link := c.link
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Send(msg)
	}
	if link != nil {
		_ = link.Send(msg)
	}
}

// guestClosed fires exactly once per guest connection.
func (c *Coordinator) guestClosed(conn *transport.Conn) {
	c.mu.Lock()
	if c.pending != nil {
		if _, awaiting := c.pending[conn]; awaiting {
			delete(c.pending, conn)
			c.mu.Unlock()
			return
		}
	}
	peerID := conn.PeerID()
	if c.conns != nil {
		delete(c.conns, peerID)
	}
	c.mu.Unlock()
	if peerID == "" {
		return
	}
	c.dropPeer(peerID)
}

// dropPeer removes a departed peer and announces the departure once.
func (c *Coordinator) dropPeer(peerID string) {
	if !c.roster().Unregister(peerID) {
		//1.- Already handled; duplicate close notifications are expected.
		return
	}
	c.mu.Lock()
	if c.relayed != nil {
		delete(c.relayed, peerID)
	}
	sync := c.sync
	c.mu.Unlock()
	if sync != nil {
		sync.RemovePlayer(peerID)
	}
	leave := protocol.NewMessage(c.SelfID(), &protocol.PlayerLeave{PlayerID: peerID})
	c.forwardToOthers(peerID, leave)
	c.recordEvent("peer_left", map[string]any{"peer": peerID})
	c.log.Info("peer left", logging.String("peer", peerID))
	if c.callbacks.OnPeerLeft != nil {
		c.callbacks.OnPeerLeft(peerID)
	}
}
