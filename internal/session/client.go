package session

import (
	"errors"
	"fmt"
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

// JoinByCode resolves a lobby code and joins directly. Codes unknown to the
// local directory are hunted down with a LAN broadcast query, so a code
// shared by another process on the network still works.
func (c *Coordinator) JoinByCode(code, playerName, character string) error {
	c.setState(StateResolving)
	lobby, err := c.resolveCode(code)
	if err != nil {
		c.setState(StateIdle)
		return err
	}
	return c.JoinLobby(lobby, playerName, character)
}

// resolveCode checks the local directory first, then falls back to a
// code-targeted broadcast with the bounded discovery wait.
func (c *Coordinator) resolveCode(code string) (discovery.Lobby, error) {
	lobby, err := c.directory.Resolve(code)
	if err == nil {
		return lobby, nil
	}
	if !errors.Is(err, discovery.ErrLobbyNotFound) {
		return discovery.Lobby{}, err
	}
	requester := c.SelfID()
	if requester == "" {
		//1.- Not in a session yet; any unique id keeps a host from
		// answering its own query.
		requester = peers.NewPeerID()
	}
	c.mu.Lock()
	targets := c.queryTargets
	c.mu.Unlock()
	return discovery.Query(c.cfg.DiscoveryPort, code, requester, c.cfg.DiscoveryTimeout, c.log, targets...)
}

// JoinLobby joins a lobby found through LAN discovery.
func (c *Coordinator) JoinLobby(lobby discovery.Lobby, playerName, character string) error {
	addr := lobby.HostAddr
	if _, _, err := splitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", lobby.HostAddr, c.cfg.GamePort)
	}
	return c.JoinAddress(addr, playerName, character)
}

// JoinAddress dials a host directly and runs the join handshake.
func (c *Coordinator) JoinAddress(addr, playerName, character string) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateResolving {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	handshake := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.handshake = handshake
	c.mu.Unlock()

	conn, err := transport.Dial(addr,
		transport.WithLogger(c.log),
		transport.WithSendTimeout(c.cfg.SendTimeout),
		transport.WithDialTimeout(c.cfg.DialTimeout),
		transport.WithMaxFrameBytes(c.cfg.MaxFrameBytes),
		transport.WithMessageSink(c.clientSink),
		transport.WithCloseHook(c.hostClosed))
	if err != nil {
		c.setState(StateIdle)
		return err
	}
	conn.Start()
	c.mu.Lock()
	c.hostConn = conn
	c.mu.Unlock()

	requested := peers.NewPeerID()
	if err := conn.SendRaw(protocol.NewMessage(requested, &protocol.JoinRequest{
		PlayerName: playerName,
		PeerID:     requested,
		Character:  character,
		Timestamp:  float64(time.Now().UnixNano()) / float64(time.Second),
	})); err != nil {
		c.Leave()
		return fmt.Errorf("send join request: %w", err)
	}

	accepted, err := c.awaitAcceptance(handshake, requested)
	if err != nil {
		c.Leave()
		return err
	}
	if err := c.completeJoin(conn, nil, accepted, playerName, character); err != nil {
		c.Leave()
		return err
	}
	return nil
}

// JoinViaRelay joins a session through the best available relay server. The
// resulting session behaves identically to a direct one.
func (c *Coordinator) JoinViaRelay(candidates []relay.ServerInfo, code, playerName, character string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()
	c.setState(StateResolving)

	best, err := relay.SelectBest(candidates)
	if err != nil {
		c.setState(StateIdle)
		return err
	}
	c.setState(StateConnecting)

	handshake := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.handshake = handshake
	c.mu.Unlock()

	requested := peers.NewPeerID()
	link, err := relay.DialLink(best.Endpoint, code, requested, c.relaySink,
		relay.WithLinkLogger(c.log),
		relay.WithLinkCloseHook(c.relayLost))
	if err != nil {
		c.setState(StateIdle)
		return err
	}
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()

	if err := link.SendRaw(protocol.NewMessage(requested, &protocol.JoinRequest{
		PlayerName: playerName,
		PeerID:     requested,
		Character:  character,
		Timestamp:  float64(time.Now().UnixNano()) / float64(time.Second),
	})); err != nil {
		c.Leave()
		return fmt.Errorf("send join request: %w", err)
	}

	accepted, err := c.awaitAcceptance(handshake, requested)
	if err != nil {
		c.Leave()
		return err
	}
	if err := c.completeJoin(nil, link, accepted, playerName, character); err != nil {
		c.Leave()
		return err
	}
	c.log.Info("joined via relay", logging.String("relay", best.Name))
	return nil
}

// awaitAcceptance blocks until the host answers the handshake or the dial
// timeout elapses.
func (c *Coordinator) awaitAcceptance(handshake <-chan protocol.Message, requested string) (*protocol.JoinAccepted, error) {
	timer := time.NewTimer(c.cfg.DialTimeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-handshake:
			switch payload := msg.Payload.(type) {
			case *protocol.JoinAccepted:
				if !acceptanceFor(payload.PeerID, requested) {
					//1.- Another guest's acceptance in a shared relay
					// room; keep waiting for ours.
					continue
				}
				return payload, nil
			case *protocol.JoinRejected:
				return nil, fmt.Errorf("%w: %s", ErrJoinRejected, payload.Reason)
			}
		case <-timer.C:
			return nil, ErrHandshakeTimeout
		}
	}
}

// acceptanceFor matches an acceptance to the requested id, including the
// collision-suffixed form the host may have assigned.
func acceptanceFor(assigned, requested string) bool {
	if assigned == requested {
		return true
	}
	return len(assigned) > len(requested)+1 &&
		assigned[:len(requested)] == requested &&
		assigned[len(requested)] == '-'
}

// completeJoin wires the accepted session: identity, cipher, registry,
// synchronizer.
func (c *Coordinator) completeJoin(conn *transport.Conn, link *relay.Link, accepted *protocol.JoinAccepted, playerName, character string) error {
	if accepted.EncryptionKey != nil {
		cipher, err := auth.NewSessionCipher(*accepted.EncryptionKey)
		if err != nil {
			return fmt.Errorf("session cipher: %w", err)
		}
		if conn != nil {
			conn.EnableCipher(cipher)
		}
		if link != nil {
			link.EnableCipher(cipher)
		}
	}
	if conn != nil {
		conn.SetPeerID(accepted.HostPeerID)
	}

	c.mu.Lock()
	c.selfID = accepted.PeerID
	c.selfName = playerName
	c.isHost = false
	c.lobby = discovery.Lobby{Code: accepted.LobbyCode, HostName: accepted.HostName, HostPeerID: accepted.HostPeerID}
	c.lastTick = time.Now()
	c.handshake = nil
	registry := c.registry
	rt := c.router
	c.mu.Unlock()

	if err := registry.Register(peers.Identity{
		PeerID:      accepted.PeerID,
		DisplayName: playerName,
		Character:   character,
	}); err != nil {
		return err
	}
	if err := registry.Register(peers.Identity{
		PeerID:      accepted.HostPeerID,
		DisplayName: accepted.HostName,
		IsHost:      true,
	}); err != nil {
		return err
	}

	rt.SetSelfID(accepted.PeerID)
	sync := gamesync.New(accepted.PeerID, false, func(msg protocol.Message) error {
		c.recordFrame(msg)
		c.broadcast(msg)
		return nil
	}, c.events, gamesync.WithSyncLogger(c.log))
	sync.Attach(rt)
	c.attachLobbyHandlers()
	c.mu.Lock()
	c.sync = sync
	c.mu.Unlock()

	c.openJournal(newSessionID(), accepted.LobbyCode)
	c.recordEvent("session_joined", map[string]any{
		"peer": accepted.PeerID,
		"code": accepted.LobbyCode,
		"host": accepted.HostName,
	})
	c.setState(StateConnected)
	c.log.Info("joined session",
		logging.String("code", accepted.LobbyCode),
		logging.String("peer", accepted.PeerID),
		logging.String("host", accepted.HostName))
	return nil
}

// clientSink receives every decoded message from the direct host connection.
func (c *Coordinator) clientSink(_ *transport.Conn, msg protocol.Message) {
	c.clientSinkMessage(msg)
}

func (c *Coordinator) clientSinkMessage(msg protocol.Message) {
	c.mu.Lock()
	handshake := c.handshake
	registry := c.registry
	rt := c.router
	c.mu.Unlock()
	if handshake != nil {
		switch msg.Type {
		case protocol.TypeJoinAccepted, protocol.TypeJoinRejected:
			select {
			case handshake <- msg:
			default:
			}
			return
		}
	}
	registry.Touch(msg.SenderID)
	c.recordFrame(msg)
	rt.Enqueue(msg)
}

// hostClosed fires when the connection to the host dies; the session is over.
func (c *Coordinator) hostClosed(*transport.Conn) {
	c.sessionLost("host connection lost")
}

// relayLost fires when the relay link dies.
func (c *Coordinator) relayLost() {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if isHost {
		//1.- The host keeps serving direct guests without the relay.
		c.log.Warn("relay link lost, relayed guests disconnected")
		return
	}
	c.sessionLost("relay link lost")
}

func (c *Coordinator) sessionLost(reason string) {
	c.mu.Lock()
	//1.- A deliberate Leave nils the legs before closing them; only an
	// unexpected close still has one attached.
	active := (c.state == StateConnected || c.state == StateInGame) &&
		(c.hostConn != nil || c.link != nil)
	c.mu.Unlock()
	if !active {
		return
	}
	c.log.Warn("session lost", logging.String("reason", reason))
	c.recordEvent("session_lost", map[string]any{"reason": reason})
	c.Leave()
}
