// Package session coordinates a multiplayer session end to end: hosting,
// joining over TCP or relay, lobby readiness, and the update loop that feeds
// the synchronizer.
package session

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"kingdomcleanup/netcode/internal/config"
	"kingdomcleanup/netcode/internal/discovery"
	"kingdomcleanup/netcode/internal/gamesync"
	"kingdomcleanup/netcode/internal/journal"
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/peers"
	"kingdomcleanup/netcode/internal/protocol"
	"kingdomcleanup/netcode/internal/relay"
	"kingdomcleanup/netcode/internal/router"
	"kingdomcleanup/netcode/internal/transport"
)

// State names the coordinator's lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateCreating   State = "creating"
	StateHosting    State = "hosting"
	StateResolving  State = "resolving"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateInGame     State = "in_game"
)

var (
	// ErrNotHost guards host-only operations.
	ErrNotHost = errors.New("operation requires the session host")
	// ErrNotReady is returned when starting a game before everyone is ready.
	ErrNotReady = errors.New("not all players are ready")
	// ErrBusy is returned when creating or joining from a non-idle state.
	ErrBusy = errors.New("session already active")
	// ErrHandshakeTimeout is returned when the host never answered a join.
	ErrHandshakeTimeout = errors.New("join handshake timed out")
	// ErrJoinRejected wraps the host's refusal reason.
	ErrJoinRejected = errors.New("join rejected")
)

// minPlayersToStart is the quorum for the all-ready gate.
const minPlayersToStart = 2

// Settings is the host-controlled lobby configuration.
type Settings struct {
	GameMode             string
	MapSelection         string
	MaxPlayers           int
	EnvironmentalEffects string
}

// Callbacks notify game code about session-level changes. All callbacks fire
// on the goroutine driving Update, except OnStateChange which may fire from
// transport goroutines during teardown.
type Callbacks struct {
	OnPeerJoined     func(peers.Identity)
	OnPeerLeft       func(peerID string)
	OnGameStart      func(protocol.GameStart)
	OnSettingChanged func(setting, value string)
	OnReadyChanged   func(peerID string, ready bool)
	OnStateChange    func(State)
}

// Coordinator drives one session at a time. A single instance is reused
// across sessions; Leave returns it to idle.
type Coordinator struct {
	cfg       config.Config
	log       *logging.Logger
	callbacks Callbacks
	events    gamesync.Events
	directory *discovery.Directory

	mu       sync.Mutex
	state    State
	selfID   string
	selfName string
	isHost   bool
	secret   string
	settings Settings
	lobby    discovery.Lobby

	registry  *peers.Registry
	router    *router.Router
	sync      *gamesync.Synchronizer
	listener  *transport.Listener
	responder *discovery.Responder
	conns     map[string]*transport.Conn
	pending   map[*transport.Conn]struct{}
	hostConn  *transport.Conn
	link      *relay.Link
	relayed   map[string]struct{}
	handshake chan protocol.Message
	recorder  *journal.Recorder

	// queryTargets overrides the broadcast addresses for code resolution;
	// tests point it at a responder directly.
	queryTargets []*net.UDPAddr

	gameStarted bool
	lastTick    time.Time
}

// Option configures optional Coordinator behaviour.
type Option func(*Coordinator)

// WithLogger overrides the package logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSyncEvents installs the replication hooks handed to each session's
// synchronizer.
func WithSyncEvents(events gamesync.Events) Option {
	return func(c *Coordinator) { c.events = events }
}

// WithDirectory shares an external lobby directory, for processes that host
// a directory service alongside gameplay.
func WithDirectory(dir *discovery.Directory) Option {
	return func(c *Coordinator) {
		if dir != nil {
			c.directory = dir
		}
	}
}

// New constructs an idle coordinator.
func New(cfg config.Config, callbacks Callbacks, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		log:       logging.L(),
		callbacks: callbacks,
		directory: discovery.NewDirectory(discovery.WithLobbyTTL(cfg.LobbyTTL)),
		state:     StateIdle,
		registry:  peers.NewRegistry(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.router = router.New(c.log)
	return c
}

// State reports the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelfID reports the local peer id, empty while idle.
func (c *Coordinator) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// IsHost reports whether this peer hosts the current session.
func (c *Coordinator) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHost
}

// LobbyCode reports the active lobby's code, empty while idle.
func (c *Coordinator) LobbyCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobby.Code
}

// Registry exposes the peer roster.
func (c *Coordinator) Registry() *peers.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

// roster and dispatcher fetch the live registry and router under the lock;
// Leave swaps both, and transport goroutines race it otherwise.
func (c *Coordinator) roster() *peers.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

func (c *Coordinator) dispatcher() *router.Router {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.router
}

// Synchronizer exposes the active session's state synchronizer, nil while
// idle.
func (c *Coordinator) Synchronizer() *gamesync.Synchronizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sync
}

// Settings returns the current lobby settings.
func (c *Coordinator) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.log.Info("session state changed", logging.String("state", string(next)))
	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(next)
	}
}

// Update drives the session: drains inbound messages onto this goroutine,
// advances interpolation and broadcasts the local snapshot on the sync
// interval. Call it once per frame with the frame delta in seconds.
func (c *Coordinator) Update(dt float64) {
	c.mu.Lock()
	rt := c.router
	sync := c.sync
	interval := c.cfg.SyncInterval
	due := sync != nil && time.Since(c.lastTick) >= interval
	if due {
		c.lastTick = time.Now()
	}
	c.mu.Unlock()
	rt.DrainAndDispatch()
	if sync == nil {
		return
	}
	sync.Advance(dt)
	if due {
		sync.Tick()
	}
}

// Discover scans the LAN for joinable lobbies.
func (c *Coordinator) Discover() ([]discovery.Lobby, error) {
	return discovery.Discover(c.cfg.DiscoveryPort, c.cfg.DiscoveryTimeout, c.SelfID(), c.log)
}

// SetReady toggles the local ready flag and replicates it.
func (c *Coordinator) SetReady(ready bool) {
	c.mu.Lock()
	selfID := c.selfID
	selfName := c.selfName
	registry := c.registry
	c.mu.Unlock()
	if selfID == "" {
		return
	}
	if err := registry.SetReady(selfID, ready); err != nil {
		return
	}
	c.broadcast(protocol.NewMessage(selfID, &protocol.LobbyReadyState{PlayerID: selfID, PlayerName: selfName, IsReady: ready}))
	if c.callbacks.OnReadyChanged != nil {
		c.callbacks.OnReadyChanged(selfID, ready)
	}
}

// StartGame begins the match. Host only, and only once every present player
// is ready.
func (c *Coordinator) StartGame() error {
	c.mu.Lock()
	if !c.isHost {
		c.mu.Unlock()
		return ErrNotHost
	}
	if c.gameStarted {
		c.mu.Unlock()
		return nil
	}
	settings := c.settings
	selfID := c.selfID
	registry := c.registry
	c.mu.Unlock()

	if !registry.AllReady(minPlayersToStart) {
		return ErrNotReady
	}
	start := protocol.GameStart{
		GameMode:             settings.GameMode,
		MapSelection:         settings.MapSelection,
		MaxPlayers:           settings.MaxPlayers,
		EnvironmentalEffects: settings.EnvironmentalEffects,
	}
	c.mu.Lock()
	c.gameStarted = true
	c.mu.Unlock()
	c.broadcast(protocol.NewMessage(selfID, &start))
	c.recordEvent("game_started", map[string]any{"mode": start.GameMode, "map": start.MapSelection})
	c.setState(StateInGame)
	if c.callbacks.OnGameStart != nil {
		c.callbacks.OnGameStart(start)
	}
	return nil
}

// ChangeSetting updates one lobby setting and replicates it. Host only;
// attempts from other peers are refused here and ignored on the wire.
func (c *Coordinator) ChangeSetting(setting, value string) error {
	c.mu.Lock()
	if !c.isHost {
		c.mu.Unlock()
		c.log.Warn("setting change refused: not host", logging.String("setting", setting))
		return ErrNotHost
	}
	c.applySettingLocked(setting, value)
	selfID := c.selfID
	c.mu.Unlock()
	c.broadcast(protocol.NewMessage(selfID, &protocol.LobbySettingChange{Setting: setting, Value: value}))
	c.recordEvent("setting_changed", map[string]any{"setting": setting, "value": value})
	if c.callbacks.OnSettingChanged != nil {
		c.callbacks.OnSettingChanged(setting, value)
	}
	return nil
}

func (c *Coordinator) applySettingLocked(setting, value string) {
	switch setting {
	case "game_mode":
		c.settings.GameMode = value
	case "map_selection":
		c.settings.MapSelection = value
	case "max_players":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.settings.MaxPlayers = v
		}
	case "environmental_effects":
		c.settings.EnvironmentalEffects = value
	}
}

// broadcast fans one message out over every active leg. On the host that is
// each guest connection plus the relay room; on a client just the path to
// the host.
func (c *Coordinator) broadcast(msg protocol.Message) {
	c.mu.Lock()
	conns := make([]*transport.Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	hostConn := c.hostConn
	link := c.link
	c.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(msg); err != nil && !errors.Is(err, transport.ErrSendTimeout) {
			c.log.Debug("broadcast leg failed",
				logging.String("peer", conn.PeerID()),
				logging.Error(err))
		}
	}
	if hostConn != nil {
		if err := hostConn.Send(msg); err != nil && !errors.Is(err, transport.ErrSendTimeout) {
			c.log.Debug("send to host failed", logging.Error(err))
		}
	}
	if link != nil {
		if err := link.Send(msg); err != nil {
			c.log.Debug("relay send failed", logging.Error(err))
		}
	}
}

// forward relays a guest's message to every other leg; the host is the hub
// of the star. Messages that arrived through the relay room skip the relay
// leg since the room already delivered them to its other members.
func (c *Coordinator) forward(msg protocol.Message, from *transport.Conn, viaRelay bool) {
	c.mu.Lock()
	conns := make([]*transport.Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		if conn != from {
			conns = append(conns, conn)
		}
	}
	link := c.link
	c.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(msg); err != nil && !errors.Is(err, transport.ErrSendTimeout) {
			c.log.Debug("forward leg failed",
				logging.String("peer", conn.PeerID()),
				logging.Error(err))
		}
	}
	if link != nil && !viaRelay {
		if err := link.Send(msg); err != nil {
			c.log.Debug("relay forward failed", logging.Error(err))
		}
	}
}

func (c *Coordinator) recordEvent(kind string, detail map[string]any) {
	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()
	if recorder == nil {
		return
	}
	if err := recorder.RecordEvent(kind, detail); err != nil && !errors.Is(err, journal.ErrRecorderClosed) {
		c.log.Debug("journal event failed", logging.Error(err))
	}
}

func (c *Coordinator) recordFrame(msg protocol.Message) {
	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()
	if recorder == nil {
		return
	}
	if err := recorder.RecordFrame(msg); err != nil && !errors.Is(err, journal.ErrRecorderClosed) {
		c.log.Debug("journal frame failed", logging.Error(err))
	}
}

func (c *Coordinator) openJournal(sessionID, lobbyCode string) {
	if c.cfg.JournalDir == "" {
		return
	}
	recorder, err := journal.NewRecorder(c.cfg.JournalDir, sessionID, lobbyCode)
	if err != nil {
		c.log.Warn("journal disabled", logging.Error(err))
		return
	}
	c.mu.Lock()
	c.recorder = recorder
	c.mu.Unlock()
	c.log.Info("journaling session", logging.String("dir", recorder.Dir()))
}

// Leave tears the session down and returns to idle. Safe to call from any
// state, repeatedly.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	selfID := c.selfID
	wasActive := c.state != StateIdle
	listener := c.listener
	responder := c.responder
	conns := make([]*transport.Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	pending := make([]*transport.Conn, 0, len(c.pending))
	for conn := range c.pending {
		pending = append(pending, conn)
	}
	hostConn := c.hostConn
	link := c.link
	recorder := c.recorder
	lobbyCode := c.lobby.Code
	isHost := c.isHost
	c.listener = nil
	c.responder = nil
	c.conns = nil
	c.pending = nil
	c.hostConn = nil
	c.link = nil
	c.relayed = nil
	c.handshake = nil
	c.recorder = nil
	c.sync = nil
	c.selfID = ""
	c.selfName = ""
	c.isHost = false
	c.secret = ""
	c.gameStarted = false
	c.lobby = discovery.Lobby{}
	//1.- Fresh roster and dispatcher under the same lock the sinks use, so a
	// racing receive goroutine sees either the old session's pair or the new
	// empty one, never a torn mix.
	c.registry = peers.NewRegistry()
	c.router = router.New(c.log)
	c.mu.Unlock()

	if !wasActive {
		return
	}
	//1.- Courtesy notice first; closing the sockets is the real signal.
	if selfID != "" {
		msg := protocol.NewMessage(selfID, &protocol.Disconnect{})
		for _, conn := range conns {
			_ = conn.Send(msg)
		}
		if hostConn != nil {
			_ = hostConn.Send(msg)
		}
		if link != nil {
			_ = link.Send(msg)
		}
	}
	if listener != nil {
		listener.Close()
	}
	if responder != nil {
		responder.Close()
	}
	for _, conn := range pending {
		conn.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	if hostConn != nil {
		hostConn.Close()
	}
	if link != nil {
		link.Close()
	}
	if isHost && lobbyCode != "" {
		c.directory.Remove(lobbyCode)
	}
	if recorder != nil {
		_ = recorder.RecordEvent("session_closed", nil)
		_ = recorder.Close()
	}
	c.setState(StateIdle)
}

func newSessionID() string {
	return uuid.NewString()
}

func splitHostPort(addr string) (string, string, error) {
	return net.SplitHostPort(addr)
}
