package session

import (
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"kingdomcleanup/netcode/internal/config"
	"kingdomcleanup/netcode/internal/discovery"
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/peers"
	"kingdomcleanup/netcode/internal/protocol"
	"kingdomcleanup/netcode/internal/relay"
)

func testConfig() config.Config {
	return config.Config{
		GamePort:         0,
		DiscoveryPort:    0,
		SendTimeout:      500 * time.Millisecond,
		DialTimeout:      2 * time.Second,
		DiscoveryTimeout: 200 * time.Millisecond,
		SyncInterval:     time.Second / 60,
		TransientAge:     5 * time.Second,
		LobbyTTL:         4 * time.Hour,
		MaxFrameBytes:    10 << 20,
		MaxPlayers:       4,
	}
}

func newCoordinator(t *testing.T, callbacks Callbacks, opts ...Option) *Coordinator {
	t.Helper()
	opts = append(opts, WithLogger(logging.NewTestLogger()))
	c := New(testConfig(), callbacks, opts...)
	t.Cleanup(c.Leave)
	return c
}

// hostAddr rewrites the wildcard listen address into something dialable.
func hostAddr(t *testing.T, host *Coordinator) string {
	t.Helper()
	host.mu.Lock()
	defer host.mu.Unlock()
	if host.listener == nil {
		t.Fatalf("host has no listener")
	}
	_, port, err := net.SplitHostPort(host.listener.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	return net.JoinHostPort("127.0.0.1", port)
}

// pump drives both coordinators until the condition holds or time runs out.
func pump(t *testing.T, cond func() bool, coordinators ...*Coordinator) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range coordinators {
			c.Update(1.0 / 60.0)
		}
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held")
}

func TestCreateAndJoinDirect(t *testing.T) {
	var mu sync.Mutex
	var joined []string
	host := newCoordinator(t, Callbacks{
		OnPeerJoined: func(identity peers.Identity) {
			mu.Lock()
			joined = append(joined, identity.PeerID)
			mu.Unlock()
		},
	})
	code, err := host.CreateSession("hostplayer", Settings{GameMode: "survival", MaxPlayers: 4}, HostOptions{Encrypted: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if host.State() != StateHosting || code == "" {
		t.Fatalf("unexpected host state %s code %q", host.State(), code)
	}

	guest := newCoordinator(t, Callbacks{})
	if err := guest.JoinAddress(hostAddr(t, host), "guestplayer", "ranger"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if guest.State() != StateConnected {
		t.Fatalf("unexpected guest state %s", guest.State())
	}
	if guest.LobbyCode() != code {
		t.Fatalf("lobby code mismatch: %q vs %q", guest.LobbyCode(), code)
	}
	//1.- Both rosters converge on two players.
	pump(t, func() bool {
		return host.Registry().Count() == 2 && guest.Registry().Count() == 2
	}, host, guest)
	mu.Lock()
	joinCount := len(joined)
	mu.Unlock()
	if joinCount != 1 {
		t.Fatalf("expected one join callback, got %d", joinCount)
	}

	//2.- Encrypted gameplay traffic flows guest to host.
	guest.Synchronizer().SetLocalState(func() *protocol.PlayerState {
		return &protocol.PlayerState{Position: protocol.Vec2{X: 42}, IsAlive: true, Health: 100}
	})
	guestID := guest.SelfID()
	pump(t, func() bool {
		state, ok := host.Synchronizer().Player(guestID)
		return ok && state.Health == 100
	}, host, guest)
}

func TestReadyGateAndGameStart(t *testing.T) {
	host := newCoordinator(t, Callbacks{})
	if _, err := host.CreateSession("host", Settings{GameMode: "survival", MapSelection: "caves", MaxPlayers: 4}, HostOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	//1.- A lone ready host cannot start; the quorum is two.
	host.SetReady(true)
	if err := host.StartGame(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	guest := newCoordinator(t, Callbacks{})
	if err := guest.JoinAddress(hostAddr(t, host), "guest", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	pump(t, func() bool { return host.Registry().Count() == 2 }, host, guest)

	//2.- Still gated while the guest is not ready.
	if err := host.StartGame(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady with unready guest, got %v", err)
	}
	guest.SetReady(true)
	pump(t, func() bool { return host.Registry().AllReady(2) }, host, guest)

	//3.- Start propagates settings and state to the guest.
	if err := host.StartGame(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pump(t, func() bool { return guest.State() == StateInGame }, host, guest)
	if got := guest.Settings(); got.MapSelection != "caves" {
		t.Fatalf("settings did not propagate: %+v", got)
	}
	//4.- Starting twice is a no-op, not an error.
	if err := host.StartGame(); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestGuestCannotStartOrChangeSettings(t *testing.T) {
	host := newCoordinator(t, Callbacks{})
	if _, err := host.CreateSession("host", Settings{MaxPlayers: 4}, HostOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	guest := newCoordinator(t, Callbacks{})
	if err := guest.JoinAddress(hostAddr(t, host), "guest", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := guest.StartGame(); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if err := guest.ChangeSetting("game_mode", "chaos"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	//1.- The host's change reaches the guest.
	if err := host.ChangeSetting("game_mode", "chaos"); err != nil {
		t.Fatalf("host change: %v", err)
	}
	pump(t, func() bool { return guest.Settings().GameMode == "chaos" }, host, guest)
}

func TestLobbyFullAndInProgressRejections(t *testing.T) {
	host := newCoordinator(t, Callbacks{})
	if _, err := host.CreateSession("host", Settings{MaxPlayers: 2}, HostOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := newCoordinator(t, Callbacks{})
	if err := first.JoinAddress(hostAddr(t, host), "first", ""); err != nil {
		t.Fatalf("first join: %v", err)
	}
	pump(t, func() bool { return host.Registry().Count() == 2 }, host, first)

	//1.- Third player bounces off the cap.
	second := newCoordinator(t, Callbacks{})
	err := second.JoinAddress(hostAddr(t, host), "second", "")
	if !errors.Is(err, ErrJoinRejected) || !strings.Contains(err.Error(), "lobby full") {
		t.Fatalf("expected lobby full rejection, got %v", err)
	}

	//2.- After the game starts nobody new gets in, full or not.
	host.SetReady(true)
	first.SetReady(true)
	pump(t, func() bool { return host.Registry().AllReady(2) }, host, first)
	if err := host.StartGame(); err != nil {
		t.Fatalf("start: %v", err)
	}
	first.Leave()
	pump(t, func() bool { return host.Registry().Count() == 1 }, host)
	late := newCoordinator(t, Callbacks{})
	err = late.JoinAddress(hostAddr(t, host), "late", "")
	if !errors.Is(err, ErrJoinRejected) || !strings.Contains(err.Error(), "in progress") {
		t.Fatalf("expected in-progress rejection, got %v", err)
	}
}

func TestGuestLeaveNotifiesHostOnce(t *testing.T) {
	var mu sync.Mutex
	var left []string
	host := newCoordinator(t, Callbacks{
		OnPeerLeft: func(peerID string) {
			mu.Lock()
			left = append(left, peerID)
			mu.Unlock()
		},
	})
	if _, err := host.CreateSession("host", Settings{MaxPlayers: 4}, HostOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	guest := newCoordinator(t, Callbacks{})
	if err := guest.JoinAddress(hostAddr(t, host), "guest", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	guestID := guest.SelfID()
	pump(t, func() bool { return host.Registry().Count() == 2 }, host, guest)

	//1.- The courtesy disconnect and the socket close collapse into one
	// departure.
	guest.Leave()
	pump(t, func() bool { return host.Registry().Count() == 1 }, host)
	time.Sleep(50 * time.Millisecond)
	host.Update(1.0 / 60.0)
	mu.Lock()
	defer mu.Unlock()
	if len(left) != 1 || left[0] != guestID {
		t.Fatalf("expected one departure for %s, got %v", guestID, left)
	}
}

func TestPeerIDCollisionDisambiguation(t *testing.T) {
	host := newCoordinator(t, Callbacks{})
	if _, err := host.CreateSession("host", Settings{MaxPlayers: 4}, HostOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	taken := host.SelfID()
	assigned := host.disambiguate(taken)
	//1.- The newcomer keeps its requested id as a prefix but gains a suffix.
	if assigned == taken || !strings.HasPrefix(assigned, taken+"-") {
		t.Fatalf("unexpected disambiguation: %q from %q", assigned, taken)
	}
	if free := host.disambiguate("FRESH123"); free != "FRESH123" {
		t.Fatalf("free id should pass through, got %q", free)
	}
	if generated := host.disambiguate(""); generated == "" {
		t.Fatalf("empty request should get a generated id")
	}
	//2.- The acceptance matcher recognizes both shapes.
	if !acceptanceFor(taken+"-AB12", taken) || !acceptanceFor("FRESH123", "FRESH123") {
		t.Fatalf("acceptance matcher rejected valid shapes")
	}
	if acceptanceFor("OTHER999", taken) {
		t.Fatalf("acceptance matcher accepted a stranger")
	}
}

func TestJoinViaRelayBehavesLikeDirect(t *testing.T) {
	hub := relay.NewHub(logging.NewTestLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")
	candidates := []relay.ServerInfo{
		{Name: "near", Endpoint: endpoint, PingMS: 10, LoadPercentage: 10},
		{Name: "far", Endpoint: "ws://203.0.113.1:1", PingMS: 400, LoadPercentage: 90},
	}

	host := newCoordinator(t, Callbacks{})
	if _, err := host.CreateSession("host", Settings{MaxPlayers: 4}, HostOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := host.AttachRelay(candidates); err != nil {
		t.Fatalf("attach relay: %v", err)
	}

	guest := newCoordinator(t, Callbacks{})
	if err := guest.JoinViaRelay(candidates, host.LobbyCode(), "remote", ""); err != nil {
		t.Fatalf("relay join: %v", err)
	}
	if guest.State() != StateConnected {
		t.Fatalf("unexpected guest state %s", guest.State())
	}
	pump(t, func() bool {
		return host.Registry().Count() == 2 && guest.Registry().Count() == 2
	}, host, guest)

	//1.- Gameplay traffic flows through the relay like a direct link.
	guest.Synchronizer().SetLocalState(func() *protocol.PlayerState {
		return &protocol.PlayerState{Position: protocol.Vec2{Y: 7}, IsAlive: true, Health: 55}
	})
	guestID := guest.SelfID()
	pump(t, func() bool {
		state, ok := host.Synchronizer().Player(guestID)
		return ok && state.Health == 55
	}, host, guest)
}

func TestJoinByCodeResolvesOverLAN(t *testing.T) {
	host := newCoordinator(t, Callbacks{})
	code, err := host.CreateSession("warden", Settings{MaxPlayers: 4}, HostOptions{Advertise: true})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	host.mu.Lock()
	responder := host.responder
	host.mu.Unlock()
	if responder == nil {
		t.Skipf("LAN discovery unavailable in this environment")
	}
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: responder.Addr().Port}

	guest := newCoordinator(t, Callbacks{})
	//1.- The guest's local directory has never heard of the code, so the
	// resolution has to go over the wire to the advertising host.
	guest.mu.Lock()
	guest.queryTargets = []*net.UDPAddr{target}
	guest.mu.Unlock()
	if err := guest.JoinByCode(code, "wanderer", "mage"); err != nil {
		t.Fatalf("join by code: %v", err)
	}
	if guest.State() != StateConnected || guest.LobbyCode() != code {
		t.Fatalf("guest state %v code %q after join", guest.State(), guest.LobbyCode())
	}
	pump(t, func() bool {
		return host.Registry().Count() == 2 && guest.Registry().Count() == 2
	}, host, guest)

	//2.- A code nobody on the network holds waits out the window and fails
	// instead of dialing anything.
	stray := newCoordinator(t, Callbacks{})
	stray.mu.Lock()
	stray.queryTargets = []*net.UDPAddr{target}
	stray.mu.Unlock()
	if err := stray.JoinByCode("ZZZ-000-999", "lost", ""); !errors.Is(err, discovery.ErrLobbyNotFound) {
		t.Fatalf("unheld code: got %v, want ErrLobbyNotFound", err)
	}
	if stray.State() != StateIdle {
		t.Fatalf("failed resolution should leave the coordinator idle, got %v", stray.State())
	}
}

func TestLobbyRegistrationCarriesHostIdentity(t *testing.T) {
	host := newCoordinator(t, Callbacks{})
	if _, err := host.CreateSession("warden", Settings{MaxPlayers: 4}, HostOptions{Private: true, Region: "eu-west"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	lobby, joinable := host.lobbySnapshot()
	if !joinable {
		t.Fatalf("fresh lobby should be joinable")
	}
	if lobby.HostPeerID != host.SelfID() {
		t.Fatalf("lobby host peer id %q, want %q", lobby.HostPeerID, host.SelfID())
	}
	if !lobby.IsPrivate || lobby.Region != "eu-west" {
		t.Fatalf("lobby privacy/region not carried: %+v", lobby)
	}
}

func TestLeaveDuringTrafficKeepsRosterConsistent(t *testing.T) {
	host := newCoordinator(t, Callbacks{})
	code, err := host.CreateSession("warden", Settings{MaxPlayers: 4}, HostOptions{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	guest := newCoordinator(t, Callbacks{})
	if err := guest.JoinAddress(hostAddr(t, host), "wanderer", "mage"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if guest.LobbyCode() != code {
		t.Fatalf("lobby code mismatch: %q vs %q", guest.LobbyCode(), code)
	}
	pump(t, func() bool {
		return host.Registry().Count() == 2 && guest.Registry().Count() == 2
	}, host, guest)

	//1.- Keep guest traffic flowing while the host tears down; the roster and
	// dispatcher swap happens under the same lock the inbound sinks take, so
	// the pair is never observed torn.
	guest.Synchronizer().SetLocalState(func() *protocol.PlayerState {
		return &protocol.PlayerState{Health: 70}
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 60; i++ {
			guest.Update(1.0 / 60.0)
			guest.Registry().Count()
			time.Sleep(time.Millisecond)
		}
	}()
	time.Sleep(10 * time.Millisecond)
	host.Leave()
	<-done

	if host.State() != StateIdle {
		t.Fatalf("host state after leave: %v", host.State())
	}
	if host.Registry().Count() != 0 {
		t.Fatalf("stale roster after leave: %d peers", host.Registry().Count())
	}
	pump(t, func() bool { return guest.State() == StateIdle }, guest)
}
