// Command lobbyctl drives a headless session from the terminal: host a lobby,
// join one by code or address, or scan the LAN for open lobbies. Useful for
// smoke-testing the networking core without a game client attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kingdomcleanup/netcode/internal/config"
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/peers"
	"kingdomcleanup/netcode/internal/protocol"
	"kingdomcleanup/netcode/internal/relay"
	"kingdomcleanup/netcode/internal/session"
)

func main() {
	var (
		name      = flag.String("name", "lobbyctl", "display name announced to the lobby")
		character = flag.String("character", "knight", "character selection sent on join")
		code      = flag.String("code", "", "lobby code to join, or custom code when hosting")
		addr      = flag.String("addr", "", "host address to join directly, host:port")
		encrypted = flag.Bool("encrypted", false, "seal session traffic when hosting")
		useRelay  = flag.Bool("relay", false, "route through the configured relay endpoints")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: lobbyctl [flags] host|join|discover\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lobbyctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfg, flag.Arg(0), options{
		name:      *name,
		character: *character,
		code:      *code,
		addr:      *addr,
		encrypted: *encrypted,
		useRelay:  *useRelay,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "lobbyctl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	name      string
	character string
	code      string
	addr      string
	encrypted bool
	useRelay  bool
}

func run(ctx context.Context, cfg config.Config, mode string, opts options) error {
	coord := session.New(cfg, printingCallbacks(), session.WithLogger(logging.NewTestLogger()))
	defer coord.Leave()

	switch mode {
	case "discover":
		return discover(coord)
	case "host":
		if err := host(coord, cfg, opts); err != nil {
			return err
		}
	case "join":
		if err := join(coord, cfg, opts); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	return pump(ctx, coord, cfg.SyncInterval)
}

func discover(coord *session.Coordinator) error {
	lobbies, err := coord.Discover()
	if err != nil {
		return err
	}
	if len(lobbies) == 0 {
		fmt.Println("no lobbies found")
		return nil
	}
	for _, lobby := range lobbies {
		fmt.Printf("%s  %-16s %s  %d/%d  %s\n",
			lobby.Code, lobby.HostName, lobby.HostAddr, lobby.Players, lobby.MaxPlayers, lobby.GameMode)
	}
	return nil
}

func host(coord *session.Coordinator, cfg config.Config, opts options) error {
	settings := session.Settings{
		GameMode:   "survival",
		MaxPlayers: cfg.MaxPlayers,
	}
	assigned, err := coord.CreateSession(opts.name, settings, session.HostOptions{
		CustomCode: opts.code,
		Encrypted:  opts.encrypted,
		Advertise:  true,
	})
	if err != nil {
		return err
	}
	fmt.Printf("hosting lobby %s on port %d\n", assigned, cfg.GamePort)
	if opts.useRelay {
		if err := coord.AttachRelay(relayCandidates(cfg)); err != nil {
			return fmt.Errorf("attach relay: %w", err)
		}
		fmt.Println("relay attached")
	}
	coord.SetReady(true)
	return nil
}

func join(coord *session.Coordinator, cfg config.Config, opts options) error {
	var err error
	switch {
	case opts.useRelay:
		if opts.code == "" {
			return fmt.Errorf("joining via relay requires -code")
		}
		err = coord.JoinViaRelay(relayCandidates(cfg), opts.code, opts.name, opts.character)
	case opts.addr != "":
		err = coord.JoinAddress(opts.addr, opts.name, opts.character)
	case opts.code != "":
		err = coord.JoinByCode(opts.code, opts.name, opts.character)
	default:
		return fmt.Errorf("joining requires -code or -addr")
	}
	if err != nil {
		return err
	}
	fmt.Printf("joined lobby %s as %s\n", coord.LobbyCode(), coord.SelfID())
	coord.SetReady(true)
	return nil
}

// pump drives the coordinator at the sync cadence until interrupted or the
// session collapses back to idle.
func pump(ctx context.Context, coord *session.Coordinator, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second / 60
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("leaving session")
			return nil
		case now := <-ticker.C:
			coord.Update(now.Sub(last).Seconds())
			last = now
			if coord.State() == session.StateIdle {
				return fmt.Errorf("session lost")
			}
		}
	}
}

func printingCallbacks() session.Callbacks {
	return session.Callbacks{
		OnPeerJoined: func(id peers.Identity) {
			fmt.Printf("peer joined: %s (%s)\n", id.DisplayName, id.PeerID)
		},
		OnPeerLeft: func(peerID string) {
			fmt.Printf("peer left: %s\n", peerID)
		},
		OnReadyChanged: func(peerID string, ready bool) {
			fmt.Printf("ready: %s=%v\n", peerID, ready)
		},
		OnSettingChanged: func(setting, value string) {
			fmt.Printf("setting: %s=%s\n", setting, value)
		},
		OnGameStart: func(start protocol.GameStart) {
			fmt.Printf("game started: mode=%s map=%s\n", start.GameMode, start.MapSelection)
		},
		OnStateChange: func(state session.State) {
			fmt.Printf("state: %s\n", state)
		},
	}
}

func relayCandidates(cfg config.Config) []relay.ServerInfo {
	candidates := make([]relay.ServerInfo, 0, len(cfg.RelayEndpoints))
	for i, endpoint := range cfg.RelayEndpoints {
		candidates = append(candidates, relay.ServerInfo{
			Name:     fmt.Sprintf("relay-%d", i+1),
			Endpoint: endpoint,
		})
	}
	return candidates
}
