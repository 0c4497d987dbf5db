package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultGamePort is the TCP port a hosting peer listens on.
	DefaultGamePort = 7777
	// DefaultDiscoveryPort carries the UDP lobby discovery broadcasts.
	DefaultDiscoveryPort = 12347
	// DefaultSendTimeout bounds how long an outbound frame may block on socket backpressure.
	DefaultSendTimeout = 500 * time.Millisecond
	// DefaultDialTimeout bounds how long a join attempt waits for the host to answer.
	DefaultDialTimeout = 10 * time.Second
	// DefaultDiscoveryTimeout bounds how long a broadcast lobby query waits for a response.
	DefaultDiscoveryTimeout = 2 * time.Second
	// DefaultSyncInterval is the cadence of outbound self-state snapshots.
	DefaultSyncInterval = time.Second / 60
	// DefaultTransientAge is how long an unrefreshed replicated bullet survives before GC.
	DefaultTransientAge = 5 * time.Second
	// DefaultLobbyTTL is how long a lobby registration remains resolvable.
	DefaultLobbyTTL = 4 * time.Hour
	// DefaultMaxFrameBytes is the sanity cap on a single wire frame; larger prefixes mean corruption.
	DefaultMaxFrameBytes = 10 << 20
	// DefaultMaxPlayers caps lobby membership when the host does not override it.
	DefaultMaxPlayers = 4
	// DefaultRelayPort is where the relay server listens for websocket rooms.
	DefaultRelayPort = 8090

	// DefaultLogLevel controls verbosity for netcode logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "netcode.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
)

// Config captures all runtime tunables for the networking core.
type Config struct {
	GamePort         int
	DiscoveryPort    int
	SendTimeout      time.Duration
	DialTimeout      time.Duration
	DiscoveryTimeout time.Duration
	SyncInterval     time.Duration
	TransientAge     time.Duration
	LobbyTTL         time.Duration
	MaxFrameBytes    int
	MaxPlayers       int
	RelayPort        int
	RelayEndpoints   []string
	JournalDir       string
	Logging          LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Load reads the netcode configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		GamePort:         DefaultGamePort,
		DiscoveryPort:    DefaultDiscoveryPort,
		SendTimeout:      DefaultSendTimeout,
		DialTimeout:      DefaultDialTimeout,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		SyncInterval:     DefaultSyncInterval,
		TransientAge:     DefaultTransientAge,
		LobbyTTL:         DefaultLobbyTTL,
		MaxFrameBytes:    DefaultMaxFrameBytes,
		MaxPlayers:       DefaultMaxPlayers,
		RelayPort:        DefaultRelayPort,
		RelayEndpoints:   parseList(os.Getenv("NETCODE_RELAY_ENDPOINTS")),
		JournalDir:       strings.TrimSpace(os.Getenv("NETCODE_JOURNAL_DIR")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("NETCODE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("NETCODE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("NETCODE_GAME_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("NETCODE_GAME_PORT must be a valid port, got %q", raw))
		} else {
			cfg.GamePort = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_DISCOVERY_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("NETCODE_DISCOVERY_PORT must be a valid port, got %q", raw))
		} else {
			cfg.DiscoveryPort = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_SEND_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NETCODE_SEND_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.SendTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_DIAL_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NETCODE_DIAL_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.DialTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_SYNC_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NETCODE_SYNC_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SyncInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_LOBBY_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NETCODE_LOBBY_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.LobbyTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_MAX_FRAME_BYTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NETCODE_MAX_FRAME_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxFrameBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_RELAY_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("NETCODE_RELAY_PORT must be a valid port, got %q", raw))
		} else {
			cfg.RelayPort = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_MAX_PLAYERS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 2 {
			problems = append(problems, fmt.Sprintf("NETCODE_MAX_PLAYERS must be at least 2, got %q", raw))
		} else {
			cfg.MaxPlayers = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NETCODE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NETCODE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NETCODE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
