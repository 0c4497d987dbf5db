package discovery

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrLobbyNotFound is returned when no live entry matches the code.
	ErrLobbyNotFound = errors.New("lobby not found")
	// ErrCodeInUse is returned when a custom code collides with a live entry.
	ErrCodeInUse = errors.New("lobby code already in use")
)

// Lobby is one advertised session. The JSON field names match the discovery
// datagrams other implementations of the protocol emit.
type Lobby struct {
	Code       string `json:"code"`
	HostName   string `json:"host_name"`
	HostPeerID string `json:"host_peer_id"`
	HostAddr   string `json:"host_addr,omitempty"`
	GameMode   string `json:"game_mode"`
	Players    int    `json:"current_players"`
	MaxPlayers int    `json:"max_players"`
	// IsPrivate hides the lobby from blanket LAN scans; it stays reachable by
	// anyone holding the exact code.
	IsPrivate       bool      `json:"is_private"`
	Region          string    `json:"region,omitempty"`
	RelayIdentifier string    `json:"relay_server,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// DirectoryOption configures optional Directory behaviour.
type DirectoryOption func(*Directory)

// WithDirectoryClock overrides the time source for deterministic tests.
func WithDirectoryClock(clock func() time.Time) DirectoryOption {
	return func(d *Directory) {
		if clock != nil {
			d.now = clock
		}
	}
}

// WithLobbyTTL overrides how long an entry stays resolvable.
func WithLobbyTTL(ttl time.Duration) DirectoryOption {
	return func(d *Directory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// Directory maps lobby codes to live sessions. Entries expire after the TTL;
// expiry is lazy, applied on the read and write paths rather than by a
// background sweeper.
type Directory struct {
	mu      sync.Mutex
	entries map[string]Lobby
	ttl     time.Duration
	now     func() time.Time
}

// NewDirectory constructs an empty directory with the standard four-hour TTL.
func NewDirectory(opts ...DirectoryOption) *Directory {
	d := &Directory{
		entries: make(map[string]Lobby),
		ttl:     4 * time.Hour,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register adds a lobby under its code. A code colliding with a live entry is
// rejected; a code held only by an expired entry is reclaimed.
func (d *Directory) Register(lobby Lobby) error {
	code := strings.ToUpper(strings.TrimSpace(lobby.Code))
	if code == "" {
		return ErrLobbyNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeLocked()
	if _, exists := d.entries[code]; exists {
		return ErrCodeInUse
	}
	lobby.Code = code
	if lobby.CreatedAt.IsZero() {
		lobby.CreatedAt = d.now()
	}
	d.entries[code] = lobby
	return nil
}

// Resolve looks a code up, case-insensitively.
func (d *Directory) Resolve(code string) (Lobby, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeLocked()
	lobby, ok := d.entries[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Lobby{}, ErrLobbyNotFound
	}
	return lobby, nil
}

// Remove drops an entry, reporting whether it was present.
func (d *Directory) Remove(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := d.entries[key]; !ok {
		return false
	}
	delete(d.entries, key)
	return true
}

// UpdatePlayers refreshes the advertised player count for a live lobby.
func (d *Directory) UpdatePlayers(code string, players int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToUpper(strings.TrimSpace(code))
	lobby, ok := d.entries[key]
	if !ok {
		return ErrLobbyNotFound
	}
	lobby.Players = players
	d.entries[key] = lobby
	return nil
}

// List returns snapshot copies of every live lobby, newest first.
func (d *Directory) List() []Lobby {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeLocked()
	out := make([]Lobby, 0, len(d.entries))
	for _, lobby := range d.entries {
		out = append(out, lobby)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out
}

func (d *Directory) purgeLocked() {
	cutoff := d.now().Add(-d.ttl)
	for code, lobby := range d.entries {
		if lobby.CreatedAt.Before(cutoff) {
			delete(d.entries, code)
		}
	}
}
