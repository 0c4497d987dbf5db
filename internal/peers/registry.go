// Package peers is the single source of truth for session membership,
// independent of which transport a peer arrived on.
package peers

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidPeerID is returned when an identity omits its identifier.
	ErrInvalidPeerID = errors.New("peer id must not be empty")
	// ErrDuplicatePeer indicates the identifier is already registered.
	ErrDuplicatePeer = errors.New("peer id already registered")
	// ErrUnknownPeer indicates no registered peer matches the identifier.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Quality grades a peer's link from observed traffic recency.
type Quality string

const (
	QualityConnecting Quality = "Connecting"
	QualityGood       Quality = "Good"
	QualityFair       Quality = "Fair"
	QualityPoor       Quality = "Poor"
)

// Identity describes one session participant. The local player is modelled the
// same way as remote peers; it simply has no transport connection behind it.
type Identity struct {
	PeerID      string
	DisplayName string
	IsHost      bool
	Ready       bool
	Character   string
	JoinedAt    time.Time
	LastSeen    time.Time
}

// NewPeerID generates a short opaque peer identifier.
func NewPeerID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// RegistryOption configures optional Registry behaviour at construction time.
type RegistryOption func(*Registry)

// WithClock overrides the wall-clock time source for deterministic tests.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Registry tracks connected peers. Mutations arrive from network receive
// goroutines while the application thread reads; every operation is atomic so
// a reader never observes a half-updated identity.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Identity
	now   func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		peers: make(map[string]Identity),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds a new peer. The join timestamp is stamped here so List ordering
// is stable.
func (r *Registry) Register(identity Identity) error {
	if strings.TrimSpace(identity.PeerID) == "" {
		return ErrInvalidPeerID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[identity.PeerID]; exists {
		return ErrDuplicatePeer
	}
	if identity.JoinedAt.IsZero() {
		identity.JoinedAt = r.now()
	}
	r.peers[identity.PeerID] = identity
	return nil
}

// Unregister removes a peer and reports whether it was present. Removing an
// absent peer is a no-op so duplicate disconnect notifications cannot
// double-fire leave handling.
func (r *Registry) Unregister(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[peerID]; !exists {
		return false
	}
	delete(r.peers, peerID)
	return true
}

// Get returns a snapshot copy of one peer.
func (r *Registry) Get(peerID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.peers[peerID]
	return identity, ok
}

// List returns snapshot copies of every peer, ordered by join time then id so
// UI rosters render deterministically.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.peers))
	for _, identity := range r.peers {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Count reports the number of registered peers, the local player included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// SetReady updates one peer's ready flag.
func (r *Registry) SetReady(peerID string, ready bool) error {
	return r.mutate(peerID, func(identity *Identity) {
		identity.Ready = ready
	})
}

// SetCharacter updates the cosmetic character selection.
func (r *Registry) SetCharacter(peerID, character string) error {
	return r.mutate(peerID, func(identity *Identity) {
		identity.Character = character
	})
}

// SetDisplayName updates the peer's visible name.
func (r *Registry) SetDisplayName(peerID, name string) error {
	return r.mutate(peerID, func(identity *Identity) {
		identity.DisplayName = name
	})
}

// Touch records traffic from the peer for connection-quality grading.
func (r *Registry) Touch(peerID string) {
	_ = r.mutate(peerID, func(identity *Identity) {
		identity.LastSeen = r.now()
	})
}

func (r *Registry) mutate(peerID string, apply func(*Identity)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.peers[peerID]
	if !ok {
		return ErrUnknownPeer
	}
	apply(&identity)
	r.peers[peerID] = identity
	return nil
}

// QualityOf grades the peer's link: never-seen peers are still connecting,
// then recency buckets of two and five seconds separate Good, Fair and Poor.
func (r *Registry) QualityOf(peerID string) Quality {
	identity, ok := r.Get(peerID)
	if !ok || identity.LastSeen.IsZero() {
		return QualityConnecting
	}
	switch age := r.now().Sub(identity.LastSeen); {
	case age < 2*time.Second:
		return QualityGood
	case age < 5*time.Second:
		return QualityFair
	default:
		return QualityPoor
	}
}

// AllReady reports whether every registered peer toggled ready and at least
// minPlayers are present.
func (r *Registry) AllReady(minPlayers int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.peers) < minPlayers {
		return false
	}
	for _, identity := range r.peers {
		if !identity.Ready {
			return false
		}
	}
	return true
}
