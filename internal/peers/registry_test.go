package peers

import (
	"testing"
	"time"
)

func TestRegisterRejectsDuplicates(t *testing.T) {
	//1.- Register a peer and confirm the same id cannot be reused.
	registry := NewRegistry()
	if err := registry.Register(Identity{PeerID: "A1B2C3D4", DisplayName: "host", IsHost: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(Identity{PeerID: "A1B2C3D4"}); err != ErrDuplicatePeer {
		t.Fatalf("expected ErrDuplicatePeer, got %v", err)
	}
	if err := registry.Register(Identity{PeerID: "   "}); err != ErrInvalidPeerID {
		t.Fatalf("expected ErrInvalidPeerID, got %v", err)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Identity{PeerID: "PEER"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	//1.- The first removal reports a change, repeats do not.
	if !registry.Unregister("PEER") {
		t.Fatalf("expected first unregister to remove the peer")
	}
	if registry.Unregister("PEER") {
		t.Fatalf("expected repeated unregister to be a no-op")
	}
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}
}

func TestListOrdersByJoinTime(t *testing.T) {
	current := time.Unix(1000, 0)
	registry := NewRegistry(WithClock(func() time.Time { return current }))
	//1.- Register three peers at strictly increasing times.
	for _, id := range []string{"CCCC", "AAAA", "BBBB"} {
		if err := registry.Register(Identity{PeerID: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		current = current.Add(time.Second)
	}
	listed := registry.List()
	if len(listed) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(listed))
	}
	//2.- Join order wins over lexical order.
	want := []string{"CCCC", "AAAA", "BBBB"}
	for i, identity := range listed {
		if identity.PeerID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], identity.PeerID)
		}
	}
}

func TestMutationsReturnFreshSnapshots(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Identity{PeerID: "PEER", DisplayName: "before"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	before, _ := registry.Get("PEER")
	if err := registry.SetReady("PEER", true); err != nil {
		t.Fatalf("set ready: %v", err)
	}
	if err := registry.SetDisplayName("PEER", "after"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if err := registry.SetCharacter("PEER", "ranger"); err != nil {
		t.Fatalf("set character: %v", err)
	}
	//1.- The earlier snapshot is unaffected by later mutations.
	if before.Ready || before.DisplayName != "before" {
		t.Fatalf("snapshot mutated in place: %+v", before)
	}
	after, _ := registry.Get("PEER")
	if !after.Ready || after.DisplayName != "after" || after.Character != "ranger" {
		t.Fatalf("unexpected identity after mutations: %+v", after)
	}
	if err := registry.SetReady("GHOST", true); err != ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestQualityGrading(t *testing.T) {
	current := time.Unix(5000, 0)
	registry := NewRegistry(WithClock(func() time.Time { return current }))
	if err := registry.Register(Identity{PeerID: "PEER"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	//1.- A peer with no traffic yet is still connecting.
	if quality := registry.QualityOf("PEER"); quality != QualityConnecting {
		t.Fatalf("expected Connecting, got %s", quality)
	}
	registry.Touch("PEER")
	if quality := registry.QualityOf("PEER"); quality != QualityGood {
		t.Fatalf("expected Good, got %s", quality)
	}
	//2.- Ageing the last-seen timestamp degrades the grade step by step.
	current = current.Add(3 * time.Second)
	if quality := registry.QualityOf("PEER"); quality != QualityFair {
		t.Fatalf("expected Fair, got %s", quality)
	}
	current = current.Add(3 * time.Second)
	if quality := registry.QualityOf("PEER"); quality != QualityPoor {
		t.Fatalf("expected Poor, got %s", quality)
	}
}

func TestAllReadyRequiresQuorum(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Identity{PeerID: "HOST", Ready: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	//1.- One ready player is not enough for a two-player quorum.
	if registry.AllReady(2) {
		t.Fatalf("expected quorum gate to hold with one player")
	}
	if err := registry.Register(Identity{PeerID: "GUEST"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if registry.AllReady(2) {
		t.Fatalf("expected gate to hold while a peer is not ready")
	}
	if err := registry.SetReady("GUEST", true); err != nil {
		t.Fatalf("set ready: %v", err)
	}
	//2.- The gate opens once everyone present has toggled ready.
	if !registry.AllReady(2) {
		t.Fatalf("expected gate to open")
	}
}

func TestNewPeerIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := NewPeerID()
		if len(id) != 8 {
			t.Fatalf("expected 8-char id, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}
