package relay

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"kingdomcleanup/netcode/internal/auth"
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/protocol"
)

func TestSelectBestPrefersLowestScore(t *testing.T) {
	candidates := []ServerInfo{
		{Name: "us-east", PingMS: 80, LoadPercentage: 20},  // 10.0
		{Name: "eu-west", PingMS: 30, LoadPercentage: 10},  // 4.0
		{Name: "ap-south", PingMS: 20, LoadPercentage: 90}, // 11.0
	}
	best, err := SelectBest(candidates)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if best.Name != "eu-west" {
		t.Fatalf("expected eu-west, got %s", best.Name)
	}
}

func TestSelectBestTieKeepsOrder(t *testing.T) {
	candidates := []ServerInfo{
		{Name: "first", PingMS: 50, LoadPercentage: 50},
		{Name: "second", PingMS: 50, LoadPercentage: 50},
	}
	best, err := SelectBest(candidates)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if best.Name != "first" {
		t.Fatalf("expected ordering tiebreak, got %s", best.Name)
	}
}

func TestSelectBestEmpty(t *testing.T) {
	if _, err := SelectBest(nil); err != ErrNoRelays {
		t.Fatalf("expected ErrNoRelays, got %v", err)
	}
}

type linkRecorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *linkRecorder) sink(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *linkRecorder) wait(t *testing.T, n int) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.msgs) >= n {
			out := append([]protocol.Message(nil), r.msgs...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d relayed messages", n)
	return nil
}

func startHub(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(NewHub(logging.NewTestLogger()))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestFramesRelayWithinRoom(t *testing.T) {
	endpoint := startHub(t)
	log := logging.NewTestLogger()

	hostRec, guestRec, strangerRec := &linkRecorder{}, &linkRecorder{}, &linkRecorder{}
	host, err := DialLink(endpoint, "ROOM-0001", "HOST", hostRec.sink, WithLinkLogger(log))
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer host.Close()
	guest, err := DialLink(endpoint, "ROOM-0001", "GUEST", guestRec.sink, WithLinkLogger(log))
	if err != nil {
		t.Fatalf("dial guest: %v", err)
	}
	defer guest.Close()
	stranger, err := DialLink(endpoint, "ROOM-0002", "OTHER", strangerRec.sink, WithLinkLogger(log))
	if err != nil {
		t.Fatalf("dial stranger: %v", err)
	}
	defer stranger.Close()

	//1.- A frame from the guest reaches the host but never the other room.
	if err := guest.Send(protocol.NewMessage("GUEST", &protocol.Connect{PlayerName: "guest"})); err != nil {
		t.Fatalf("guest send: %v", err)
	}
	got := hostRec.wait(t, 1)
	if got[0].Type != protocol.TypeConnect || got[0].SenderID != "GUEST" {
		t.Fatalf("unexpected relayed message: %+v", got[0])
	}
	//2.- The sender does not hear its own frame back.
	time.Sleep(50 * time.Millisecond)
	guestRec.mu.Lock()
	echoes := len(guestRec.msgs)
	guestRec.mu.Unlock()
	if echoes != 0 {
		t.Fatalf("sender received its own frame back")
	}
	strangerRec.mu.Lock()
	leaked := len(strangerRec.msgs)
	strangerRec.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("frame leaked across rooms")
	}
}

func TestEncryptedFramesPassOpaquely(t *testing.T) {
	endpoint := startHub(t)
	secret, err := auth.NewSessionSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}

	hostRec, guestRec := &linkRecorder{}, &linkRecorder{}
	host, err := DialLink(endpoint, "ROOM-SEC", "HOST", hostRec.sink)
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer host.Close()
	guest, err := DialLink(endpoint, "ROOM-SEC", "GUEST", guestRec.sink)
	if err != nil {
		t.Fatalf("dial guest: %v", err)
	}
	defer guest.Close()

	hostCipher, _ := auth.NewSessionCipher(secret)
	guestCipher, _ := auth.NewSessionCipher(secret)
	host.EnableCipher(hostCipher)
	guest.EnableCipher(guestCipher)

	//1.- Sealed frames traverse the hub untouched and decode on arrival.
	if err := guest.Send(protocol.NewMessage("GUEST", &protocol.ScoreUpdate{PlayerID: "GUEST", Score: 1200})); err != nil {
		t.Fatalf("guest send: %v", err)
	}
	got := hostRec.wait(t, 1)
	score, ok := got[0].Payload.(*protocol.ScoreUpdate)
	if !ok || score.Score != 1200 {
		t.Fatalf("unexpected payload: %+v", got[0].Payload)
	}
}

func TestLinkCloseHookFiresOnce(t *testing.T) {
	endpoint := startHub(t)
	var fired int
	var mu sync.Mutex
	rec := &linkRecorder{}
	link, err := DialLink(endpoint, "ROOM-X", "PEER", rec.sink, WithLinkCloseHook(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	link.Close()
	link.Close()
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("expected one close hook call, got %d", fired)
	}
	if err := link.Send(protocol.NewMessage("PEER", &protocol.Disconnect{})); err != ErrLinkClosed {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
}

func TestHubStatsTrackMembership(t *testing.T) {
	hub := NewHub(logging.NewTestLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")

	waitForStats := func(rooms, members int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			r, m := hub.Stats()
			if r == rooms && m == members {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		r, m := hub.Stats()
		t.Fatalf("expected stats %d/%d, got %d/%d", rooms, members, r, m)
	}

	rec := &linkRecorder{}
	first, err := DialLink(endpoint, "ROOM-S", "A", rec.sink)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	second, err := DialLink(endpoint, "ROOM-S", "B", rec.sink)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	//1.- Two members share one room.
	waitForStats(1, 2)
	//2.- Empty rooms are reclaimed once everyone leaves.
	first.Close()
	second.Close()
	waitForStats(0, 0)
}
