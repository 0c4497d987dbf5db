package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kingdomcleanup/netcode/internal/auth"
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/protocol"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) sink(_ *Conn, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) wait(t *testing.T, n int) []protocol.Message {
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
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func loopbackPair(t *testing.T, hostRec, clientRec *recorder, extra ...Option) (*Conn, *Conn) {
	t.Helper()
	log := logging.NewTestLogger()
	accepted := make(chan *Conn, 1)
	hostOpts := append([]Option{WithLogger(log), WithMessageSink(hostRec.sink)}, extra...)
	listener, err := Listen("127.0.0.1:0", func(c *Conn) {
		c.Start()
		accepted <- c
	}, hostOpts...)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(listener.Close)

	clientOpts := append([]Option{WithLogger(log), WithMessageSink(clientRec.sink)}, extra...)
	client, err := Dial(listener.Addr(), clientOpts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Start()
	t.Cleanup(client.Close)

	select {
	case host := <-accepted:
		t.Cleanup(host.Close)
		return host, client
	case <-time.After(2 * time.Second):
		t.Fatalf("accept timed out")
		return nil, nil
	}
}

func TestMessagesFlowBothWays(t *testing.T) {
	hostRec, clientRec := &recorder{}, &recorder{}
	host, client := loopbackPair(t, hostRec, clientRec)

	//1.- Client to host.
	if err := client.Send(protocol.NewMessage("GUEST", &protocol.Connect{})); err != nil {
		t.Fatalf("client send: %v", err)
	}
	got := hostRec.wait(t, 1)
	if got[0].Type != protocol.TypeConnect || got[0].SenderID != "GUEST" {
		t.Fatalf("unexpected message: %+v", got[0])
	}
	//2.- Host back to client.
	if err := host.Send(protocol.NewMessage("HOST", &protocol.WaveUpdate{WaveNumber: 3})); err != nil {
		t.Fatalf("host send: %v", err)
	}
	back := clientRec.wait(t, 1)
	wave, ok := back[0].Payload.(*protocol.WaveUpdate)
	if !ok || wave.WaveNumber != 3 {
		t.Fatalf("unexpected payload: %+v", back[0].Payload)
	}
}

func TestEncryptedFlowAfterHandshake(t *testing.T) {
	hostRec, clientRec := &recorder{}, &recorder{}
	host, client := loopbackPair(t, hostRec, clientRec)

	secret, err := auth.NewSessionSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	hostCipher, err := auth.NewSessionCipher(secret)
	if err != nil {
		t.Fatalf("host cipher: %v", err)
	}
	clientCipher, err := auth.NewSessionCipher(secret)
	if err != nil {
		t.Fatalf("client cipher: %v", err)
	}

	//1.- Handshake frame travels unencrypted even with a cipher armed.
	host.EnableCipher(hostCipher)
	if err := host.SendRaw(protocol.NewMessage("HOST", &protocol.JoinAccepted{PeerID: "GUEST", EncryptionKey: &secret})); err != nil {
		t.Fatalf("send raw: %v", err)
	}
	accepted := clientRec.wait(t, 1)
	if accepted[0].Type != protocol.TypeJoinAccepted {
		t.Fatalf("unexpected handshake message: %+v", accepted[0])
	}

	//2.- Subsequent traffic is sealed and still round-trips.
	client.EnableCipher(clientCipher)
	if err := client.Send(protocol.NewMessage("GUEST", &protocol.PlayerState{PlayerID: "GUEST", Health: 80})); err != nil {
		t.Fatalf("encrypted send: %v", err)
	}
	got := hostRec.wait(t, 1)
	state, ok := got[0].Payload.(*protocol.PlayerState)
	if !ok || state.Health != 80 {
		t.Fatalf("unexpected payload: %+v", got[0].Payload)
	}
}

func TestCloseHookFiresExactlyOnce(t *testing.T) {
	var fired atomic.Int32
	hostRec, clientRec := &recorder{}, &recorder{}
	_, client := loopbackPair(t, hostRec, clientRec, WithCloseHook(func(*Conn) {
		fired.Add(1)
	}))

	//1.- Redundant closes from racing goroutines collapse to one hook call.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Close()
		}()
	}
	wg.Wait()
	client.Close()

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give a straggling duplicate a moment to show itself.
	time.Sleep(20 * time.Millisecond)
	if got := fired.Load(); got < 1 || got > 2 {
		t.Fatalf("expected close hooks for two ends at most, got %d", got)
	}
	if err := client.Send(protocol.NewMessage("GUEST", &protocol.Disconnect{})); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

func TestRemoteCloseSurfacesLocally(t *testing.T) {
	hostRec, clientRec := &recorder{}, &recorder{}
	host, client := loopbackPair(t, hostRec, clientRec)

	//1.- Host drops the link; the client's done channel must close.
	host.Close()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client never observed remote close")
	}
}

func TestDialConnectionRefused(t *testing.T) {
	//1.- Bind then close a port so nothing is listening on it.
	listener, err := Listen("127.0.0.1:0", nil, WithLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr()
	listener.Close()
	time.Sleep(20 * time.Millisecond)

	_, err = Dial(addr, WithLogger(logging.NewTestLogger()), WithDialTimeout(time.Second))
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !errors.Is(err, ErrRefused) && !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected refused or unreachable classification, got %v", err)
	}
}

func TestIdleWatchdogClosesSilentPeer(t *testing.T) {
	hostRec, clientRec := &recorder{}, &recorder{}
	host, _ := loopbackPair(t, hostRec, clientRec, WithIdleTimeout(100*time.Millisecond))

	//1.- Neither side sends; the watchdog should reap the link.
	select {
	case <-host.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("watchdog never fired")
	}
}

func TestPeerIDRoundTrip(t *testing.T) {
	hostRec, clientRec := &recorder{}, &recorder{}
	host, _ := loopbackPair(t, hostRec, clientRec)
	if host.PeerID() != "" {
		t.Fatalf("expected empty peer id before handshake")
	}
	host.SetPeerID("GUEST")
	if host.PeerID() != "GUEST" {
		t.Fatalf("peer id not retained")
	}
}
