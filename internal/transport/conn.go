// Package transport owns the TCP plumbing between peers: dialing, accepting,
// framing via the protocol codec and the lifecycle of each connection.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/protocol"
)

var (
	// ErrUnreachable covers dial failures where the host did not answer.
	ErrUnreachable = errors.New("host unreachable")
	// ErrTimedOut covers dial attempts that ran out the timeout.
	ErrTimedOut = errors.New("connection timed out")
	// ErrRefused covers hosts that actively rejected the connection.
	ErrRefused = errors.New("connection refused")
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendTimeout is returned when a write missed its deadline; the
	// message is dropped but the connection stays up.
	ErrSendTimeout = errors.New("send timed out")
)

const readBufferSize = 4096

type settings struct {
	sendTimeout time.Duration
	dialTimeout time.Duration
	maxFrame    int
	idleTimeout time.Duration
	log         *logging.Logger
	onMessage   func(*Conn, protocol.Message)
	onClose     func(*Conn)
}

// Option configures dialing and connection behaviour.
type Option func(*settings)

// WithSendTimeout bounds how long a single write may block.
func WithSendTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithMaxFrameBytes caps the size of a single decoded frame.
func WithMaxFrameBytes(limit int) Option {
	return func(s *settings) {
		if limit > 0 {
			s.maxFrame = limit
		}
	}
}

// WithIdleTimeout enables the idle watchdog: a connection with no inbound
// traffic for the given duration is closed. Zero leaves the watchdog off,
// which is the default because the synchronizer already sends state every
// tick and a silent peer surfaces through connection quality first.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *settings) { s.idleTimeout = d }
}

// WithLogger overrides the package logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMessageSink installs the callback invoked for every decoded message.
func WithMessageSink(sink func(*Conn, protocol.Message)) Option {
	return func(s *settings) { s.onMessage = sink }
}

// WithCloseHook installs the callback invoked exactly once when the
// connection terminates, regardless of which side closed or how often Close
// is called.
func WithCloseHook(hook func(*Conn)) Option {
	return func(s *settings) { s.onClose = hook }
}

func newSettings(opts []Option) settings {
	s := settings{
		sendTimeout: 500 * time.Millisecond,
		dialTimeout: 10 * time.Second,
		log:         logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// Conn is one framed TCP link to a remote peer. Send is safe from any
// goroutine; inbound messages surface through the configured sink from the
// connection's own receive goroutine.
type Conn struct {
	raw      net.Conn
	codec    *protocol.Codec
	cfg      settings
	writeMu  sync.Mutex
	closing  sync.Once
	done     chan struct{}
	lastSeen atomic.Int64

	mu     sync.RWMutex
	peerID string
}

func newConn(raw net.Conn, cfg settings) *Conn {
	c := &Conn{
		raw:   raw,
		codec: protocol.NewCodec(cfg.maxFrame),
		cfg:   cfg,
		done:  make(chan struct{}),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// Start launches the receive goroutine and, when configured, the idle
// watchdog. Call once after the connection is fully wired.
func (c *Conn) Start() {
	go c.readLoop()
	if c.cfg.idleTimeout > 0 {
		go c.watchdog()
	}
}

// PeerID returns the remote peer id learned during the handshake, or empty
// before it completes.
func (c *Conn) PeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

// SetPeerID records the remote peer id once the handshake resolves it.
func (c *Conn) SetPeerID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerID = id
}

// RemoteAddr exposes the underlying address for logging.
func (c *Conn) RemoteAddr() string {
	if c.raw == nil {
		return ""
	}
	return c.raw.RemoteAddr().String()
}

// EnableCipher switches the connection to encrypted framing. Frames already
// buffered keep decoding with the codec's usual rules.
func (c *Conn) EnableCipher(cipher protocol.Cipher) {
	c.codec.EnableCipher(cipher)
}

// Dropped reports how many inbound messages were discarded by the codec.
func (c *Conn) Dropped() int {
	return c.codec.Dropped()
}

// Send encodes and writes one message. Writes are serialized and bounded by
// the send timeout; a timed-out message is dropped rather than allowed to
// stall the caller behind a congested peer.
func (c *Conn) Send(msg protocol.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return c.write(frame)
}

// SendRaw writes one message without encryption regardless of cipher state.
// The join handshake uses it: both sides must be able to read the exchange
// that carries the session secret.
func (c *Conn) SendRaw(msg protocol.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	frame, err := c.codec.EncodeRaw(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return c.write(frame)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.cfg.sendTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := c.raw.Write(frame); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			//1.- The peer is congested, not gone: drop this frame only.
			c.cfg.log.Warn("send timed out, dropping frame",
				logging.String("remote", c.RemoteAddr()))
			return ErrSendTimeout
		}
		//2.- Any other write failure means the link is broken.
		c.Close()
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call repeatedly from any
// goroutine; the close hook fires exactly once.
func (c *Conn) Close() {
	c.closing.Do(func() {
		close(c.done)
		_ = c.raw.Close()
		if c.cfg.onClose != nil {
			c.cfg.onClose(c)
		}
	})
}

// Done is closed when the connection has terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop() {
	defer c.Close()
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			c.lastSeen.Store(time.Now().UnixNano())
			msgs, feedErr := c.codec.Feed(buf[:n])
			for _, msg := range msgs {
				if c.cfg.onMessage != nil {
					c.cfg.onMessage(c, msg)
				}
			}
			if feedErr != nil {
				//1.- Framing is unrecoverable once the prefix lies.
				c.cfg.log.Error("stream corrupt, closing",
					logging.String("remote", c.RemoteAddr()),
					logging.Error(feedErr))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.cfg.log.Debug("read ended",
					logging.String("remote", c.RemoteAddr()),
					logging.Error(err))
			}
			return
		}
	}
}

func (c *Conn) watchdog() {
	ticker := time.NewTicker(c.cfg.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastSeen.Load()))
			if idle >= c.cfg.idleTimeout {
				c.cfg.log.Warn("peer idle beyond watchdog limit, closing",
					logging.String("remote", c.RemoteAddr()),
					logging.Duration("idle", idle))
				c.Close()
				return
			}
		}
	}
}

// Dial connects to a host and wraps the link. Failures are classified into
// the sentinel errors callers branch on for user-facing messaging.
func Dial(addr string, opts ...Option) (*Conn, error) {
	cfg := newSettings(opts)
	raw, err := net.DialTimeout("tcp", addr, cfg.dialTimeout)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}
	return newConn(raw, cfg), nil
}

func classifyDialError(addr string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("dial %s: %w", addr, ErrTimedOut)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("dial %s: %w", addr, ErrRefused)
	}
	return fmt.Errorf("dial %s: %w", addr, ErrUnreachable)
}
