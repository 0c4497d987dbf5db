package relay

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/protocol"
)

// ErrLinkClosed is returned when sending on a closed relay link.
var ErrLinkClosed = errors.New("relay link closed")

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 500 * time.Millisecond
)

// Link is one websocket leg to a relay server. Frames carry the same
// length-prefixed encoding as direct TCP, so the rest of the stack cannot
// tell which transport a message arrived on.
type Link struct {
	conn    *websocket.Conn
	codec   *protocol.Codec
	writeMu sync.Mutex
	closing sync.Once
	done    chan struct{}
	sink    func(protocol.Message)
	onClose func()
	log     *logging.Logger
}

// LinkOption configures optional Link behaviour.
type LinkOption func(*Link)

// WithLinkLogger overrides the package logger.
func WithLinkLogger(log *logging.Logger) LinkOption {
	return func(l *Link) {
		if log != nil {
			l.log = log
		}
	}
}

// WithLinkCloseHook installs a callback fired exactly once on teardown.
func WithLinkCloseHook(hook func()) LinkOption {
	return func(l *Link) { l.onClose = hook }
}

// DialLink connects to a relay endpoint and joins the room for the given
// lobby code. The sink receives every decoded message from the link's own
// read goroutine.
func DialLink(endpoint, code, peerID string, sink func(protocol.Message), opts ...LinkOption) (*Link, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("relay endpoint %q: %w", endpoint, err)
	}
	u.Path = "/relay"
	query := u.Query()
	query.Set("code", code)
	query.Set("peer", peerID)
	u.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", endpoint, err)
	}
	l := &Link{
		conn:  conn,
		codec: protocol.NewCodec(0),
		done:  make(chan struct{}),
		sink:  sink,
		log:   logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	go l.readPump()
	return l, nil
}

// EnableCipher switches the link to encrypted framing.
func (l *Link) EnableCipher(cipher protocol.Cipher) {
	l.codec.EnableCipher(cipher)
}

// Send encodes and forwards one message through the relay.
func (l *Link) Send(msg protocol.Message) error {
	frame, err := l.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return l.write(frame)
}

// SendRaw forwards one message without encryption, for the join handshake.
func (l *Link) SendRaw(msg protocol.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	frame, err := l.codec.EncodeRaw(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return l.write(frame)
}

func (l *Link) write(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		l.Close()
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (l *Link) readPump() {
	defer l.Close()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.Debug("relay read ended", logging.Error(err))
			}
			return
		}
		msgs, feedErr := l.codec.Feed(data)
		for _, msg := range msgs {
			if l.sink != nil {
				l.sink(msg)
			}
		}
		if feedErr != nil {
			l.log.Error("relay stream corrupt, closing", logging.Error(feedErr))
			return
		}
	}
}

// Close tears the link down; safe to call repeatedly.
func (l *Link) Close() {
	l.closing.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		_ = l.conn.Close()
		if l.onClose != nil {
			l.onClose()
		}
	})
}

// Done is closed when the link has terminated.
func (l *Link) Done() <-chan struct{} {
	return l.done
}
