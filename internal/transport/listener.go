package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"kingdomcleanup/netcode/internal/logging"
)

// Listener accepts inbound peer connections for a hosted session. Each
// accepted socket is wrapped into a Conn and handed to the accept hook before
// its receive goroutine starts, so the host can register state first.
type Listener struct {
	ln       net.Listener
	cfg      settings
	onAccept func(*Conn)
	closing  sync.Once
	done     chan struct{}
}

// Listen binds a TCP listener and starts accepting. The accept hook receives
// every new connection; the hook is responsible for calling Start on it.
func Listen(addr string, onAccept func(*Conn), opts ...Option) (*Listener, error) {
	cfg := newSettings(opts)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	l := &Listener{
		ln:       ln,
		cfg:      cfg,
		onAccept: onAccept,
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound address, useful when listening on port 0 in tests.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) acceptLoop() {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			//1.- Transient accept errors should not kill the session.
			l.cfg.log.Warn("accept failed", logging.Error(err))
			continue
		}
		conn := newConn(raw, l.cfg)
		l.cfg.log.Info("peer connected", logging.String("remote", conn.RemoteAddr()))
		if l.onAccept != nil {
			l.onAccept(conn)
		}
	}
}

// Close stops accepting. Existing connections are unaffected; callers close
// those through the registry they keep.
func (l *Listener) Close() {
	l.closing.Do(func() {
		close(l.done)
		_ = l.ln.Close()
	})
}
