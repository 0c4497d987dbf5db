// Package router moves decoded messages from network receive goroutines onto
// the application thread and fans them out to registered handlers.
package router

import (
	"sync"

	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/protocol"
)

// Handler consumes one dispatched message. Handlers run on the goroutine that
// calls DrainAndDispatch, so game code never needs its own locking.
type Handler func(protocol.Message)

// Router buffers inbound messages until the application drains them. Enqueue
// is safe from any goroutine; dispatch happens in arrival order on a single
// caller thread, which is what keeps cause before effect for messages from the
// same peer.
type Router struct {
	mu       sync.Mutex
	handlers map[protocol.Type]Handler
	queue    []protocol.Message
	selfID   string
	log      *logging.Logger
}

// New constructs an empty router.
func New(log *logging.Logger) *Router {
	if log == nil {
		log = logging.L()
	}
	return &Router{
		handlers: make(map[protocol.Type]Handler),
		log:      log,
	}
}

// SetSelfID installs the local peer id used for the echo guard: relayed loops
// of our own messages are discarded instead of re-applied.
func (r *Router) SetSelfID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = id
}

// Register binds a handler to a message type. Registering again replaces the
// previous handler.
func (r *Router) Register(messageType protocol.Type, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handler == nil {
		delete(r.handlers, messageType)
		return
	}
	r.handlers[messageType] = handler
}

// Enqueue appends a message for later dispatch.
func (r *Router) Enqueue(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selfID != "" && msg.SenderID == r.selfID {
		return
	}
	r.queue = append(r.queue, msg)
}

// Pending reports how many messages await dispatch.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// DrainAndDispatch delivers every queued message in order and returns the
// number dispatched. A panicking handler is contained to its own message so
// one bad payload cannot take the queue down with it; messages without a
// handler are dropped silently apart from a debug line.
func (r *Router) DrainAndDispatch() int {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, msg := range batch {
		r.mu.Lock()
		handler := r.handlers[msg.Type]
		r.mu.Unlock()
		if handler == nil {
			r.log.Debug("no handler registered", logging.String("type", string(msg.Type)))
			continue
		}
		r.dispatch(handler, msg)
	}
	return len(batch)
}

func (r *Router) dispatch(handler Handler, msg protocol.Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			//1.- Contain the panic and keep draining the rest of the batch.
			r.log.Error("handler panicked",
				logging.String("type", string(msg.Type)),
				logging.String("sender", msg.SenderID),
				logging.String("panic", asString(recovered)))
		}
	}()
	handler(msg)
}

func asString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "panic"
}
