// Package journal records a session to disk for postmortem debugging: a
// snappy-compressed event log for lifecycle moments and a zstd stream of
// every replicated message.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"kingdomcleanup/netcode/internal/protocol"
)

const (
	manifestName = "manifest.json"
	eventsName   = "events.log"
	framesName   = "frames.bin"
)

// ErrRecorderClosed is returned when writing after Close.
var ErrRecorderClosed = errors.New("journal recorder closed")

// Manifest summarizes one recorded session.
type Manifest struct {
	SessionID  string    `json:"session_id"`
	LobbyCode  string    `json:"lobby_code"`
	StartedAt  time.Time `json:"started_at"`
	ClosedAt   time.Time `json:"closed_at,omitempty"`
	EventCount int       `json:"event_count"`
	FrameCount int       `json:"frame_count"`
}

// Event is one journaled lifecycle moment.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Recorder writes one session's journal. Safe for concurrent use; the
// session coordinator records from both its update loop and transport
// goroutines.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	events   *snappy.Writer
	eventsF  *os.File
	frames   *zstd.Encoder
	framesF  *os.File
	manifest Manifest
	closed   bool
	now      func() time.Time
}

// NewRecorder creates the journal directory and opens its streams.
func NewRecorder(baseDir, sessionID, lobbyCode string) (*Recorder, error) {
	dir := filepath.Join(baseDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	eventsF, err := os.Create(filepath.Join(dir, eventsName))
	if err != nil {
		return nil, fmt.Errorf("create event log: %w", err)
	}
	framesF, err := os.Create(filepath.Join(dir, framesName))
	if err != nil {
		_ = eventsF.Close()
		return nil, fmt.Errorf("create frame log: %w", err)
	}
	frames, err := zstd.NewWriter(framesF)
	if err != nil {
		_ = eventsF.Close()
		_ = framesF.Close()
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	r := &Recorder{
		dir:     dir,
		events:  snappy.NewBufferedWriter(eventsF),
		eventsF: eventsF,
		frames:  frames,
		framesF: framesF,
		manifest: Manifest{
			SessionID: sessionID,
			LobbyCode: lobbyCode,
			StartedAt: time.Now().UTC(),
		},
		now: time.Now,
	}
	return r, nil
}

// Dir returns the journal directory, for log lines pointing at the capture.
func (r *Recorder) Dir() string {
	return r.dir
}

// RecordEvent appends one lifecycle event.
func (r *Recorder) RecordEvent(kind string, detail map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	line, err := json.Marshal(Event{Timestamp: r.now().UTC(), Kind: kind, Detail: detail})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.events.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	r.manifest.EventCount++
	return nil
}

// RecordFrame appends one replicated message as a length-prefixed JSON blob.
func (r *Recorder) RecordFrame(msg protocol.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := r.frames.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := r.frames.Write(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	r.manifest.FrameCount++
	return nil
}

// Close flushes both streams and writes the manifest. Closing twice is a
// no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	if err := r.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventsF.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.frames.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.framesF.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	r.manifest.ClosedAt = r.now().UTC()
	blob, err := json.MarshalIndent(r.manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(r.dir, manifestName), blob, 0o644); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
