package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"kingdomcleanup/netcode/internal/protocol"
)

// Journal reads back one recorded session.
type Journal struct {
	dir      string
	Manifest Manifest
}

// Open loads a journal directory's manifest.
func Open(dir string) (*Journal, error) {
	blob, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	j := &Journal{dir: dir}
	if err := json.Unmarshal(blob, &j.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return j, nil
}

// Events streams every lifecycle event to the callback in recorded order.
func (j *Journal) Events(visit func(Event) error) error {
	f, err := os.Open(filepath.Join(j.dir, eventsName))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(snappy.NewReader(f))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := visit(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Frames streams every recorded message to the callback in recorded order.
func (j *Journal) Frames(visit func(protocol.Message) error) error {
	f, err := os.Open(filepath.Join(j.dir, framesName))
	if err != nil {
		return fmt.Errorf("open frame log: %w", err)
	}
	defer f.Close()
	decoder, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("open zstd stream: %w", err)
	}
	defer decoder.Close()
	reader := bufio.NewReader(decoder)
	var prefix [4]byte
	for {
		if _, err := io.ReadFull(reader, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame prefix: %w", err)
		}
		payload := make([]byte, binary.BigEndian.Uint32(prefix[:]))
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		msg, err := protocol.UnmarshalMessage(payload)
		if err != nil {
			//1.- A frame that fails to decode is reported, not skipped;
			// journals exist to explain bugs exactly like this one.
			return fmt.Errorf("decode frame: %w", err)
		}
		if err := visit(msg); err != nil {
			return err
		}
	}
}
