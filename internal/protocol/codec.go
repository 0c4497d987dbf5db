package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrFrameTooLarge signals a length prefix beyond the sanity cap. The stream is
// considered corrupt and the owning connection must be closed.
var ErrFrameTooLarge = errors.New("frame length exceeds sanity cap")

// Cipher seals and opens serialized message payloads. A nil Cipher means the
// session runs unencrypted.
type Cipher interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// encryptedEnvelope is the alternative frame payload used once a session cipher is active.
type encryptedEnvelope struct {
	Encrypted string `json:"encrypted"`
}

// Codec frames messages for one connection: length-prefixed JSON with an
// optional symmetric cipher applied to the serialized payload. The encode path
// and the cipher swap are safe to call concurrently with the decode loop.
type Codec struct {
	maxFrame int

	mu     sync.RWMutex
	cipher Cipher

	buf     []byte
	dropped int
}

// NewCodec constructs a codec enforcing the provided frame size cap.
func NewCodec(maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = 10 << 20
	}
	return &Codec{maxFrame: maxFrameBytes}
}

// EnableCipher activates payload encryption for all subsequent frames.
func (c *Codec) EnableCipher(cipher Cipher) {
	c.mu.Lock()
	c.cipher = cipher
	c.mu.Unlock()
}

func (c *Codec) activeCipher() Cipher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cipher
}

// Encode serializes, optionally encrypts, and length-prefixes one message.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	payload, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	if cipher := c.activeCipher(); cipher != nil {
		sealed, err := cipher.Seal(payload)
		if err != nil {
			return nil, fmt.Errorf("seal payload: %w", err)
		}
		payload, err = json.Marshal(encryptedEnvelope{Encrypted: base64.StdEncoding.EncodeToString(sealed)})
		if err != nil {
			return nil, err
		}
	}
	if len(payload) > c.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// EncodeRaw length-prefixes an already serialized plain payload. Used by the
// handshake, which always travels unencrypted.
func (c *Codec) EncodeRaw(payload []byte) ([]byte, error) {
	if len(payload) > c.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// Feed appends freshly read bytes to the receive buffer and extracts every
// complete frame. Partial frames stay buffered for the next call, so arbitrary
// read chunking is safe. A non-nil error means the stream is corrupt and the
// connection must be dropped; individually undecodable messages are skipped
// and counted instead.
func (c *Codec) Feed(data []byte) ([]Message, error) {
	c.buf = append(c.buf, data...)

	var out []Message
	for {
		if len(c.buf) < 4 {
			break
		}
		length := int(binary.BigEndian.Uint32(c.buf[:4]))
		if length > c.maxFrame {
			return out, fmt.Errorf("%w: prefix %d", ErrFrameTooLarge, length)
		}
		if len(c.buf) < 4+length {
			break
		}
		payload := c.buf[4 : 4+length]
		msg, err := c.decodePayload(payload)
		if err != nil {
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		} else {
			out = append(out, msg)
		}
		c.buf = append(c.buf[:0], c.buf[4+length:]...)
	}
	return out, nil
}

// Dropped reports how many individual messages were discarded as undecodable.
func (c *Codec) Dropped() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

func (c *Codec) decodePayload(payload []byte) (Message, error) {
	var sealed encryptedEnvelope
	if err := json.Unmarshal(payload, &sealed); err == nil && sealed.Encrypted != "" {
		cipher := c.activeCipher()
		if cipher == nil {
			// An encrypted frame on an unencrypted session must not be
			// conflated with plaintext; drop it.
			return Message{}, errors.New("encrypted frame without active cipher")
		}
		raw, err := base64.StdEncoding.DecodeString(sealed.Encrypted)
		if err != nil {
			return Message{}, fmt.Errorf("decode encrypted payload: %w", err)
		}
		plain, err := cipher.Open(raw)
		if err != nil {
			return Message{}, fmt.Errorf("open payload: %w", err)
		}
		payload = plain
	}
	return UnmarshalMessage(payload)
}
