package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// reverseCipher is a trivial involution standing in for the session cipher.
type reverseCipher struct{}

func (reverseCipher) Seal(plain []byte) ([]byte, error) {
	out := make([]byte, len(plain))
	for i, b := range plain {
		out[len(plain)-1-i] = b
	}
	return out, nil
}

func (reverseCipher) Open(sealed []byte) ([]byte, error) {
	out := make([]byte, len(sealed))
	for i, b := range sealed {
		out[len(sealed)-1-i] = b
	}
	return out, nil
}

type failingCipher struct{}

func (failingCipher) Seal(plain []byte) ([]byte, error) { return plain, nil }
func (failingCipher) Open([]byte) ([]byte, error)       { return nil, errors.New("bad key") }

func samplePlayerUpdate() Message {
	return NewMessage("peer-1", &PlayerState{
		PlayerID:    "peer-1",
		Position:    Vec2{X: 120.5, Y: -44.25},
		Velocity:    Vec2{X: 3, Y: 0},
		Angle:       1.57,
		Health:      80,
		MaxHealth:   100,
		CharacterID: "Cecil",
		WeaponType:  "Assault Rifle",
		IsAlive:     true,
		Ammo:        24,
	})
}

func TestFrameRoundTripByteByByte(t *testing.T) {
	encoder := NewCodec(0)
	frame, err := encoder.Encode(samplePlayerUpdate())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoder := NewCodec(0)
	var got []Message
	for i := range frame {
		msgs, err := decoder.Feed(frame[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(got))
	}
	state, ok := got[0].Payload.(*PlayerState)
	if !ok {
		t.Fatalf("unexpected payload type %T", got[0].Payload)
	}
	if state.Position != (Vec2{X: 120.5, Y: -44.25}) {
		t.Fatalf("position lost in transit: %+v", state.Position)
	}
	if got[0].SenderID != "peer-1" {
		t.Fatalf("sender lost in transit: %q", got[0].SenderID)
	}
}

func TestFrameRoundTripEncrypted(t *testing.T) {
	encoder := NewCodec(0)
	encoder.EnableCipher(reverseCipher{})
	frame, err := encoder.Encode(samplePlayerUpdate())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Contains(frame, []byte("player_id")) {
		t.Fatal("encrypted frame leaks plaintext fields")
	}

	decoder := NewCodec(0)
	decoder.EnableCipher(reverseCipher{})
	msgs, err := decoder.Feed(frame)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != TypePlayerUpdate {
		t.Fatalf("unexpected decode result: %+v", msgs)
	}
}

func TestPartialFramePreserved(t *testing.T) {
	codec := NewCodec(0)
	frame, err := codec.Encode(NewMessage("h", &EnemyDeath{EnemyID: "e-9"}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoder := NewCodec(0)
	msgs, err := decoder.Feed(frame[:len(frame)-1])
	if err != nil {
		t.Fatalf("feed partial: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("partial frame decoded %d messages", len(msgs))
	}
	msgs, err = decoder.Feed(frame[len(frame)-1:])
	if err != nil {
		t.Fatalf("feed final byte: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected completed frame, got %d messages", len(msgs))
	}
}

func TestCoalescedFramesDecodeInOrder(t *testing.T) {
	encoder := NewCodec(0)
	var stream []byte
	for _, id := range []string{"a", "b", "c"} {
		frame, err := encoder.Encode(NewMessage("h", &EnemyDeath{EnemyID: id}))
		if err != nil {
			t.Fatalf("encode %s: %v", id, err)
		}
		stream = append(stream, frame...)
	}

	decoder := NewCodec(0)
	msgs, err := decoder.Feed(stream)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, id := range []string{"a", "b", "c"} {
		if msgs[i].Payload.(*EnemyDeath).EnemyID != id {
			t.Fatalf("message %d out of order: %+v", i, msgs[i].Payload)
		}
	}
}

func TestOversizedPrefixIsFatal(t *testing.T) {
	decoder := NewCodec(1024)
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 1<<30)
	if _, err := decoder.Feed(prefix[:]); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecryptFailureDropsMessageNotStream(t *testing.T) {
	encoder := NewCodec(0)
	encoder.EnableCipher(reverseCipher{})
	bad, err := encoder.Encode(NewMessage("h", &BulletHit{Position: Vec2{X: 1, Y: 2}}))
	if err != nil {
		t.Fatalf("encode bad: %v", err)
	}
	plainEncoder := NewCodec(0)
	good, err := plainEncoder.Encode(NewMessage("h", &EnemyDeath{EnemyID: "e-1"}))
	if err != nil {
		t.Fatalf("encode good: %v", err)
	}

	decoder := NewCodec(0)
	decoder.EnableCipher(failingCipher{})
	msgs, err := decoder.Feed(append(bad, good...))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != TypeEnemyDeath {
		t.Fatalf("expected the later plain message to survive, got %+v", msgs)
	}
	if decoder.Dropped() != 1 {
		t.Fatalf("expected one dropped message, got %d", decoder.Dropped())
	}
}

func TestUnknownTypeIsDroppedNotFatal(t *testing.T) {
	decoder := NewCodec(0)
	payload := []byte(`{"type":"teleport","data":{}}`)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	msgs, err := decoder.Feed(frame)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 0 || decoder.Dropped() != 1 {
		t.Fatalf("unknown type should be dropped: msgs=%d dropped=%d", len(msgs), decoder.Dropped())
	}
}

func TestVec2WireShape(t *testing.T) {
	msg := NewMessage("p", &BulletHit{Position: Vec2{X: 7.5, Y: 8}})
	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"position":[7.5,8]`)) {
		t.Fatalf("positions must encode as arrays, got %s", raw)
	}
}
