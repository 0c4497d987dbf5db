// Package protocol defines the typed message set shared by every peer and the
// length-prefixed frame codec that carries it over a stream transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates every message tag that may appear on the wire.
type Type string

const (
	// Connection management.
	TypeConnect    Type = "connect"
	TypeDisconnect Type = "disconnect"

	// Player synchronization.
	TypePlayerUpdate Type = "player_update"
	TypePlayerJoin   Type = "player_join"
	TypePlayerLeave  Type = "player_leave"

	// Combat events.
	TypeBulletFire   Type = "bullet_fire"
	TypeBulletHit    Type = "bullet_hit"
	TypePlayerDamage Type = "player_damage"
	TypeEnemyDamage  Type = "enemy_damage"

	// Cosmetic effects.
	TypeExplosion   Type = "explosion"
	TypeMuzzleFlash Type = "muzzle_flash"
	TypeDashEffect  Type = "dash_effect"

	// Enemy synchronization, host authoritative.
	TypeEnemySpawn      Type = "enemy_spawn"
	TypeEnemyUpdate     Type = "enemy_update"
	TypeEnemyDeath      Type = "enemy_death"
	TypeEnemyBulletFire Type = "enemy_bullet_fire"

	// Game state.
	TypeGameStart   Type = "game_start"
	TypeWaveUpdate  Type = "wave_update"
	TypeScoreUpdate Type = "score_update"
	TypeWorldEvent  Type = "world_event"

	// Lobby coordination.
	TypeLobbyReadyState    Type = "lobby_ready_state"
	TypeLobbySettingChange Type = "lobby_setting_change"

	// Handshake, pre-session only.
	TypeJoinRequest  Type = "join_request"
	TypeJoinAccepted Type = "join_accepted"
	TypeJoinRejected Type = "join_rejected"
)

// Payload is implemented by exactly one struct per message type.
type Payload interface {
	MessageType() Type
}

// Vec2 is a 2D coordinate pair encoded on the wire as a two-element array.
type Vec2 struct {
	X float64
	Y float64
}

// MarshalJSON encodes the vector as [x, y] to match the wire contract.
func (v Vec2) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{v.X, v.Y})
}

// UnmarshalJSON accepts the [x, y] array form.
func (v *Vec2) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	v.X, v.Y = pair[0], pair[1]
	return nil
}

// Message is the envelope every frame decodes to: a tagged payload plus sender metadata.
type Message struct {
	Type      Type
	SenderID  string
	Timestamp float64
	Payload   Payload
}

// NewMessage stamps an envelope around the payload with the current wall-clock time.
func NewMessage(senderID string, payload Payload) Message {
	return Message{
		Type:      payload.MessageType(),
		SenderID:  senderID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}.withPayload(payload)
}

func (m Message) withPayload(payload Payload) Message {
	m.Payload = payload
	return m
}

// envelope is the JSON wire shape of a message.
type envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SenderID  string          `json:"sender,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

// Marshal serializes the message envelope to its plain JSON form.
func (m Message) Marshal() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("message %q has no payload", m.Type)
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", m.Type, err)
	}
	return json.Marshal(envelope{
		Type:      m.Payload.MessageType(),
		Data:      data,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
	})
}

// UnmarshalMessage parses a plain JSON envelope into a typed message.
func UnmarshalMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("parse envelope: %w", err)
	}
	payload, err := newPayload(env.Type)
	if err != nil {
		return Message{}, err
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return Message{}, fmt.Errorf("parse %q payload: %w", env.Type, err)
		}
	}
	return Message{
		Type:      env.Type,
		SenderID:  env.SenderID,
		Timestamp: env.Timestamp,
		Payload:   payload,
	}, nil
}

// newPayload allocates the concrete payload struct for a wire tag.
func newPayload(t Type) (Payload, error) {
	switch t {
	case TypeConnect:
		return &Connect{}, nil
	case TypeDisconnect:
		return &Disconnect{}, nil
	case TypePlayerUpdate:
		return &PlayerState{}, nil
	case TypePlayerJoin:
		return &PlayerJoin{}, nil
	case TypePlayerLeave:
		return &PlayerLeave{}, nil
	case TypeBulletFire:
		return &BulletState{}, nil
	case TypeBulletHit:
		return &BulletHit{}, nil
	case TypePlayerDamage:
		return &PlayerDamage{}, nil
	case TypeEnemyDamage:
		return &EnemyDamage{}, nil
	case TypeExplosion:
		return &Explosion{}, nil
	case TypeMuzzleFlash:
		return &MuzzleFlash{}, nil
	case TypeDashEffect:
		return &DashEffect{}, nil
	case TypeEnemySpawn:
		return &EnemyState{}, nil
	case TypeEnemyUpdate:
		return &EnemyUpdate{}, nil
	case TypeEnemyDeath:
		return &EnemyDeath{}, nil
	case TypeEnemyBulletFire:
		return &EnemyBulletFire{}, nil
	case TypeGameStart:
		return &GameStart{}, nil
	case TypeWaveUpdate:
		return &WaveUpdate{}, nil
	case TypeScoreUpdate:
		return &ScoreUpdate{}, nil
	case TypeWorldEvent:
		return &WorldEvent{}, nil
	case TypeLobbyReadyState:
		return &LobbyReadyState{}, nil
	case TypeLobbySettingChange:
		return &LobbySettingChange{}, nil
	case TypeJoinRequest:
		return &JoinRequest{}, nil
	case TypeJoinAccepted:
		return &JoinAccepted{}, nil
	case TypeJoinRejected:
		return &JoinRejected{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
}
