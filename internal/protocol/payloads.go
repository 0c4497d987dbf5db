package protocol

// Connect announces a raw connection before the join handshake completes.
type Connect struct {
	PlayerName string `json:"player_name"`
}

func (*Connect) MessageType() Type { return TypeConnect }

// Disconnect is a courtesy notice sent by a leaving peer.
type Disconnect struct{}

func (*Disconnect) MessageType() Type { return TypeDisconnect }

// PlayerState is the full replicated snapshot of one player, sent every sync tick.
type PlayerState struct {
	PlayerID       string  `json:"player_id"`
	PlayerName     string  `json:"player_name,omitempty"`
	Position       Vec2    `json:"position"`
	Velocity       Vec2    `json:"velocity"`
	Angle          float64 `json:"angle"`
	Health         int     `json:"health"`
	MaxHealth      int     `json:"max_health"`
	CharacterID    string  `json:"character_id"`
	WeaponType     string  `json:"weapon_type"`
	IsDashing      bool    `json:"is_dashing"`
	IsAlive        bool    `json:"is_alive"`
	AnimationState string  `json:"animation_state,omitempty"`
	Ammo           int     `json:"ammo"`
	BurstGauge     float64 `json:"burst_gauge"`
}

func (*PlayerState) MessageType() Type { return TypePlayerUpdate }

// PlayerJoin announces a newly accepted peer to the rest of the session.
type PlayerJoin struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
}

func (*PlayerJoin) MessageType() Type { return TypePlayerJoin }

// PlayerLeave announces a departed peer.
type PlayerLeave struct {
	PlayerID string `json:"player_id"`
}

func (*PlayerLeave) MessageType() Type { return TypePlayerLeave }

// BulletState replicates a fired bullet together with its visual styling so
// remote clients can render it without consulting local weapon tables.
type BulletState struct {
	BulletID          string   `json:"bullet_id"`
	Position          Vec2     `json:"position"`
	Velocity          Vec2     `json:"velocity"`
	Damage            int      `json:"damage"`
	OwnerID           string   `json:"owner_id"`
	WeaponType        string   `json:"weapon_type"`
	SpecialAttack     bool     `json:"special_attack,omitempty"`
	LifetimeRemaining float64  `json:"lifetime_remaining,omitempty"`
	Shape             string   `json:"shape,omitempty"`
	SizeMultiplier    float64  `json:"size_multiplier,omitempty"`
	Color             [3]int   `json:"color,omitempty"`
	Penetration       int      `json:"penetration,omitempty"`
	BounceEnabled     bool     `json:"bounce_enabled,omitempty"`
	MaxBounces        int      `json:"max_bounces,omitempty"`
	BounceRange       *float64 `json:"bounce_range,omitempty"`
	EnemyTargeting    bool     `json:"enemy_targeting,omitempty"`
	TrailEnabled      bool     `json:"trail_enabled,omitempty"`
	TrailDuration     float64  `json:"trail_duration,omitempty"`
	RangeLimit        *float64 `json:"range_limit,omitempty"`
}

func (*BulletState) MessageType() Type { return TypeBulletFire }

// BulletHit is a cosmetic impact marker; consumers tolerate loss and duplication.
type BulletHit struct {
	BulletID string `json:"bullet_id,omitempty"`
	Position Vec2   `json:"position"`
}

func (*BulletHit) MessageType() Type { return TypeBulletHit }

// PlayerDamage applies damage to a player, decided by the host.
type PlayerDamage struct {
	PlayerID   string `json:"player_id"`
	Damage     int    `json:"damage"`
	AttackerID string `json:"attacker_id"`
}

func (*PlayerDamage) MessageType() Type { return TypePlayerDamage }

// EnemyDamage is a client's damage intent; only the host acts on it.
type EnemyDamage struct {
	EnemyID    string `json:"enemy_id"`
	Damage     int    `json:"damage"`
	AttackerID string `json:"attacker_id"`
	Position   Vec2   `json:"position"`
}

func (*EnemyDamage) MessageType() Type { return TypeEnemyDamage }

// Explosion is a throttled cosmetic burst.
type Explosion struct {
	Position Vec2    `json:"position"`
	Radius   float64 `json:"radius"`
	Damage   float64 `json:"damage"`
}

func (*Explosion) MessageType() Type { return TypeExplosion }

// MuzzleFlash is a throttled cosmetic weapon flash.
type MuzzleFlash struct {
	Position   Vec2    `json:"position"`
	Angle      float64 `json:"angle"`
	WeaponType string  `json:"weapon_type"`
}

func (*MuzzleFlash) MessageType() Type { return TypeMuzzleFlash }

// DashEffect replicates a dash trail between two points.
type DashEffect struct {
	PlayerID      string `json:"player_id"`
	StartPosition Vec2   `json:"start_position"`
	EndPosition   Vec2   `json:"end_position"`
}

func (*DashEffect) MessageType() Type { return TypeDashEffect }

// EnemyState is the host's full description of a spawned enemy.
type EnemyState struct {
	EnemyID        string  `json:"enemy_id"`
	Position       Vec2    `json:"position"`
	Health         int     `json:"health"`
	MaxHealth      int     `json:"max_health"`
	EnemyType      string  `json:"enemy_type"`
	IsAlive        bool    `json:"is_alive"`
	TargetPlayerID *string `json:"target_player_id,omitempty"`
}

func (*EnemyState) MessageType() Type { return TypeEnemySpawn }

// EnemyUpdate refreshes a live enemy's position and health on clients.
type EnemyUpdate struct {
	EnemyID   string `json:"enemy_id"`
	Position  Vec2   `json:"position"`
	Velocity  Vec2   `json:"velocity"`
	Health    int    `json:"health"`
	MaxHealth int    `json:"max_health"`
}

func (*EnemyUpdate) MessageType() Type { return TypeEnemyUpdate }

// EnemyDeath is the host's authoritative death notice; duplicates are no-ops.
type EnemyDeath struct {
	EnemyID  string `json:"enemy_id"`
	KillerID string `json:"killer_id,omitempty"`
}

func (*EnemyDeath) MessageType() Type { return TypeEnemyDeath }

// EnemyBulletFire replicates a host-controlled enemy shot.
type EnemyBulletFire struct {
	EnemyID  string  `json:"enemy_id"`
	Position Vec2    `json:"position"`
	Angle    float64 `json:"angle"`
}

func (*EnemyBulletFire) MessageType() Type { return TypeEnemyBulletFire }

// GameStart carries the settings snapshot clients adopt when the host starts the match.
type GameStart struct {
	GameMode             string `json:"game_mode"`
	MapSelection         string `json:"map_selection"`
	MaxPlayers           int    `json:"max_players"`
	EnvironmentalEffects string `json:"environmental_effects"`
}

func (*GameStart) MessageType() Type { return TypeGameStart }

// WaveUpdate mirrors the host's wave progress on clients.
type WaveUpdate struct {
	WaveNumber       int     `json:"wave_number"`
	EnemiesRemaining int     `json:"enemies_remaining"`
	WaveTimer        float64 `json:"wave_timer"`
}

func (*WaveUpdate) MessageType() Type { return TypeWaveUpdate }

// ScoreUpdate mirrors one player's score totals.
type ScoreUpdate struct {
	PlayerID string `json:"player_id"`
	Score    int    `json:"score"`
	Cores    int    `json:"cores"`
	Kills    int    `json:"kills"`
}

func (*ScoreUpdate) MessageType() Type { return TypeScoreUpdate }

// WorldEvent carries host-decided world changes such as core drops or
// atmosphere shifts; the event data schema is event-type specific.
type WorldEvent struct {
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
}

func (*WorldEvent) MessageType() Type { return TypeWorldEvent }

// LobbyReadyState broadcasts one peer's ready toggle.
type LobbyReadyState struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	IsReady    bool   `json:"is_ready"`
}

func (*LobbyReadyState) MessageType() Type { return TypeLobbyReadyState }

// LobbySettingChange is a host-only mutation of one lobby setting.
type LobbySettingChange struct {
	Setting string `json:"setting"`
	Value   string `json:"value"`
}

func (*LobbySettingChange) MessageType() Type { return TypeLobbySettingChange }

// JoinRequest opens the handshake; it travels unencrypted.
type JoinRequest struct {
	PlayerName string  `json:"player_name"`
	PeerID     string  `json:"peer_id"`
	Character  string  `json:"character"`
	Timestamp  float64 `json:"timestamp"`
}

func (*JoinRequest) MessageType() Type { return TypeJoinRequest }

// JoinAccepted closes the handshake. The encryption key rides in this response
// over the still-unencrypted channel, exactly as the original protocol did;
// see auth.SessionCipher for the documented exposure.
type JoinAccepted struct {
	PeerID        string  `json:"peer_id"`
	LobbyCode     string  `json:"lobby_code"`
	HostName      string  `json:"host_name"`
	HostPeerID    string  `json:"host_peer_id"`
	EncryptionKey *string `json:"encryption_key,omitempty"`
}

func (*JoinAccepted) MessageType() Type { return TypeJoinAccepted }

// JoinRejected refuses a handshake with a human-readable reason.
type JoinRejected struct {
	Reason string `json:"reason"`
}

func (*JoinRejected) MessageType() Type { return TypeJoinRejected }
