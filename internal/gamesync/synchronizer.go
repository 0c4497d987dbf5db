// Package gamesync keeps every peer's view of the match converging: local
// state broadcast on a fixed tick, remote state smoothed toward its latest
// snapshot, and enemies ruled by the host alone.
package gamesync

import (
	"sync"
	"time"

	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/protocol"
	"kingdomcleanup/netcode/internal/router"
)

const (
	// interpolationSpeed tunes how aggressively remote state chases its
	// target; the step is proportional to the remaining distance so motion
	// settles without overshoot.
	interpolationSpeed = 10.0
	// transientAge bounds how long bullets and death tombstones live.
	transientAge = 5 * time.Second
)

// Events collects the hooks game code attaches to react to replicated
// moments. Nil hooks are skipped; the synchronizer never blocks on them.
type Events struct {
	OnBulletFire   func(protocol.BulletState)
	OnBulletHit    func(protocol.BulletHit)
	OnPlayerDamage func(protocol.PlayerDamage)
	OnExplosion    func(protocol.Explosion)
	OnMuzzleFlash  func(protocol.MuzzleFlash)
	OnDashEffect   func(protocol.DashEffect)
	OnEnemyShot    func(protocol.EnemyBulletFire)
	OnEnemyDeath   func(enemyID, killerID string)
	OnWaveUpdate   func(protocol.WaveUpdate)
	OnScoreUpdate  func(protocol.ScoreUpdate)
	OnWorldEvent   func(protocol.WorldEvent)
}

// remotePlayer holds the last received snapshot and the smoothed view the
// renderer reads.
type remotePlayer struct {
	current protocol.PlayerState
	target  protocol.PlayerState
	seenAt  time.Time
}

type trackedBullet struct {
	state   protocol.BulletState
	firedAt time.Time
}

// Option configures optional Synchronizer behaviour.
type Option func(*Synchronizer)

// WithClock overrides the time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Synchronizer) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithSyncLogger overrides the package logger.
func WithSyncLogger(log *logging.Logger) Option {
	return func(s *Synchronizer) {
		if log != nil {
			s.log = log
		}
	}
}

// WithThrottle replaces the effect throttle, mainly to inject a test clock.
func WithThrottle(throttle *router.EffectThrottle) Option {
	return func(s *Synchronizer) {
		if throttle != nil {
			s.throttle = throttle
		}
	}
}

// Synchronizer replicates match state across the session. One instance lives
// on every peer; only the host's instance owns enemies.
type Synchronizer struct {
	mu       sync.Mutex
	selfID   string
	isHost   bool
	send     func(protocol.Message) error
	throttle *router.EffectThrottle
	events   Events
	log      *logging.Logger
	now      func() time.Time

	localState func() *protocol.PlayerState
	players    map[string]*remotePlayer
	enemies    map[string]*enemyReplica
	tombstones map[string]time.Time
	bullets    map[string]trackedBullet
}

// New constructs a synchronizer for the given local peer.
func New(selfID string, isHost bool, send func(protocol.Message) error, events Events, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		selfID:     selfID,
		isHost:     isHost,
		send:       send,
		throttle:   router.NewEffectThrottle(),
		events:     events,
		log:        logging.L(),
		now:        time.Now,
		players:    make(map[string]*remotePlayer),
		enemies:    make(map[string]*enemyReplica),
		tombstones: make(map[string]time.Time),
		bullets:    make(map[string]trackedBullet),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetLocalState installs the provider queried each tick for the local
// player's snapshot. Returning nil skips the tick's broadcast, used while the
// player is between lives.
func (s *Synchronizer) SetLocalState(provider func() *protocol.PlayerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localState = provider
}

// Attach registers every replication handler on the router.
func (s *Synchronizer) Attach(r *router.Router) {
	r.Register(protocol.TypePlayerUpdate, s.onPlayerUpdate)
	r.Register(protocol.TypeBulletFire, s.onBulletFire)
	r.Register(protocol.TypeBulletHit, s.onBulletHit)
	r.Register(protocol.TypePlayerDamage, s.onPlayerDamage)
	r.Register(protocol.TypeExplosion, s.onExplosion)
	r.Register(protocol.TypeMuzzleFlash, s.onMuzzleFlash)
	r.Register(protocol.TypeDashEffect, s.onDashEffect)
	r.Register(protocol.TypeEnemySpawn, s.onEnemySpawn)
	r.Register(protocol.TypeEnemyUpdate, s.onEnemyUpdate)
	r.Register(protocol.TypeEnemyDeath, s.onEnemyDeath)
	r.Register(protocol.TypeEnemyDamage, s.onEnemyDamage)
	r.Register(protocol.TypeEnemyBulletFire, s.onEnemyBulletFire)
	r.Register(protocol.TypeWaveUpdate, s.onWaveUpdate)
	r.Register(protocol.TypeScoreUpdate, s.onScoreUpdate)
	r.Register(protocol.TypeWorldEvent, s.onWorldEvent)
}

// Tick runs once per sync interval: broadcast the local snapshot, let the
// host publish enemy state, and sweep expired transients.
func (s *Synchronizer) Tick() {
	s.mu.Lock()
	provider := s.localState
	s.mu.Unlock()
	if provider != nil {
		if state := provider(); state != nil {
			state.PlayerID = s.selfID
			s.sendMessage(protocol.NewMessage(s.selfID, state))
		}
	}
	if s.isHost {
		s.broadcastEnemies()
	}
	s.sweepTransients()
}

// Advance moves every smoothed view toward its target. dt is the frame delta
// in seconds.
func (s *Synchronizer) Advance(dt float64) {
	step := interpolationSpeed * dt
	if step > 1 {
		step = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		p.current.Position = approach(p.current.Position, p.target.Position, step)
		p.current.Velocity = p.target.Velocity
		p.current.Angle = p.current.Angle + (p.target.Angle-p.current.Angle)*step
	}
	for _, e := range s.enemies {
		e.advance(step)
	}
}

// approach steps from current toward target by the given fraction of the
// remaining distance.
func approach(current, target protocol.Vec2, step float64) protocol.Vec2 {
	return protocol.Vec2{
		X: current.X + (target.X-current.X)*step,
		Y: current.Y + (target.Y-current.Y)*step,
	}
}

// Players returns the smoothed snapshots of every remote player.
func (s *Synchronizer) Players() []protocol.PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.PlayerState, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p.current)
	}
	return out
}

// Player returns one remote player's smoothed snapshot.
func (s *Synchronizer) Player(peerID string) (protocol.PlayerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[peerID]
	if !ok {
		return protocol.PlayerState{}, false
	}
	return p.current, true
}

// RemovePlayer drops a departed peer's replicated state.
func (s *Synchronizer) RemovePlayer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, peerID)
}

// Bullets returns the live tracked bullets.
func (s *Synchronizer) Bullets() []protocol.BulletState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.BulletState, 0, len(s.bullets))
	for _, b := range s.bullets {
		out = append(out, b.state)
	}
	return out
}

// FireBullet tracks a locally fired bullet and replicates it.
func (s *Synchronizer) FireBullet(bullet protocol.BulletState) {
	s.mu.Lock()
	s.bullets[bullet.BulletID] = trackedBullet{state: bullet, firedAt: s.now()}
	s.mu.Unlock()
	s.sendMessage(protocol.NewMessage(s.selfID, &bullet))
}

// SendEffect replicates a cosmetic effect, subject to the per-type throttle.
// The dropped effects are local-only losses; the local renderer already
// played them.
func (s *Synchronizer) SendEffect(payload protocol.Payload) {
	if !s.throttle.Allow(payload.MessageType()) {
		return
	}
	s.sendMessage(protocol.NewMessage(s.selfID, payload))
}

// ReportHit replicates a bullet impact, throttled like other effects.
func (s *Synchronizer) ReportHit(hit protocol.BulletHit) {
	s.mu.Lock()
	delete(s.bullets, hit.BulletID)
	s.mu.Unlock()
	if !s.throttle.Allow(protocol.TypeBulletHit) {
		return
	}
	s.sendMessage(protocol.NewMessage(s.selfID, &hit))
}

// PublishWave replicates wave progress; host only.
func (s *Synchronizer) PublishWave(update protocol.WaveUpdate) {
	if !s.isHost {
		return
	}
	s.sendMessage(protocol.NewMessage(s.selfID, &update))
}

// PublishScore replicates the local player's score totals.
func (s *Synchronizer) PublishScore(update protocol.ScoreUpdate) {
	update.PlayerID = s.selfID
	s.sendMessage(protocol.NewMessage(s.selfID, &update))
}

// PublishWorldEvent replicates a world event; host only.
func (s *Synchronizer) PublishWorldEvent(event protocol.WorldEvent) {
	if !s.isHost {
		return
	}
	s.sendMessage(protocol.NewMessage(s.selfID, &event))
}

func (s *Synchronizer) sendMessage(msg protocol.Message) {
	if s.send == nil {
		return
	}
	if err := s.send(msg); err != nil {
		s.log.Debug("replication send failed",
			logging.String("type", string(msg.Type)),
			logging.Error(err))
	}
}

func (s *Synchronizer) sweepTransients() {
	cutoff := s.now().Add(-transientAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, bullet := range s.bullets {
		if bullet.firedAt.Before(cutoff) {
			delete(s.bullets, id)
		}
	}
	for id, diedAt := range s.tombstones {
		if diedAt.Before(cutoff) {
			delete(s.tombstones, id)
		}
	}
}

func (s *Synchronizer) onPlayerUpdate(msg protocol.Message) {
	state, ok := msg.Payload.(*protocol.PlayerState)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.players[msg.SenderID]
	if !exists {
		//1.- First sight of a peer snaps straight to the snapshot; there
		// is nothing sensible to interpolate from.
		s.players[msg.SenderID] = &remotePlayer{current: *state, target: *state, seenAt: s.now()}
		return
	}
	p.target = *state
	//2.- Non-positional fields apply immediately; only motion is smoothed.
	p.current.Health = state.Health
	p.current.MaxHealth = state.MaxHealth
	p.current.IsAlive = state.IsAlive
	p.current.IsDashing = state.IsDashing
	p.current.WeaponType = state.WeaponType
	p.current.CharacterID = state.CharacterID
	p.current.AnimationState = state.AnimationState
	p.current.Ammo = state.Ammo
	p.current.BurstGauge = state.BurstGauge
	p.current.PlayerName = state.PlayerName
	p.seenAt = s.now()
}

func (s *Synchronizer) onBulletFire(msg protocol.Message) {
	bullet, ok := msg.Payload.(*protocol.BulletState)
	if !ok {
		return
	}
	s.mu.Lock()
	s.bullets[bullet.BulletID] = trackedBullet{state: *bullet, firedAt: s.now()}
	s.mu.Unlock()
	if s.events.OnBulletFire != nil {
		s.events.OnBulletFire(*bullet)
	}
}

func (s *Synchronizer) onBulletHit(msg protocol.Message) {
	hit, ok := msg.Payload.(*protocol.BulletHit)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.bullets, hit.BulletID)
	s.mu.Unlock()
	if s.events.OnBulletHit != nil {
		s.events.OnBulletHit(*hit)
	}
}

func (s *Synchronizer) onPlayerDamage(msg protocol.Message) {
	damage, ok := msg.Payload.(*protocol.PlayerDamage)
	if !ok {
		return
	}
	if s.events.OnPlayerDamage != nil {
		s.events.OnPlayerDamage(*damage)
	}
}

func (s *Synchronizer) onExplosion(msg protocol.Message) {
	if explosion, ok := msg.Payload.(*protocol.Explosion); ok && s.events.OnExplosion != nil {
		s.events.OnExplosion(*explosion)
	}
}

func (s *Synchronizer) onMuzzleFlash(msg protocol.Message) {
	if flash, ok := msg.Payload.(*protocol.MuzzleFlash); ok && s.events.OnMuzzleFlash != nil {
		s.events.OnMuzzleFlash(*flash)
	}
}

func (s *Synchronizer) onDashEffect(msg protocol.Message) {
	if dash, ok := msg.Payload.(*protocol.DashEffect); ok && s.events.OnDashEffect != nil {
		s.events.OnDashEffect(*dash)
	}
}

func (s *Synchronizer) onWaveUpdate(msg protocol.Message) {
	if wave, ok := msg.Payload.(*protocol.WaveUpdate); ok && s.events.OnWaveUpdate != nil {
		s.events.OnWaveUpdate(*wave)
	}
}

func (s *Synchronizer) onScoreUpdate(msg protocol.Message) {
	if score, ok := msg.Payload.(*protocol.ScoreUpdate); ok && s.events.OnScoreUpdate != nil {
		s.events.OnScoreUpdate(*score)
	}
}

func (s *Synchronizer) onWorldEvent(msg protocol.Message) {
	if event, ok := msg.Payload.(*protocol.WorldEvent); ok && s.events.OnWorldEvent != nil {
		s.events.OnWorldEvent(*event)
	}
}
