package gamesync

import (
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/protocol"
)

// enemyReplica is one enemy as seen locally. On the host the replica is the
// authority; on clients it chases the host's latest update.
type enemyReplica struct {
	current protocol.EnemyState
	target  protocol.EnemyState
}

func (e *enemyReplica) advance(step float64) {
	e.current.Position = approach(e.current.Position, e.target.Position, step)
	e.current.Health = e.target.Health
	e.current.IsAlive = e.target.IsAlive
}

// Enemies returns the smoothed snapshots of every live enemy.
func (s *Synchronizer) Enemies() []protocol.EnemyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.EnemyState, 0, len(s.enemies))
	for _, e := range s.enemies {
		out = append(out, e.current)
	}
	return out
}

// Enemy returns one enemy's smoothed snapshot.
func (s *Synchronizer) Enemy(enemyID string) (protocol.EnemyState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enemies[enemyID]
	if !ok {
		return protocol.EnemyState{}, false
	}
	return e.current, true
}

// SpawnEnemy registers a new enemy and replicates it. Host only; clients
// learn about enemies from the wire.
func (s *Synchronizer) SpawnEnemy(state protocol.EnemyState) {
	if !s.isHost {
		return
	}
	state.IsAlive = true
	s.mu.Lock()
	s.enemies[state.EnemyID] = &enemyReplica{current: state, target: state}
	delete(s.tombstones, state.EnemyID)
	s.mu.Unlock()
	s.sendMessage(protocol.NewMessage(s.selfID, &state))
}

// MoveEnemy updates an enemy's position on the host. The change replicates on
// the next tick's enemy update batch rather than per call.
func (s *Synchronizer) MoveEnemy(enemyID string, position protocol.Vec2) {
	if !s.isHost {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.enemies[enemyID]; ok {
		e.current.Position = position
		e.target.Position = position
	}
}

// DamageEnemy is the single entry point for hurting an enemy. On the host it
// applies immediately; on a client it becomes an intent the host arbitrates,
// so two peers shooting the same enemy cannot disagree about the kill.
func (s *Synchronizer) DamageEnemy(enemyID string, damage int, position protocol.Vec2) {
	if s.isHost {
		s.applyEnemyDamage(enemyID, damage, s.selfID)
		return
	}
	s.sendMessage(protocol.NewMessage(s.selfID, &protocol.EnemyDamage{
		EnemyID:    enemyID,
		Damage:     damage,
		AttackerID: s.selfID,
		Position:   position,
	}))
}

func (s *Synchronizer) applyEnemyDamage(enemyID string, damage int, attackerID string) {
	s.mu.Lock()
	e, ok := s.enemies[enemyID]
	if !ok || !e.current.IsAlive {
		//1.- Damage for a dead or unknown enemy is stale, not an error.
		s.mu.Unlock()
		return
	}
	e.current.Health -= damage
	e.target.Health = e.current.Health
	killed := e.current.Health <= 0
	if killed {
		e.current.IsAlive = false
		e.target.IsAlive = false
		delete(s.enemies, enemyID)
		s.tombstones[enemyID] = s.now()
	}
	s.mu.Unlock()

	if killed {
		s.sendMessage(protocol.NewMessage(s.selfID, &protocol.EnemyDeath{EnemyID: enemyID, KillerID: attackerID}))
		if s.events.OnEnemyDeath != nil {
			s.events.OnEnemyDeath(enemyID, attackerID)
		}
	}
}

// FireEnemyBullet replicates an enemy shot. Host only.
func (s *Synchronizer) FireEnemyBullet(shot protocol.EnemyBulletFire) {
	if !s.isHost {
		return
	}
	s.sendMessage(protocol.NewMessage(s.selfID, &shot))
}

// broadcastEnemies publishes the authoritative state of every live enemy.
func (s *Synchronizer) broadcastEnemies() {
	s.mu.Lock()
	updates := make([]protocol.EnemyUpdate, 0, len(s.enemies))
	for _, e := range s.enemies {
		updates = append(updates, protocol.EnemyUpdate{
			EnemyID:   e.current.EnemyID,
			Position:  e.current.Position,
			Health:    e.current.Health,
			MaxHealth: e.current.MaxHealth,
		})
	}
	s.mu.Unlock()
	for i := range updates {
		s.sendMessage(protocol.NewMessage(s.selfID, &updates[i]))
	}
}

func (s *Synchronizer) onEnemySpawn(msg protocol.Message) {
	state, ok := msg.Payload.(*protocol.EnemyState)
	if !ok || s.isHost {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dead := s.tombstones[state.EnemyID]; dead {
		return
	}
	s.enemies[state.EnemyID] = &enemyReplica{current: *state, target: *state}
}

func (s *Synchronizer) onEnemyUpdate(msg protocol.Message) {
	update, ok := msg.Payload.(*protocol.EnemyUpdate)
	if !ok || s.isHost {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dead := s.tombstones[update.EnemyID]; dead {
		//1.- An update racing a death notice must not resurrect the enemy.
		return
	}
	e, exists := s.enemies[update.EnemyID]
	if !exists {
		//2.- Updates can outrun the spawn; materialize a minimal replica.
		state := protocol.EnemyState{
			EnemyID:   update.EnemyID,
			Position:  update.Position,
			Health:    update.Health,
			MaxHealth: update.MaxHealth,
			IsAlive:   true,
		}
		s.enemies[update.EnemyID] = &enemyReplica{current: state, target: state}
		return
	}
	e.target.Position = update.Position
	e.target.Health = update.Health
	e.target.MaxHealth = update.MaxHealth
}

func (s *Synchronizer) onEnemyDeath(msg protocol.Message) {
	death, ok := msg.Payload.(*protocol.EnemyDeath)
	if !ok {
		return
	}
	s.mu.Lock()
	if _, already := s.tombstones[death.EnemyID]; already {
		//1.- Duplicate death notices are expected and must stay no-ops.
		s.mu.Unlock()
		return
	}
	s.tombstones[death.EnemyID] = s.now()
	delete(s.enemies, death.EnemyID)
	s.mu.Unlock()
	if s.events.OnEnemyDeath != nil {
		s.events.OnEnemyDeath(death.EnemyID, death.KillerID)
	}
}

func (s *Synchronizer) onEnemyDamage(msg protocol.Message) {
	damage, ok := msg.Payload.(*protocol.EnemyDamage)
	if !ok {
		return
	}
	if !s.isHost {
		//1.- Clients never arbitrate damage; only the host's verdict counts.
		return
	}
	s.applyEnemyDamage(damage.EnemyID, damage.Damage, damage.AttackerID)
}

func (s *Synchronizer) onEnemyBulletFire(msg protocol.Message) {
	shot, ok := msg.Payload.(*protocol.EnemyBulletFire)
	if !ok || s.isHost {
		return
	}
	s.log.Debug("enemy shot replicated", logging.String("enemy", shot.EnemyID))
	if s.events.OnEnemyShot != nil {
		//1.- The hook gets the full shot so the firing angle survives; the
		// bullet manager derives velocity from it locally.
		s.events.OnEnemyShot(*shot)
	}
}
