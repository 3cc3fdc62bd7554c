package strategy

import (
	"sync"
	"time"

	"fundingarb/internal/models"
)

// SnapshotCache - кэш снимков позиций с TTL.
//
// Монитор пишет снимок каждым тиком; real-time монитор читает его
// оппортунистически и обязан перезапросить площадки, если снимок
// старше TTL.
type SnapshotCache struct {
	mu        sync.RWMutex
	snapshots map[int]*models.PositionSnapshot
	ttl       time.Duration
}

// NewSnapshotCache создает кэш с заданным TTL
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		snapshots: make(map[int]*models.PositionSnapshot),
		ttl:       ttl,
	}
}

// Put сохраняет снимок позиции
func (c *SnapshotCache) Put(s *models.PositionSnapshot) {
	c.mu.Lock()
	c.snapshots[s.PositionID] = s
	c.mu.Unlock()
}

// Get возвращает снимок и флаг свежести.
// Снимок старше TTL возвращается с fresh=false.
func (c *SnapshotCache) Get(positionID int) (s *models.PositionSnapshot, fresh bool) {
	c.mu.RLock()
	s = c.snapshots[positionID]
	c.mu.RUnlock()

	if s == nil {
		return nil, false
	}
	return s, s.Age() <= c.ttl
}

// Drop удаляет снимок закрытой позиции
func (c *SnapshotCache) Drop(positionID int) {
	c.mu.Lock()
	delete(c.snapshots, positionID)
	c.mu.Unlock()
}
