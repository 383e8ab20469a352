package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/GhostRoom/internal/models"
	"github.com/Gopher0727/GhostRoom/internal/repositories"
)

var errAtomicUnavailable = errors.New("rpc unavailable")

// memStore 内存版 GroupStore，failAtomic=true 时原子操作报错以触发降级路径
type memStore struct {
	mu         sync.Mutex
	groups     map[string]*models.Group
	now        time.Time
	failAtomic bool
}

func newMemStore(now time.Time) *memStore {
	return &memStore{groups: make(map[string]*models.Group), now: now}
}

func (m *memStore) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *memStore) CreateWithinLimit(_ context.Context, g *models.Group, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.groups) >= limit {
		return repositories.ErrLimitReached
	}
	g.CreatedAt, g.UpdatedAt, g.LastActiveAt = m.now, m.now, m.now
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *memStore) List(_ context.Context, limit int) ([]models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, id string) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) adjust(id string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAtomic {
		return 0, errAtomicUnavailable
	}
	g, ok := m.groups[id]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	g.ActiveUserCount = max(0, g.ActiveUserCount+delta)
	g.UpdatedAt = m.now
	return g.ActiveUserCount, nil
}

func (m *memStore) Increment(_ context.Context, id string) (int, error) { return m.adjust(id, 1) }
func (m *memStore) Decrement(_ context.Context, id string) (int, error) { return m.adjust(id, -1) }

func (m *memStore) SetCount(_ context.Context, id string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	g.ActiveUserCount = count
	g.UpdatedAt = m.now
	return nil
}

func (m *memStore) DeleteIfEmpty(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok || g.ActiveUserCount > 0 {
		return false, nil
	}
	delete(m.groups, id)
	return true, nil
}

func (m *memStore) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	g.LastActiveAt = m.now
	return nil
}

func (m *memStore) FindIdle(_ context.Context, cutoff time.Time) ([]models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Group
	for _, g := range m.groups {
		if g.IdleSince(cutoff) {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (m *memStore) DeleteIdle(ctx context.Context, cutoff time.Time) ([]models.Group, error) {
	idle, _ := m.FindIdle(ctx, cutoff)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range idle {
		delete(m.groups, g.ID)
	}
	return idle, nil
}

func (m *memStore) count(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return 0, false
	}
	return g.ActiveUserCount, true
}
