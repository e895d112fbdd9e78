package settings

import (
	"context"
	"sync"

	"github.com/pscheid92/signalhub/internal/domain"
)

// MemoryRepository keeps profiles in process memory. Used in tests and single-node development.
type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[domain.UserID]domain.UserMonitorProfile
}

func NewMemoryRepository(seed ...domain.UserMonitorProfile) *MemoryRepository {
	r := &MemoryRepository{profiles: make(map[domain.UserID]domain.UserMonitorProfile, len(seed))}
	for _, p := range seed {
		r.profiles[p.UserID] = p.Clone()
	}
	return r
}

func (r *MemoryRepository) Get(_ context.Context, userID domain.UserID) (domain.UserMonitorProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[userID]
	if !ok {
		return domain.UserMonitorProfile{}, domain.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, profile domain.UserMonitorProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.UserID] = profile.Clone()
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]domain.UserMonitorProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.UserMonitorProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Clone())
	}
	return out, nil
}
