package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/domain"
)

// AssetCatalog reports which asset ids may be selected. A nil catalog accepts any id.
type AssetCatalog interface {
	Has(id domain.AssetID) bool
}

// Store implements domain.ProfileStore on top of a repository.
type Store struct {
	repo    domain.ProfileRepository
	catalog AssetCatalog
	clock   clockwork.Clock

	// serializes read-modify-write updates; reads go straight to the repository
	mu sync.Mutex
}

var _ domain.ProfileStore = (*Store)(nil)

func NewStore(repo domain.ProfileRepository, catalog AssetCatalog, clock clockwork.Clock) *Store {
	return &Store{repo: repo, catalog: catalog, clock: clock}
}

// ActiveProfiles returns deep copies of every profile that monitors at least one asset.
func (s *Store) ActiveProfiles(ctx context.Context) ([]domain.UserMonitorProfile, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	active := make([]domain.UserMonitorProfile, 0, len(all))
	for _, p := range all {
		if p.Active() {
			active = append(active, p.Clone())
		}
	}
	return active, nil
}

// GetProfile returns the stored profile, or the defaults for a user who never saved settings.
func (s *Store) GetProfile(ctx context.Context, userID domain.UserID) (domain.UserMonitorProfile, error) {
	p, err := s.repo.Get(ctx, userID)
	if errors.Is(err, domain.ErrProfileNotFound) {
		return domain.NewProfile(userID), nil
	}
	if err != nil {
		return domain.UserMonitorProfile{}, fmt.Errorf("get profile %d: %w", userID, err)
	}
	return p.Clone(), nil
}

// UpdateProfile applies patch and persists the result if it validates.
// The change becomes visible to the next dispatch cycle.
func (s *Store) UpdateProfile(ctx context.Context, userID domain.UserID, patch domain.ProfilePatch) (domain.UserMonitorProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.GetProfile(ctx, userID)
	if err != nil {
		return domain.UserMonitorProfile{}, err
	}

	updated, err := Apply(current, patch)
	if err != nil {
		return domain.UserMonitorProfile{}, err
	}
	if err := Validate(updated); err != nil {
		return domain.UserMonitorProfile{}, err
	}
	if err := s.checkCatalog(updated); err != nil {
		return domain.UserMonitorProfile{}, err
	}

	updated.UpdatedAt = s.clock.Now()
	if err := s.repo.Save(ctx, updated); err != nil {
		return domain.UserMonitorProfile{}, fmt.Errorf("save profile %d: %w", userID, err)
	}

	slog.InfoContext(ctx, "Profile updated", "user_id", userID, "threshold", updated.ThresholdPercent,
		"selected", len(updated.SelectedAssets), "invested", len(updated.InvestedAssets))
	return updated.Clone(), nil
}

func (s *Store) checkCatalog(p domain.UserMonitorProfile) error {
	if s.catalog == nil {
		return nil
	}
	var v []Violation
	for _, id := range p.MonitoredAssets().Sorted() {
		if !s.catalog.Has(id) {
			v = append(v, Violation{Field: "assets", Message: fmt.Sprintf("%s: %v", id, domain.ErrUnknownAsset)})
		}
	}
	if len(v) > 0 {
		return &InvalidSettingsError{Violations: v}
	}
	return nil
}
