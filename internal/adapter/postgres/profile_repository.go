package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/signalhub/internal/domain"
)

const (
	selectProfile = `SELECT user_id, threshold_percent, led_enabled, buzzer_enabled, led_brightness_pct,
       buzzer_volume_pct, buzzer_duration_ms, led_blink_ms, updated_at
FROM profiles`

	selectAssets = `SELECT user_id, asset_id, selected, invested FROM profile_assets`

	upsertProfile = `INSERT INTO profiles (user_id, threshold_percent, led_enabled, buzzer_enabled, led_brightness_pct,
                      buzzer_volume_pct, buzzer_duration_ms, led_blink_ms, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id) DO UPDATE SET
    threshold_percent  = EXCLUDED.threshold_percent,
    led_enabled        = EXCLUDED.led_enabled,
    buzzer_enabled     = EXCLUDED.buzzer_enabled,
    led_brightness_pct = EXCLUDED.led_brightness_pct,
    buzzer_volume_pct  = EXCLUDED.buzzer_volume_pct,
    buzzer_duration_ms = EXCLUDED.buzzer_duration_ms,
    led_blink_ms       = EXCLUDED.led_blink_ms,
    updated_at         = EXCLUDED.updated_at`
)

// ProfileRepo implements domain.ProfileRepository on PostgreSQL.
type ProfileRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ProfileRepository = (*ProfileRepo)(nil)

func NewProfileRepo(pool *pgxpool.Pool) *ProfileRepo {
	return &ProfileRepo{pool: pool}
}

func (r *ProfileRepo) Get(ctx context.Context, userID domain.UserID) (domain.UserMonitorProfile, error) {
	row := r.pool.QueryRow(ctx, selectProfile+" WHERE user_id = $1", int64(userID))
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserMonitorProfile{}, domain.ErrProfileNotFound
	}
	if err != nil {
		return domain.UserMonitorProfile{}, fmt.Errorf("failed to get profile: %w", err)
	}

	rows, err := r.pool.Query(ctx, selectAssets+" WHERE user_id = $1", int64(userID))
	if err != nil {
		return domain.UserMonitorProfile{}, fmt.Errorf("failed to get profile assets: %w", err)
	}
	profiles := map[domain.UserID]*domain.UserMonitorProfile{userID: &p}
	if err := collectAssets(rows, profiles); err != nil {
		return domain.UserMonitorProfile{}, err
	}
	return p, nil
}

// Save replaces the profile and its asset rows in one transaction.
func (r *ProfileRepo) Save(ctx context.Context, p domain.UserMonitorProfile) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, upsertProfile,
			int64(p.UserID), p.ThresholdPercent, p.Output.LEDEnabled, p.Output.BuzzerEnabled,
			p.Output.LEDBrightnessPct, p.Output.BuzzerVolumePct, p.Output.BuzzerDurationMs, p.Output.LEDBlinkMs,
			p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert profile: %w", err)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM profile_assets WHERE user_id = $1", int64(p.UserID)); err != nil {
			return fmt.Errorf("failed to clear profile assets: %w", err)
		}

		batch := &pgx.Batch{}
		for _, id := range p.MonitoredAssets().Sorted() {
			batch.Queue("INSERT INTO profile_assets (user_id, asset_id, selected, invested) VALUES ($1, $2, $3, $4)",
				int64(p.UserID), string(id), p.SelectedAssets.Has(id), p.InvestedAssets.Has(id))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert profile assets: %w", err)
		}
		return nil
	})
}

func (r *ProfileRepo) List(ctx context.Context) ([]domain.UserMonitorProfile, error) {
	rows, err := r.pool.Query(ctx, selectProfile+" ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.UserMonitorProfile, error) {
		return scanProfile(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan profiles: %w", err)
	}

	byUser := make(map[domain.UserID]*domain.UserMonitorProfile, len(list))
	for i := range list {
		byUser[list[i].UserID] = &list[i]
	}

	assetRows, err := r.pool.Query(ctx, selectAssets)
	if err != nil {
		return nil, fmt.Errorf("failed to list profile assets: %w", err)
	}
	if err := collectAssets(assetRows, byUser); err != nil {
		return nil, err
	}
	return list, nil
}

func scanProfile(row pgx.Row) (domain.UserMonitorProfile, error) {
	var (
		p      domain.UserMonitorProfile
		userID int64
	)
	err := row.Scan(&userID, &p.ThresholdPercent, &p.Output.LEDEnabled, &p.Output.BuzzerEnabled,
		&p.Output.LEDBrightnessPct, &p.Output.BuzzerVolumePct, &p.Output.BuzzerDurationMs, &p.Output.LEDBlinkMs,
		&p.UpdatedAt)
	if err != nil {
		return domain.UserMonitorProfile{}, err
	}
	p.UserID = domain.UserID(userID)
	p.SelectedAssets = domain.NewAssetSet()
	p.InvestedAssets = domain.NewAssetSet()
	return p, nil
}

func collectAssets(rows pgx.Rows, profiles map[domain.UserID]*domain.UserMonitorProfile) error {
	defer rows.Close()
	for rows.Next() {
		var (
			userID             int64
			assetID            string
			selected, invested bool
		)
		if err := rows.Scan(&userID, &assetID, &selected, &invested); err != nil {
			return fmt.Errorf("failed to scan profile asset: %w", err)
		}
		p, ok := profiles[domain.UserID(userID)]
		if !ok {
			continue
		}
		if selected {
			p.SelectedAssets.Add(domain.AssetID(assetID))
		}
		if invested {
			p.InvestedAssets.Add(domain.AssetID(assetID))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read profile assets: %w", err)
	}
	return nil
}
