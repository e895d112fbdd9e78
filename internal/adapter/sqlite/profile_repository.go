// Package sqlite is the embedded single-node profile store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pscheid92/signalhub/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
  user_id INTEGER PRIMARY KEY,
  threshold_percent REAL NOT NULL,
  led_enabled INTEGER NOT NULL,
  buzzer_enabled INTEGER NOT NULL,
  led_brightness_pct INTEGER NOT NULL,
  buzzer_volume_pct INTEGER NOT NULL,
  buzzer_duration_ms INTEGER NOT NULL,
  led_blink_ms INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS profile_assets (
  user_id INTEGER NOT NULL REFERENCES profiles(user_id) ON DELETE CASCADE,
  asset_id TEXT NOT NULL,
  selected INTEGER NOT NULL,
  invested INTEGER NOT NULL,
  PRIMARY KEY (user_id, asset_id)
);
CREATE INDEX IF NOT EXISTS idx_profile_assets_user ON profile_assets(user_id);
`

const selectProfile = `SELECT user_id, threshold_percent, led_enabled, buzzer_enabled, led_brightness_pct,
  buzzer_volume_pct, buzzer_duration_ms, led_blink_ms, updated_at FROM profiles`

// ProfileRepo implements domain.ProfileRepository on a local SQLite file.
type ProfileRepo struct {
	db *sql.DB
}

var _ domain.ProfileRepository = (*ProfileRepo)(nil)

// Open creates the database file and its directory if needed and applies the schema.
func Open(ctx context.Context, path string) (*ProfileRepo, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single writer connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &ProfileRepo{db: db}, nil
}

func (r *ProfileRepo) Close() error { return r.db.Close() }

// Ping reports whether the database is usable, for readiness checks.
func (r *ProfileRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *ProfileRepo) Get(ctx context.Context, userID domain.UserID) (domain.UserMonitorProfile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, selectProfile+" WHERE user_id = ?", int64(userID)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserMonitorProfile{}, domain.ErrProfileNotFound
	}
	if err != nil {
		return domain.UserMonitorProfile{}, fmt.Errorf("get profile: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, "SELECT user_id, asset_id, selected, invested FROM profile_assets WHERE user_id = ?", int64(userID))
	if err != nil {
		return domain.UserMonitorProfile{}, fmt.Errorf("get profile assets: %w", err)
	}
	if err := collectAssets(rows, map[domain.UserID]*domain.UserMonitorProfile{userID: &p}); err != nil {
		return domain.UserMonitorProfile{}, err
	}
	return p, nil
}

func (r *ProfileRepo) Save(ctx context.Context, p domain.UserMonitorProfile) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO profiles(user_id, threshold_percent, led_enabled, buzzer_enabled, led_brightness_pct,
  buzzer_volume_pct, buzzer_duration_ms, led_blink_ms, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  threshold_percent=excluded.threshold_percent,
  led_enabled=excluded.led_enabled,
  buzzer_enabled=excluded.buzzer_enabled,
  led_brightness_pct=excluded.led_brightness_pct,
  buzzer_volume_pct=excluded.buzzer_volume_pct,
  buzzer_duration_ms=excluded.buzzer_duration_ms,
  led_blink_ms=excluded.led_blink_ms,
  updated_at=excluded.updated_at
`, int64(p.UserID), p.ThresholdPercent, p.Output.LEDEnabled, p.Output.BuzzerEnabled, p.Output.LEDBrightnessPct,
		p.Output.BuzzerVolumePct, p.Output.BuzzerDurationMs, p.Output.LEDBlinkMs, p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM profile_assets WHERE user_id = ?", int64(p.UserID)); err != nil {
		return fmt.Errorf("clear profile assets: %w", err)
	}
	for _, id := range p.MonitoredAssets().Sorted() {
		_, err = tx.ExecContext(ctx, "INSERT INTO profile_assets(user_id, asset_id, selected, invested) VALUES(?, ?, ?, ?)",
			int64(p.UserID), string(id), p.SelectedAssets.Has(id), p.InvestedAssets.Has(id))
		if err != nil {
			return fmt.Errorf("insert profile asset %s: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ProfileRepo) List(ctx context.Context) ([]domain.UserMonitorProfile, error) {
	rows, err := r.db.QueryContext(ctx, selectProfile+" ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	var list []domain.UserMonitorProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	_ = rows.Close()

	byUser := make(map[domain.UserID]*domain.UserMonitorProfile, len(list))
	for i := range list {
		byUser[list[i].UserID] = &list[i]
	}

	assetRows, err := r.db.QueryContext(ctx, "SELECT user_id, asset_id, selected, invested FROM profile_assets")
	if err != nil {
		return nil, fmt.Errorf("list profile assets: %w", err)
	}
	if err := collectAssets(assetRows, byUser); err != nil {
		return nil, err
	}
	return list, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (domain.UserMonitorProfile, error) {
	var (
		p         domain.UserMonitorProfile
		userID    int64
		updatedMs int64
	)
	err := row.Scan(&userID, &p.ThresholdPercent, &p.Output.LEDEnabled, &p.Output.BuzzerEnabled,
		&p.Output.LEDBrightnessPct, &p.Output.BuzzerVolumePct, &p.Output.BuzzerDurationMs, &p.Output.LEDBlinkMs,
		&updatedMs)
	if err != nil {
		return domain.UserMonitorProfile{}, err
	}
	p.UserID = domain.UserID(userID)
	p.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	p.SelectedAssets = domain.NewAssetSet()
	p.InvestedAssets = domain.NewAssetSet()
	return p, nil
}

func collectAssets(rows *sql.Rows, profiles map[domain.UserID]*domain.UserMonitorProfile) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			userID             int64
			assetID            string
			selected, invested bool
		)
		if err := rows.Scan(&userID, &assetID, &selected, &invested); err != nil {
			return fmt.Errorf("scan profile asset: %w", err)
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
		return fmt.Errorf("read profile assets: %w", err)
	}
	return nil
}
