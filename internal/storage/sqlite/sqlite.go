// Package sqlite implements the storage.Store interface using SQLite via
// GORM. Uses modernc.org/sqlite (pure Go, no CGO) through the
// glebarez/sqlite GORM driver. WAL mode is enabled by default for
// concurrent reads against the single database file.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/ngome/internal/storage"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // "wal" by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// sandboxModel is the GORM row for a sandbox metadata record.
// GORM usage is confined to this package — storage.SandboxRecord stays
// ORM-free.
type sandboxModel struct {
	Namespace           string `gorm:"primaryKey;size:64"`
	WorkspaceID         string `gorm:"primaryKey;size:64"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastSyncFingerprint string `gorm:"size:128"`
	LastSyncedAt        *time.Time
	TotalSizeBytes      int64
}

func (sandboxModel) TableName() string { return "sandboxes" }

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", cfg.Path, err)
	}

	slogger.Info("sqlite store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode),
	)

	return &Store{db: db, logger: slogger, path: cfg.Path}, nil
}

func (s *Store) Get(ctx context.Context, namespace, workspaceID string) (*storage.SandboxRecord, error) {
	var m sandboxModel
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND workspace_id = ?", namespace, workspaceID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("loading sandbox record: %w", err)
	}
	rec := toRecord(m)
	return &rec, nil
}

func (s *Store) Create(ctx context.Context, rec *storage.SandboxRecord) error {
	m := fromRecord(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("creating sandbox record: %w", err)
	}
	return nil
}

func (s *Store) UpdateSyncState(ctx context.Context, namespace, workspaceID, fingerprint string, totalSizeBytes int64) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&sandboxModel{}).
		Where("namespace = ? AND workspace_id = ?", namespace, workspaceID).
		Updates(map[string]any{
			"last_sync_fingerprint": fingerprint,
			"last_synced_at":        now,
			"total_size_bytes":      totalSizeBytes,
		})
	if res.Error != nil {
		return fmt.Errorf("updating sync state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSize(ctx context.Context, namespace, workspaceID string, totalSizeBytes int64) error {
	res := s.db.WithContext(ctx).
		Model(&sandboxModel{}).
		Where("namespace = ? AND workspace_id = ?", namespace, workspaceID).
		Update("total_size_bytes", totalSizeBytes)
	if res.Error != nil {
		return fmt.Errorf("updating size: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace, workspaceID string) error {
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND workspace_id = ?", namespace, workspaceID).
		Delete(&sandboxModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting sandbox record: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, namespace string) ([]storage.SandboxRecord, error) {
	var models []sandboxModel
	err := s.db.WithContext(ctx).
		Where("namespace = ?", namespace).
		Order("workspace_id").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sandbox records: %w", err)
	}
	recs := make([]storage.SandboxRecord, len(models))
	for i, m := range models {
		recs[i] = toRecord(m)
	}
	return recs, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&sandboxModel{}); err != nil {
		return fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return "sqlite" }

func toRecord(m sandboxModel) storage.SandboxRecord {
	return storage.SandboxRecord{
		WorkspaceID:         m.WorkspaceID,
		Namespace:           m.Namespace,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		LastSyncFingerprint: m.LastSyncFingerprint,
		LastSyncedAt:        m.LastSyncedAt,
		TotalSizeBytes:      m.TotalSizeBytes,
	}
}

func fromRecord(rec *storage.SandboxRecord) sandboxModel {
	return sandboxModel{
		Namespace:           rec.Namespace,
		WorkspaceID:         rec.WorkspaceID,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
		LastSyncFingerprint: rec.LastSyncFingerprint,
		LastSyncedAt:        rec.LastSyncedAt,
		TotalSizeBytes:      rec.TotalSizeBytes,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
