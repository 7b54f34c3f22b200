// Package postgres implements the storage.Store interface using
// PostgreSQL via GORM, for deployments where sandbox metadata must be
// shared across operators. All GORM usage is confined to this package.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/ngome/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

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

// Open connects to PostgreSQL and configures the connection pool.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLogger,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	slogger.Info("postgres store connected",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)

	return &Store{db: db, logger: slogger}, nil
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
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
	rec := storage.SandboxRecord{
		WorkspaceID:         m.WorkspaceID,
		Namespace:           m.Namespace,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		LastSyncFingerprint: m.LastSyncFingerprint,
		LastSyncedAt:        m.LastSyncedAt,
		TotalSizeBytes:      m.TotalSizeBytes,
	}
	return &rec, nil
}

func (s *Store) Create(ctx context.Context, rec *storage.SandboxRecord) error {
	m := sandboxModel{
		Namespace:           rec.Namespace,
		WorkspaceID:         rec.WorkspaceID,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
		LastSyncFingerprint: rec.LastSyncFingerprint,
		LastSyncedAt:        rec.LastSyncedAt,
		TotalSizeBytes:      rec.TotalSizeBytes,
	}
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
		recs[i] = storage.SandboxRecord{
			WorkspaceID:         m.WorkspaceID,
			Namespace:           m.Namespace,
			CreatedAt:           m.CreatedAt,
			UpdatedAt:           m.UpdatedAt,
			LastSyncFingerprint: m.LastSyncFingerprint,
			LastSyncedAt:        m.LastSyncedAt,
			TotalSizeBytes:      m.TotalSizeBytes,
		}
	}
	return recs, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&sandboxModel{}); err != nil {
		return fmt.Errorf("migrating postgres schema: %w", err)
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

func (s *Store) Driver() string { return "postgres" }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
