package contextstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// contextEntryModel is the GORM model backing the remote_kv Context Store
// backend. The same model and repository logic run against either driver
// — production Postgres or the SQLite stand-in used in tests and
// single-node deployments — through one gorm.DB handle.
type contextEntryModel struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	ExpiresAt *time.Time `gorm:"index"`
	Size      int
}

func (contextEntryModel) TableName() string { return "context_entries" }

// RemoteBackend is the GORM-backed Context Store backend. Driver is either
// "postgres" or "sqlite".
type RemoteBackend struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenRemoteBackend opens a RemoteBackend for the given driver and DSN,
// then migrates the context_entries table.
func OpenRemoteBackend(ctx context.Context, driver, dsn string, slogger *slog.Logger) (*RemoteBackend, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{SlowThreshold: 200 * time.Millisecond, LogLevel: logger.Warn, IgnoreRecordNotFoundError: true},
	)

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: unknown remote_kv driver %q", ErrBackendUnavailable, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening remote_kv database: %v", ErrBackendUnavailable, err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&contextEntryModel{}); err != nil {
		return nil, fmt.Errorf("%w: migrating context_entries: %v", ErrBackendUnavailable, err)
	}

	return &RemoteBackend{db: db, logger: slogger}, nil
}

func (b *RemoteBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var row contextEntryModel
	err := b.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if row.ExpiresAt != nil && time.Now().After(*row.ExpiresAt) {
		_ = b.db.WithContext(ctx).Delete(&contextEntryModel{}, "key = ?", key).Error
		return "", false, nil
	}
	return row.Value, true, nil
}

func (b *RemoteBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	row := contextEntryModel{Key: key, Value: value, CreatedAt: time.Now().UTC(), ExpiresAt: expires, Size: len(value)}

	err := b.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RemoteBackend) Delete(ctx context.Context, key string) error {
	if err := b.db.WithContext(ctx).Delete(&contextEntryModel{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RemoteBackend) ClearPrefix(ctx context.Context, prefix string) error {
	pattern := strings.ReplaceAll(prefix, "%", "\\%") + "%"
	if err := b.db.WithContext(ctx).Where("key LIKE ?", pattern).Delete(&contextEntryModel{}).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RemoteBackend) Sweep(ctx context.Context) (int, error) {
	res := b.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at < ?", time.Now().UTC()).Delete(&contextEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, res.Error)
	}
	return int(res.RowsAffected), nil
}

func (b *RemoteBackend) Size(ctx context.Context) (int, error) {
	var count int64
	if err := b.db.WithContext(ctx).Model(&contextEntryModel{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(count), nil
}

func (b *RemoteBackend) SizeOfPrefix(ctx context.Context, prefix string) (int, error) {
	pattern := strings.ReplaceAll(prefix, "%", "\\%") + "%"
	var total int64
	err := b.db.WithContext(ctx).Model(&contextEntryModel{}).
		Where("key LIKE ? AND (expires_at IS NULL OR expires_at > ?)", pattern, time.Now().UTC()).
		Select("COALESCE(SUM(size), 0)").Row().Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(total), nil
}

var _ Backend = (*RemoteBackend)(nil)

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Info(fmt.Sprintf(format, args...))
}
