package imagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/logger"
)

// Backend drivers accepted by Config.Driver.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

const dbConnectTimeout = "10s"

// Entry is one persisted image in its stored pixel format.
type Entry struct {
	ID         uint      `gorm:"primaryKey"`
	ImageType  string    `gorm:"size:64;not null;uniqueIndex:idx_image_entries_key"`
	EntityID   string    `gorm:"size:36;not null;uniqueIndex:idx_image_entries_key"`
	SourceURL  string    `gorm:"size:2048"`
	Width      int       `gorm:"not null"`
	Height     int       `gorm:"not null"`
	Style      Style     `gorm:"not null"`
	Pixels     []byte    `gorm:"not null"`
	CachedAt   time.Time `gorm:"not null"`
	AccessedAt time.Time `gorm:"not null;index"`
}

// TableName pins the table name independent of GORM naming strategy.
func (Entry) TableName() string {
	return "image_entries"
}

// MySQLConfig holds MySQL connection settings.
type MySQLConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// openDB opens the configured backend and migrates the schema.
func openDB(ctx context.Context, cfg *Config, log logger.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log.Module("sql"), cfg.SlowQuery),
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		if !isMemoryDSN(cfg.SQLitePath) {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, errors.New(fmt.Errorf("create store directory: %w", err)).
					Component("imagestore").
					Category(errors.CategoryFileIO).
					Build()
			}
		}
		dialector = sqlite.Open(cfg.SQLitePath)
	case DriverMySQL:
		dsnCfg := mysql.Config{
			User:                 cfg.MySQL.Username,
			Passwd:               cfg.MySQL.Password,
			Net:                  "tcp",
			Addr:                 cfg.MySQL.Host + ":" + strconv.Itoa(cfg.MySQL.Port),
			DBName:               cfg.MySQL.Database,
			AllowNativePasswords: true,
			ParseTime:            true,
			Params: map[string]string{
				"charset":      "utf8mb4",
				"timeout":      dbConnectTimeout,
				"readTimeout":  dbConnectTimeout,
				"writeTimeout": dbConnectTimeout,
			},
		}
		dialector = gormmysql.Open(dsnCfg.FormatDSN())
	default:
		return nil, errors.Newf("unsupported store driver %q", cfg.Driver).
			Component("imagestore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, errors.New(fmt.Errorf("open %s store: %w", cfg.Driver, err)).
			Component("imagestore").
			Category(errors.CategoryDatabase).
			Context("driver", cfg.Driver).
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.New(err).
			Component("imagestore").
			Category(errors.CategoryDatabase).
			Build()
	}
	if cfg.Driver != DriverMySQL {
		// SQLite serializes writers anyway; a single connection also keeps
		// ":memory:" databases alive for the lifetime of the store.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	if err := db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.New(fmt.Errorf("migrate store schema: %w", err)).
			Component("imagestore").
			Category(errors.CategoryDatabase).
			Build()
	}

	return db, nil
}

// storageDir returns the directory checked by the disk usage guard, or "" when
// the backend does not live on the local filesystem.
func (cfg *Config) storageDir() string {
	if cfg.Dir != "" {
		return cfg.Dir
	}
	if cfg.Driver == DriverMySQL || isMemoryDSN(cfg.SQLitePath) {
		return ""
	}
	return filepath.Dir(cfg.SQLitePath)
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:")
}

// repository wraps the queries used by the store.
type repository struct {
	db *gorm.DB
}

func (r *repository) find(ctx context.Context, key Key) (*Entry, error) {
	var e Entry
	err := r.db.WithContext(ctx).
		Where("image_type = ? AND entity_id = ?", key.Type, key.Entity.String()).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repository) exists(ctx context.Context, key Key) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Entry{}).
		Where("image_type = ? AND entity_id = ?", key.Type, key.Entity.String()).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) touch(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ?", id).
		UpdateColumn("accessed_at", at).Error
}

// upsert writes e, replacing the pixels of an existing (type, entity) row.
func (r *repository) upsert(ctx context.Context, e *Entry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "image_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"source_url", "width", "height", "style", "pixels", "cached_at", "accessed_at",
			}),
		}).
		Create(e).Error
}

// evictOverflow deletes the least recently accessed rows of imageType beyond
// capacity and returns their entity IDs.
func (r *repository) evictOverflow(ctx context.Context, imageType string, capacity int) ([]string, int64, error) {
	var evicted []string
	var remaining int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Entry{}).Where("image_type = ?", imageType).Count(&remaining).Error; err != nil {
			return err
		}
		over := remaining - int64(capacity)
		if over <= 0 {
			return nil
		}

		var victims []Entry
		err := tx.Select("id", "entity_id").
			Where("image_type = ?", imageType).
			Order("accessed_at ASC").
			Order("id ASC").
			Limit(int(over)).
			Find(&victims).Error
		if err != nil {
			return err
		}

		ids := make([]uint, 0, len(victims))
		for i := range victims {
			ids = append(ids, victims[i].ID)
			evicted = append(evicted, victims[i].EntityID)
		}
		result := tx.Delete(&Entry{}, ids)
		if result.Error != nil {
			return result.Error
		}
		remaining -= result.RowsAffected
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return evicted, remaining, nil
}

func (r *repository) count(ctx context.Context, imageType string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Entry{}).Where("image_type = ?", imageType).Count(&count).Error
	return count, err
}

func (r *repository) purge(ctx context.Context, imageType string) (int64, error) {
	result := r.db.WithContext(ctx).Where("image_type = ?", imageType).Delete(&Entry{})
	return result.RowsAffected, result.Error
}

func (r *repository) close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
