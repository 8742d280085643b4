package notification

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// PoolConfig tunes the database/sql pool under gorm.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres connects with gorm's postgres driver and applies the pool
// settings. Zero values in pool keep database/sql defaults.
func OpenPostgres(dsn string, pool PoolConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}
	db, err := gorm.Open(postgres.Open(dsn), gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return db, nil
}

// GormRepository stores records in a SQL table through gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository wraps an open gorm handle.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the notification table.
func (r *GormRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Notification{})
}

// Get implements Repository.
func (r *GormRepository) Get(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// UpdateStatus implements Repository.
func (r *GormRepository) UpdateStatus(ctx context.Context, id string, status Status, at time.Time, errMsg string) error {
	var n Notification
	if err := apply(&n, status, at, errMsg); err != nil {
		return err
	}
	cols := map[string]any{
		"status":     n.Status,
		"updated_at": n.UpdatedAt,
	}
	switch status {
	case StatusSent:
		cols["sent_at"] = n.SentAt
		cols["error_message"] = ""
	case StatusFailed:
		cols["failed_at"] = n.FailedAt
		cols["error_message"] = n.ErrorMessage
	}

	res := r.db.WithContext(ctx).Model(&Notification{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the underlying connection.
func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
