package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type processedEventModel struct {
	EventID     string     `gorm:"column:event_id;primaryKey"`
	ProcessedAt time.Time  `gorm:"column:processed_at;not null"`
	ExpiresAt   *time.Time `gorm:"column:expires_at;index"`
	Result      *string    `gorm:"column:result;type:jsonb"`
}

func (processedEventModel) TableName() string { return "processed_events" }

// OpenPostgres opens and pings a gorm connection pool
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PostgresStore keeps ProcessedEventRecords in the processed_events table.
// The primary key on event_id is what makes concurrent marks atomic.
type PostgresStore struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewPostgresStore creates a store on an open gorm connection
func NewPostgresStore(db *gorm.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		now:    time.Now,
		logger: logger,
	}
}

// Migrate creates the processed_events table if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&processedEventModel{}); err != nil {
		return fmt.Errorf("migrate processed_events: %w", err)
	}
	return nil
}

func (s *PostgresStore) TryMarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}

	now := s.now().UTC()
	var fresh bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// an expired record no longer blocks the id
		if err := tx.Where("event_id = ? AND expires_at IS NOT NULL AND expires_at <= ?", eventID, now).
			Delete(&processedEventModel{}).Error; err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&processedEventModel{
			EventID:     eventID,
			ProcessedAt: now,
			ExpiresAt:   expiry(now, ttl),
		})
		if res.Error != nil {
			return res.Error
		}
		fresh = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark %s processed: %w", eventID, err)
	}
	return fresh, nil
}

func (s *PostgresStore) Release(ctx context.Context, eventID string) error {
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&processedEventModel{}).Error; err != nil {
		return fmt.Errorf("release %s: %w", eventID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*contracts.ProcessedEventRecord, error) {
	var rec processedEventModel
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND (expires_at IS NULL OR expires_at > ?)", eventID, s.now().UTC()).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	out := &contracts.ProcessedEventRecord{
		EventID:     rec.EventID,
		ProcessedAt: rec.ProcessedAt,
	}
	if rec.Result != nil {
		out.Result = []byte(*rec.Result)
	}
	return out, nil
}

// PurgeExpired deletes expired rows and returns how many were removed
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC()).
		Delete(&processedEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge processed_events: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.InfoContext(ctx, "purged expired idempotency records", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
