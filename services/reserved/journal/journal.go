// Package journal keeps an append-only SQL log of reserve events so operators
// can audit what each reserve did after the fact.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"raac/core/events"
	"raac/core/types"
)

// DefaultLimit bounds List when the caller does not.
const DefaultLimit = 100

// MaxLimit is the largest page List returns.
const MaxLimit = 1000

// EventRecord is one persisted reserve event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Reserve    string    `gorm:"index;not null"`
	Type       string    `gorm:"index;not null"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Event decodes the stored attributes.
func (r EventRecord) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("journal: decode record %s: %w", r.ID, err)
		}
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}

// Query filters List.
type Query struct {
	Reserve string
	Type    string
	// After returns only records with a larger sequence number.
	After uint64
	Limit int
}

// Journal implements events.Emitter on top of gorm.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
}

// Open connects to dsn. postgres:// and postgresql:// URLs select the
// postgres driver; anything else is treated as a sqlite DSN.
func Open(dsn string, logger *slog.Logger) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("journal: empty dsn")
	}
	var dialector gorm.Dialector
	if isPostgres(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db, logger)
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// New migrates the schema on an existing connection and resumes the sequence
// from the highest stored record.
func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: nil db")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	var last struct{ Max uint64 }
	if err := db.Model(&EventRecord{}).Select("COALESCE(MAX(sequence), 0) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("journal: resume sequence: %w", err)
	}
	return &Journal{db: db, logger: logger, now: time.Now, seq: last.Max}, nil
}

// Emit implements events.Emitter. Events that cannot be rendered or stored
// are logged and dropped; the reserve state has already been committed.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Append stores evt and returns the new record.
func (j *Journal) Append(ctx context.Context, evt events.Event) (*EventRecord, error) {
	renderable, ok := evt.(events.Renderable)
	if !ok {
		return nil, fmt.Errorf("journal: event %s has no attribute form", evt.EventType())
	}
	rendered := renderable.Event()
	encoded, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode %s: %w", rendered.Type, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	record := &EventRecord{
		ID:         uuid.New(),
		Sequence:   j.seq + 1,
		Reserve:    rendered.Attributes["reserve"],
		Type:       rendered.Type,
		Attributes: string(encoded),
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	j.seq = record.Sequence
	return record, nil
}

// List returns records in sequence order.
func (j *Journal) List(ctx context.Context, q Query) ([]EventRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	tx := j.db.WithContext(ctx).Model(&EventRecord{}).Where("sequence > ?", q.After)
	if q.Reserve != "" {
		tx = tx.Where("reserve = ?", q.Reserve)
	}
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	var records []EventRecord
	if err := tx.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
