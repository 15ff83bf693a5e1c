// Package audit persists a non-identifying summary of every published
// optimisation result to Postgres, for charting route-quality trends over
// time without landing patient-adjacent data outside the process boundary.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

// Entry is one row of the audit trail: identifiers, counts, and totals
// only. No stop_id, coordinate, or window ever appears here.
type Entry struct {
	ID                   string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	DriverID             string    `gorm:"type:varchar(128);not null;index"`
	StopCount            int       `gorm:"not null"`
	TotalDistanceKM      float64   `gorm:"type:decimal(10,3);not null"`
	TotalDurationMinutes float64   `gorm:"type:decimal(10,3);not null"`
	OptimisationScore    float64   `gorm:"type:decimal(5,4);not null"`
	PublishedAt          time.Time `gorm:"not null;index"`
	CreatedAt            time.Time `gorm:"autoCreateTime"`
}

// BeforeCreate assigns a UUID when one was not already set.
func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// TableName pins the table name regardless of gorm's pluralisation rules.
func (Entry) TableName() string { return "optimisation_audit_entries" }

// Trail records published optimisation results. A nil *gorm.DB makes every
// Record call a no-op, so the trail can be omitted entirely in
// environments without a Postgres instance.
type Trail struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New builds a Trail. db may be nil; logger defaults to a no-op zap logger.
func New(db *gorm.DB, logger *zap.Logger) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{db: db, logger: logger}
}

// Migrate creates or updates the audit table. Safe to call on every
// startup; it is a no-op when the trail has no database.
func (t *Trail) Migrate() error {
	if t.db == nil {
		return nil
	}
	return t.db.AutoMigrate(&Entry{})
}

// Record writes one summary row for a published result. Failures are
// logged and swallowed: a broken audit sink must never fail a dispatch
// operation or a live reroute.
func (t *Trail) Record(ctx context.Context, driverID string, result *domain.OptimisationResult, publishedAt time.Time) {
	if t.db == nil {
		return
	}

	entry := &Entry{
		DriverID:             driverID,
		StopCount:            len(result.OptimisedStops),
		TotalDistanceKM:      result.TotalDistanceKM,
		TotalDurationMinutes: result.TotalDurationMinutes,
		OptimisationScore:    result.OptimisationScore,
		PublishedAt:          publishedAt,
	}

	if err := t.db.WithContext(ctx).Create(entry).Error; err != nil {
		t.logger.Warn("audit trail write failed", zap.String("driver_id", driverID), zap.Error(err))
	}
}
