package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"marginloan/native/margin"
	"marginloan/native/oracle"
)

// Outcome labels for journal rows.
const (
	OutcomeSuccess    = "success"
	OutcomeRejected   = "rejected"
	OutcomeDeficiency = "deficiency"
)

// Operation is one audited mutating API call.
type Operation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	LoanID    string    `gorm:"size:128;index"`
	Op        string    `gorm:"size:32;index"`
	Caller    string    `gorm:"size:96;index"`
	Asset     string    `gorm:"size:32"`
	Amount    string    `gorm:"size:96"`
	Outcome   string    `gorm:"size:16;index"`
	Error     string    `gorm:"size:512"`
	CreatedAt time.Time `gorm:"index"`
}

// RateQuote is one accepted posted rate.
type RateQuote struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Asset     string    `gorm:"size:32;index"`
	Source    string    `gorm:"size:64"`
	Rate      string    `gorm:"size:96"`
	QuotedAt  time.Time `gorm:"index"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Operation{}, &RateQuote{})
}

// Journal appends audit rows and rate history to a SQL database.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn, choosing Postgres for postgres:// URLs and SQLite
// otherwise, and migrates the schema.
func Open(dsn string) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("journal: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return New(db), nil
}

// New wraps an already migrated database handle.
func New(db *gorm.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Entry describes an operation to audit.
type Entry struct {
	LoanID  string
	Op      string
	Caller  string
	Asset   string
	Amount  string
	Outcome string
	Err     error
}

// Record appends an operation row.
func (j *Journal) Record(ctx context.Context, entry Entry) error {
	row := Operation{
		ID:        uuid.New(),
		LoanID:    entry.LoanID,
		Op:        entry.Op,
		Caller:    entry.Caller,
		Asset:     entry.Asset,
		Amount:    entry.Amount,
		Outcome:   entry.Outcome,
		CreatedAt: j.now().UTC(),
	}
	if row.Outcome == "" {
		row.Outcome = OutcomeSuccess
	}
	if entry.Err != nil {
		row.Error = truncate(entry.Err.Error(), 512)
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("journal: record %s: %w", entry.Op, err)
	}
	return nil
}

// Operations lists the most recent rows for loanID, newest first. A
// non-positive limit defaults to 100.
func (j *Journal) Operations(ctx context.Context, loanID string, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []Operation
	err := j.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list operations: %w", err)
	}
	return rows, nil
}

// RecordQuote implements oracle.History.
func (j *Journal) RecordQuote(ctx context.Context, q oracle.Quote) error {
	if q.Rate == nil {
		return errors.New("journal: quote without rate")
	}
	row := RateQuote{
		ID:        uuid.New(),
		Asset:     q.Asset.String(),
		Source:    q.Source,
		Rate:      q.Rate.Dec(),
		QuotedAt:  q.Time.UTC(),
		CreatedAt: j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("journal: record quote %s: %w", q.Asset, err)
	}
	return nil
}

// LatestQuotes returns the newest stored quote for every asset and source.
func (j *Journal) LatestQuotes(ctx context.Context) ([]oracle.Quote, error) {
	var rows []RateQuote
	if err := j.db.WithContext(ctx).Order("quoted_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: load quotes: %w", err)
	}
	type key struct{ asset, source string }
	latest := make(map[key]int)
	order := make([]key, 0)
	for i, row := range rows {
		k := key{row.Asset, row.Source}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = i
	}
	out := make([]oracle.Quote, 0, len(order))
	for _, k := range order {
		row := rows[latest[k]]
		rate, err := uint256.FromDecimal(row.Rate)
		if err != nil {
			return nil, fmt.Errorf("journal: decode rate for %s: %w", row.Asset, err)
		}
		out = append(out, oracle.Quote{
			Asset:  margin.AssetID(row.Asset),
			Rate:   rate,
			Source: row.Source,
			Time:   row.QuotedAt,
		})
	}
	return out, nil
}

// Replay restores the newest stored quotes into book.
func (j *Journal) Replay(ctx context.Context, book *oracle.Posted) (int, error) {
	quotes, err := j.LatestQuotes(ctx)
	if err != nil {
		return 0, err
	}
	for _, q := range quotes {
		book.Restore(q)
	}
	return len(quotes), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
