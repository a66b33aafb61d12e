// Package report stores user reports and blocks. A report records who
// reported whom, optionally pinned to the event that prompted it, for
// moderator review. A block hides a user: the conversation service refuses
// direct messages between a blocked pair in either direction.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/topic"
)

// MaxNotesChars bounds the free-text notes on a report.
const MaxNotesChars = 1000

// validReasons matches the CHECK constraint on the reports table.
var validReasons = map[string]bool{
	"spam":          true,
	"harassment":    true,
	"inappropriate": true,
	"other":         true,
}

// Report is one user report.
type Report struct {
	ID         string    `json:"id"`
	ReporterID string    `json:"reporter_id"`
	ReportedID string    `json:"reported_user_id"`
	Topic      string    `json:"topic,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	Reason     string    `json:"reason"`
	Notes      string    `json:"notes,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists reports and blocks.
type Store interface {
	Create(ctx context.Context, r Report) (Report, error)
	// CountRecent returns how many reports were filed against userID
	// within window.
	CountRecent(ctx context.Context, userID string, window time.Duration) (int, error)
	Block(ctx context.Context, userID, blockedID string) error
	Unblock(ctx context.Context, userID, blockedID string) error
	// Blocked reports whether either user has blocked the other.
	Blocked(ctx context.Context, a, b string) (bool, error)
}

func validate(r *Report) error {
	r.Notes = strings.TrimSpace(r.Notes)
	switch {
	case r.ReporterID == "" || r.ReportedID == "":
		return errs.Reject(errs.ReasonInvalidPayload, "reporter and reported user are required")
	case r.ReporterID == r.ReportedID:
		return errs.Reject(errs.ReasonInvalidPayload, "cannot report yourself")
	case !validReasons[r.Reason]:
		return errs.Reject(errs.ReasonInvalidPayload, "invalid reason %q", r.Reason)
	case len([]rune(r.Notes)) > MaxNotesChars:
		return errs.Reject(errs.ReasonInvalidPayload, "notes exceed %d characters", MaxNotesChars)
	}
	if r.Topic != "" {
		if _, err := topic.Parse(r.Topic); err != nil {
			return errs.Reject(errs.ReasonInvalidPayload, "invalid topic %q", r.Topic)
		}
	}
	if r.EventID != "" {
		if _, err := uuid.Parse(r.EventID); err != nil {
			return errs.Reject(errs.ReasonInvalidPayload, "invalid event id %q", r.EventID)
		}
	}
	return nil
}

func validateBlock(userID, blockedID string) error {
	if userID == "" || blockedID == "" {
		return errs.Reject(errs.ReasonInvalidPayload, "missing user")
	}
	if userID == blockedID {
		return errs.Reject(errs.ReasonInvalidPayload, "cannot block yourself")
	}
	return nil
}

// PostgresStore manages reports and blocks in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an already migrated database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, r Report) (Report, error) {
	if err := validate(&r); err != nil {
		return Report{}, err
	}
	r.ID = uuid.New().String()
	r.Status = "pending"

	const query = `
		INSERT INTO reports (id, reporter_id, reported_user_id, topic, event_id, reason, notes)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, '')::uuid, $6, $7)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		r.ID, r.ReporterID, r.ReportedID, r.Topic, r.EventID, r.Reason, r.Notes,
	).Scan(&r.CreatedAt)
	if err != nil {
		return Report{}, fmt.Errorf("report: insert: %w", errs.Transient(err))
	}
	return r, nil
}

// CountRecent implements Store.
func (s *PostgresStore) CountRecent(ctx context.Context, userID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE reported_user_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, userID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", errs.Transient(err))
	}
	return count, nil
}

// Block implements Store. Blocking twice is a no-op.
func (s *PostgresStore) Block(ctx context.Context, userID, blockedID string) error {
	if err := validateBlock(userID, blockedID); err != nil {
		return err
	}
	const query = `
		INSERT INTO blocks (user_id, blocked_user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, userID, blockedID); err != nil {
		return fmt.Errorf("report: block: %w", errs.Transient(err))
	}
	return nil
}

// Unblock implements Store.
func (s *PostgresStore) Unblock(ctx context.Context, userID, blockedID string) error {
	const query = `DELETE FROM blocks WHERE user_id = $1 AND blocked_user_id = $2`
	if _, err := s.db.ExecContext(ctx, query, userID, blockedID); err != nil {
		return fmt.Errorf("report: unblock: %w", errs.Transient(err))
	}
	return nil
}

// Blocked implements Store.
func (s *PostgresStore) Blocked(ctx context.Context, a, b string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (user_id = $1 AND blocked_user_id = $2)
			   OR (user_id = $2 AND blocked_user_id = $1))`

	var blocked bool
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&blocked); err != nil {
		return false, fmt.Errorf("report: blocked: %w", errs.Transient(err))
	}
	return blocked, nil
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	reports []Report
	blocks  map[[2]string]bool
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[[2]string]bool), now: time.Now}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, r Report) (Report, error) {
	if err := validate(&r); err != nil {
		return Report{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.New().String()
	r.Status = "pending"
	r.CreatedAt = s.now().UTC()
	s.reports = append(s.reports, r)
	return r, nil
}

// CountRecent implements Store.
func (s *MemoryStore) CountRecent(_ context.Context, userID string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().Add(-window)
	count := 0
	for _, r := range s.reports {
		if r.ReportedID == userID && !r.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// Block implements Store.
func (s *MemoryStore) Block(_ context.Context, userID, blockedID string) error {
	if err := validateBlock(userID, blockedID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[[2]string{userID, blockedID}] = true
	return nil
}

// Unblock implements Store.
func (s *MemoryStore) Unblock(_ context.Context, userID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, [2]string{userID, blockedID})
	return nil
}

// Blocked implements Store.
func (s *MemoryStore) Blocked(_ context.Context, a, b string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[[2]string{a, b}] || s.blocks[[2]string{b, a}], nil
}
