// Package group stores group chats and their members. Membership gates who
// may read and write a group topic; the group's admin manages the roster.
package group

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mystify/realtime/internal/errs"
)

// MaxNameChars bounds a group name.
const MaxNameChars = 80

// Group is one group chat.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AdminID   string    `json:"admin_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is one seat in a group.
type Member struct {
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Store persists groups and their members.
type Store interface {
	// Create stores g with the admin and members seated. An empty ID is
	// assigned.
	Create(ctx context.Context, g Group, members []string) (Group, error)
	Get(ctx context.Context, groupID string) (Group, error)
	// Delete removes the group and its roster.
	Delete(ctx context.Context, groupID string) error
	// AddMembers seats users and returns the ones that were not seated yet.
	AddMembers(ctx context.Context, groupID string, userIDs []string) ([]string, error)
	// RemoveMember reports whether userID held a seat.
	RemoveMember(ctx context.Context, groupID, userID string) (bool, error)
	Members(ctx context.Context, groupID string) ([]Member, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

func validate(g *Group) error {
	g.Name = strings.TrimSpace(g.Name)
	switch {
	case g.AdminID == "":
		return errs.Reject(errs.ReasonInvalidPayload, "missing admin")
	case g.Name == "":
		return errs.Reject(errs.ReasonInvalidPayload, "group name is required")
	case len([]rune(g.Name)) > MaxNameChars:
		return errs.Reject(errs.ReasonInvalidPayload, "group name exceeds %d characters", MaxNameChars)
	case strings.Contains(g.ID, ":"):
		return errs.Reject(errs.ReasonInvalidPayload, "group id must not contain ':'")
	}
	return nil
}

// roster dedups users, drops blanks and keeps the admin first.
func roster(adminID string, users []string) []string {
	seen := map[string]bool{adminID: true}
	out := []string{adminID}
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func uniqueUsers(users []string) []string {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func notFound(groupID string) error {
	return fmt.Errorf("group: %s: %w", groupID, errs.ErrNotFound)
}

// PostgresStore keeps groups in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an already migrated database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, g Group, members []string) (Group, error) {
	if err := validate(&g); err != nil {
		return Group{}, err
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Group{}, fmt.Errorf("group: create: %w", errs.Transient(err))
	}
	defer tx.Rollback()

	const insertGroup = `
		INSERT INTO groups (id, name, admin_id) VALUES ($1, $2, $3)
		RETURNING created_at`
	if err := tx.QueryRowContext(ctx, insertGroup, g.ID, g.Name, g.AdminID).Scan(&g.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Group{}, fmt.Errorf("group: %s exists: %w", g.ID, errs.ErrConflict)
		}
		return Group{}, fmt.Errorf("group: create: %w", errs.Transient(err))
	}

	const insertMembers = `
		INSERT INTO group_members (group_id, user_id)
		SELECT $1, unnest($2::text[])`
	if _, err := tx.ExecContext(ctx, insertMembers, g.ID, pq.Array(roster(g.AdminID, members))); err != nil {
		return Group{}, fmt.Errorf("group: seat members: %w", errs.Transient(err))
	}
	if err := tx.Commit(); err != nil {
		return Group{}, fmt.Errorf("group: create: %w", errs.Transient(err))
	}
	return g, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, groupID string) (Group, error) {
	const query = `SELECT id, name, admin_id, created_at FROM groups WHERE id = $1`
	var g Group
	err := s.db.QueryRowContext(ctx, query, groupID).Scan(&g.ID, &g.Name, &g.AdminID, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, notFound(groupID)
	}
	if err != nil {
		return Group{}, fmt.Errorf("group: get: %w", errs.Transient(err))
	}
	return g, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, groupID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("group: delete: %w", errs.Transient(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(groupID)
	}
	return nil
}

// AddMembers implements Store.
func (s *PostgresStore) AddMembers(ctx context.Context, groupID string, userIDs []string) ([]string, error) {
	users := uniqueUsers(userIDs)
	if len(users) == 0 {
		return nil, nil
	}
	if _, err := s.Get(ctx, groupID); err != nil {
		return nil, err
	}

	const query = `
		INSERT INTO group_members (group_id, user_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
		RETURNING user_id`
	rows, err := s.db.QueryContext(ctx, query, groupID, pq.Array(users))
	if err != nil {
		return nil, fmt.Errorf("group: add members: %w", errs.Transient(err))
	}
	defer rows.Close()

	var added []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("group: add members: %w", errs.Transient(err))
		}
		added = append(added, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group: add members: %w", errs.Transient(err))
	}
	sort.Strings(added)
	return added, nil
}

// RemoveMember implements Store.
func (s *PostgresStore) RemoveMember(ctx context.Context, groupID, userID string) (bool, error) {
	const query = `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`
	res, err := s.db.ExecContext(ctx, query, groupID, userID)
	if err != nil {
		return false, fmt.Errorf("group: remove member: %w", errs.Transient(err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Members implements Store.
func (s *PostgresStore) Members(ctx context.Context, groupID string) ([]Member, error) {
	if _, err := s.Get(ctx, groupID); err != nil {
		return nil, err
	}
	const query = `
		SELECT group_id, user_id, joined_at FROM group_members
		WHERE group_id = $1
		ORDER BY joined_at, user_id`
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("group: members: %w", errs.Transient(err))
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("group: members: %w", errs.Transient(err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group: members: %w", errs.Transient(err))
	}
	return out, nil
}

// IsMember implements Store.
func (s *PostgresStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, groupID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("group: is member: %w", errs.Transient(err))
	}
	return ok, nil
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	groups  map[string]Group
	members map[string]map[string]time.Time // group id -> user -> joined at
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:  make(map[string]Group),
		members: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, g Group, members []string) (Group, error) {
	if err := validate(&g); err != nil {
		return Group{}, err
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return Group{}, fmt.Errorf("group: %s exists: %w", g.ID, errs.ErrConflict)
	}
	g.CreatedAt = s.now().UTC()
	s.groups[g.ID] = g
	seats := make(map[string]time.Time)
	for _, u := range roster(g.AdminID, members) {
		seats[u] = g.CreatedAt
	}
	s.members[g.ID] = seats
	return g, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, groupID string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, notFound(groupID)
	}
	return g, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return notFound(groupID)
	}
	delete(s.groups, groupID)
	delete(s.members, groupID)
	return nil
}

// AddMembers implements Store.
func (s *MemoryStore) AddMembers(_ context.Context, groupID string, userIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seats, ok := s.members[groupID]
	if !ok {
		return nil, notFound(groupID)
	}
	var added []string
	now := s.now().UTC()
	for _, u := range uniqueUsers(userIDs) {
		if _, seated := seats[u]; !seated {
			seats[u] = now
			added = append(added, u)
		}
	}
	sort.Strings(added)
	return added, nil
}

// RemoveMember implements Store.
func (s *MemoryStore) RemoveMember(_ context.Context, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seats := s.members[groupID]
	if _, ok := seats[userID]; !ok {
		return false, nil
	}
	delete(seats, userID)
	return true, nil
}

// Members implements Store.
func (s *MemoryStore) Members(_ context.Context, groupID string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seats, ok := s.members[groupID]
	if !ok {
		return nil, notFound(groupID)
	}
	out := make([]Member, 0, len(seats))
	for u, at := range seats {
		out = append(out, Member{GroupID: groupID, UserID: u, JoinedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// IsMember implements Store.
func (s *MemoryStore) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[groupID][userID]
	return ok, nil
}
