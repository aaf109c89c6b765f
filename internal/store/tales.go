package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// User Operations
// ============================================================================

// CreateUser inserts a user and sets its ID and creation time
func (s *Store) CreateUser(u *User) error {
	if u.Email == "" {
		return fmt.Errorf("user email is required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Created = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, first_name, last_name, created) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.FirstName, u.LastName, u.Created,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// EnsureUser returns the user with the given email, creating it if needed
func (s *Store) EnsureUser(email, firstName, lastName string) (*User, error) {
	u, err := s.GetUserByEmail(email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u = &User{Email: email, FirstName: firstName, LastName: lastName}
	if err := s.CreateUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(id string) (*User, error) {
	return s.queryUser(`SELECT id, email, first_name, last_name, created FROM users WHERE id = ?`, id)
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(email string) (*User, error) {
	return s.queryUser(`SELECT id, email, first_name, last_name, created FROM users WHERE email = ?`, email)
}

func (s *Store) queryUser(query, arg string) (*User, error) {
	u := &User{}
	err := s.db.QueryRow(query, arg).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// ============================================================================
// Tale Operations
// ============================================================================

// CreateTale inserts a tale and sets its ID and timestamps
func (s *Store) CreateTale(t *Tale) error {
	if t.Title == "" {
		return fmt.Errorf("tale title is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.Created, t.Updated = now, now
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode tale: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO tales (id, creator_id, doc, created, updated) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.CreatorID, string(doc), t.Created, t.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tale: %w", err)
	}
	return nil
}

// UpdateTale replaces a tale's stored document
func (s *Store) UpdateTale(t *Tale) error {
	t.Updated = time.Now().UTC()
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode tale: %w", err)
	}
	result, err := s.db.Exec(
		`UPDATE tales SET creator_id = ?, doc = ?, updated = ? WHERE id = ?`,
		t.CreatorID, string(doc), t.Updated, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tale: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("tale %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// GetTale retrieves a tale by ID
func (s *Store) GetTale(id string) (*Tale, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM tales WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tale %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query tale: %w", err)
	}
	t := &Tale{}
	if err := json.Unmarshal([]byte(doc), t); err != nil {
		return nil, fmt.Errorf("failed to decode tale: %w", err)
	}
	return t, nil
}

// ListTales returns all tales, newest first
func (s *Store) ListTales(limit int) ([]Tale, error) {
	query := `SELECT doc FROM tales ORDER BY created DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tales: %w", err)
	}
	defer rows.Close()

	var tales []Tale
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan tale: %w", err)
		}
		var t Tale
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, fmt.Errorf("failed to decode tale: %w", err)
		}
		tales = append(tales, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tales: %w", err)
	}
	return tales, nil
}

// ============================================================================
// Version Operations
// ============================================================================

// CreateVersion inserts a version snapshot of a tale
func (s *Store) CreateVersion(v *Version) error {
	if v.Name == "" {
		return fmt.Errorf("version name is required")
	}
	if _, err := s.GetTale(v.TaleID); err != nil {
		return err
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	v.Created, v.Updated = now, now
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode version: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO versions (id, tale_id, name, doc, created, updated) VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.TaleID, v.Name, string(doc), v.Created, v.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

// GetVersion retrieves a version by ID
func (s *Store) GetVersion(id string) (*Version, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM versions WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("version %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query version: %w", err)
	}
	v := &Version{}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return nil, fmt.Errorf("failed to decode version: %w", err)
	}
	return v, nil
}

// ListVersions returns a tale's versions, oldest first
func (s *Store) ListVersions(taleID string) ([]Version, error) {
	rows, err := s.db.Query(`SELECT doc FROM versions WHERE tale_id = ? ORDER BY created, name`, taleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		var v Version
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("failed to decode version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}
	return versions, nil
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun records a run of a version
func (s *Store) CreateRun(r *Run) error {
	if r.Name == "" {
		return fmt.Errorf("run name is required")
	}
	if _, err := s.GetVersion(r.VersionID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.Created, r.Updated = now, now
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, version_id, name, doc, created, updated) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.VersionID, r.Name, string(doc), r.Created, r.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRunStatus sets the status of a run
func (s *Store) UpdateRunStatus(id string, status RunStatus) error {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM runs WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to query run: %w", err)
	}
	var r Run
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return fmt.Errorf("failed to decode run: %w", err)
	}
	r.Status = status
	r.Updated = time.Now().UTC()
	encoded, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE runs SET doc = ?, updated = ? WHERE id = ?`,
		string(encoded), r.Updated, id); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// ListRuns returns the runs recorded against a version, oldest first
func (s *Store) ListRuns(versionID string) ([]Run, error) {
	rows, err := s.db.Query(`SELECT doc FROM runs WHERE version_id = ? ORDER BY created, name`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var r Run
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
