// Package projectstore is a small persistence service for local use: users,
// projects, membership and file trees in SQLite, served over the same HTTP
// API the session client speaks.
package projectstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/protocol"
)

var (
	// ErrNotFound means the user or project does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a unique value is already taken.
	ErrConflict = errors.New("already exists")
	// ErrForbidden means the caller lacks the right for the operation.
	ErrForbidden = errors.New("forbidden")
)

// Database handles SQLite operations for the project store
type Database struct {
	db     *sql.DB
	dbPath string
}

// NewDatabase opens (and creates if needed) the database at dbPath.
// ":memory:" gives a private in-memory database.
func NewDatabase(dbPath string) (*Database, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps :memory: databases intact and serializes writers
	db.SetMaxOpenConns(1)

	database := &Database{db: db, dbPath: dbPath}
	if err := database.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		token TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		file_tree TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS project_users (
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (project_id, user_id),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_project_users_user ON project_users(user_id);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RegisterUser returns the user with email, creating it with a fresh token
// when it does not exist yet.
func (d *Database) RegisterUser(ctx context.Context, email string) (protocol.Participant, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return protocol.Participant{}, "", fmt.Errorf("email is required")
	}

	var id, token string
	err := d.db.QueryRowContext(ctx, `SELECT id, token FROM users WHERE email = ?`, email).Scan(&id, &token)
	if err == nil {
		return protocol.Participant{ID: id, Email: email}, token, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return protocol.Participant{}, "", fmt.Errorf("failed to look up user: %w", err)
	}

	id, token = uuid.NewString(), uuid.NewString()
	if _, err := d.db.ExecContext(ctx, `INSERT INTO users (id, email, token) VALUES (?, ?, ?)`, id, email, token); err != nil {
		return protocol.Participant{}, "", fmt.Errorf("failed to create user: %w", err)
	}
	return protocol.Participant{ID: id, Email: email}, token, nil
}

// UserByToken resolves a bearer token.
func (d *Database) UserByToken(ctx context.Context, token string) (protocol.Participant, error) {
	var p protocol.Participant
	err := d.db.QueryRowContext(ctx, `SELECT id, email FROM users WHERE token = ?`, token).Scan(&p.ID, &p.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to look up token: %w", err)
	}
	return p, nil
}

// AllUsers lists every user except the one with id except.
func (d *Database) AllUsers(ctx context.Context, except string) ([]protocol.Participant, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, email FROM users WHERE id != ? ORDER BY email`, except)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []protocol.Participant{}
	for rows.Next() {
		var p protocol.Participant
		if err := rows.Scan(&p.ID, &p.Email); err != nil {
			return nil, err
		}
		users = append(users, p)
	}
	return users, rows.Err()
}

// CreateProject creates a project with owner as its first and only member.
func (d *Database) CreateProject(ctx context.Context, name string, owner protocol.Participant) (protocol.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return protocol.Project{}, fmt.Errorf("project name is required")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Project{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE name = ?`, name).Scan(&exists); err != nil {
		return protocol.Project{}, err
	}
	if exists > 0 {
		return protocol.Project{}, fmt.Errorf("project %q: %w", name, ErrConflict)
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name) VALUES (?, ?)`, id, name); err != nil {
		return protocol.Project{}, fmt.Errorf("failed to create project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO project_users (project_id, user_id, position) VALUES (?, ?, 0)`, id, owner.ID); err != nil {
		return protocol.Project{}, fmt.Errorf("failed to add owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return protocol.Project{}, err
	}

	return protocol.Project{ID: id, Name: name, Users: []protocol.Participant{owner}, FileTree: filetree.Tree{}}, nil
}

// GetProject loads a project with its members in position order.
func (d *Database) GetProject(ctx context.Context, id string) (protocol.Project, error) {
	var (
		p   = protocol.Project{ID: id}
		raw string
	)
	err := d.db.QueryRowContext(ctx, `SELECT name, file_tree FROM projects WHERE id = ?`, id).Scan(&p.Name, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("failed to load project: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &p.FileTree); err != nil {
		return p, fmt.Errorf("project %s has a corrupt file tree: %w", id, err)
	}

	users, err := d.members(ctx, id)
	if err != nil {
		return p, err
	}
	p.Users = users
	return p, nil
}

// ProjectsFor lists the projects userID is a member of, without file trees.
func (d *Database) ProjectsFor(ctx context.Context, userID string) ([]protocol.Project, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT p.id, p.name FROM projects p
		JOIN project_users pu ON pu.project_id = p.id
		WHERE pu.user_id = ?
		ORDER BY p.created_at, p.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []protocol.Project{}
	for rows.Next() {
		var p protocol.Project
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range projects {
		users, err := d.members(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		// listings carry bare ids
		for j := range users {
			users[j].Email = ""
		}
		projects[i].Users = users
	}
	return projects, nil
}

// UpdateFileTree stores tree as the project's file tree.
func (d *Database) UpdateFileTree(ctx context.Context, id string, tree filetree.Tree) error {
	if tree == nil {
		tree = filetree.Tree{}
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, `UPDATE projects SET file_tree = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("failed to update file tree: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddUsers appends members after the existing ones. Current members are
// skipped; unknown user ids fail the whole call.
func (d *Database) AddUsers(ctx context.Context, projectID string, userIDs []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM project_users WHERE project_id = ?`, projectID).Scan(&next); err != nil {
		return err
	}

	for _, uid := range userIDs {
		var known int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, uid).Scan(&known); err != nil {
			return err
		}
		if known == 0 {
			return fmt.Errorf("user %s: %w", uid, ErrNotFound)
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO project_users (project_id, user_id, position) VALUES (?, ?, ?)`, projectID, uid, next)
		if err != nil {
			return fmt.Errorf("failed to add user: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			next++
		}
	}
	return tx.Commit()
}

// RemoveUsers removes members. Positions of the remaining members keep their
// order, so the owner stays first.
func (d *Database) RemoveUsers(ctx context.Context, projectID string, userIDs []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM project_users WHERE project_id = ? AND user_id = ?`, projectID, uid); err != nil {
			return fmt.Errorf("failed to remove user: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteProject removes a project and its memberships.
func (d *Database) DeleteProject(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

func (d *Database) members(ctx context.Context, projectID string) ([]protocol.Participant, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT u.id, u.email FROM project_users pu
		JOIN users u ON u.id = pu.user_id
		WHERE pu.project_id = ?
		ORDER BY pu.position`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	defer rows.Close()

	users := []protocol.Participant{}
	for rows.Next() {
		var p protocol.Participant
		if err := rows.Scan(&p.ID, &p.Email); err != nil {
			return nil, err
		}
		users = append(users, p)
	}
	return users, rows.Err()
}
