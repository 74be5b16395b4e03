package db

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// -----------------------------------------------------------------------------
// Project Methods
// -----------------------------------------------------------------------------

// CreateProject inserts a project owned by ownerID.
func (db *DB) CreateProject(ctx context.Context, ownerID uuid.UUID, name, description string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("project name cannot be empty")
	}

	var p Project
	err := db.pool.QueryRow(ctx,
		`INSERT INTO projects (owner_id, name, description)
		 VALUES ($1, $2, $3)
		 RETURNING id, owner_id, name, description, created_at, updated_at`,
		ownerID, name, description,
	).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return &p, nil
}

// GetProject returns the project only when ownerID owns it; otherwise nil.
func (db *DB) GetProject(ctx context.Context, projectID, ownerID uuid.UUID) (*Project, error) {
	var p Project
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, description, created_at, updated_at
		 FROM projects WHERE id = $1 AND owner_id = $2`,
		projectID, ownerID,
	).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns the projects owned by ownerID, most recently updated first.
func (db *DB) ListProjects(ctx context.Context, ownerID uuid.UUID) ([]Project, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, name, description, created_at, updated_at
		 FROM projects WHERE owner_id = $1
		 ORDER BY updated_at DESC, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject applies the non-nil fields of update. It returns nil when
// ownerID does not own the project.
func (db *DB) UpdateProject(ctx context.Context, projectID, ownerID uuid.UUID, update ProjectUpdate) (*Project, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, fmt.Errorf("project name cannot be empty")
	}

	var p Project
	err := db.pool.QueryRow(ctx,
		`UPDATE projects SET
		     name = COALESCE($3, name),
		     description = COALESCE($4, description),
		     updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2
		 RETURNING id, owner_id, name, description, created_at, updated_at`,
		projectID, ownerID, trimmed(update.Name), update.Description,
	).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return &p, nil
}

// DeleteProject removes a project and its files. It reports false when
// ownerID does not own the project.
func (db *DB) DeleteProject(ctx context.Context, projectID, ownerID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM projects WHERE id = $1 AND owner_id = $2`,
		projectID, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete project: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

// UpdateProjectDescription replaces a project's description.
func (db *DB) UpdateProjectDescription(ctx context.Context, projectID uuid.UUID, description string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE projects SET description = $2, updated_at = NOW() WHERE id = $1`,
		projectID, description,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// File Methods
// -----------------------------------------------------------------------------

// UpsertFile creates the file at path or overwrites its content.
func (db *DB) UpsertFile(ctx context.Context, projectID uuid.UUID, filePath, content, language string) error {
	if language == "" {
		language = "text"
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO files (project_id, name, path, content, language)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, path) DO UPDATE SET
		     content = EXCLUDED.content,
		     language = EXCLUDED.language,
		     updated_at = NOW()`,
		projectID, path.Base(filePath), filePath, content, language,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", filePath, err)
	}
	return nil
}

// ListFiles returns a project's files ordered by path.
func (db *DB) ListFiles(ctx context.Context, projectID uuid.UUID) ([]File, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, name, path, content, language, created_at, updated_at
		 FROM files WHERE project_id = $1 ORDER BY path`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &f.Path, &f.Content, &f.Language, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
