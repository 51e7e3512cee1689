package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/model"
)

var (
	ErrModalityNotFound     = apperr.New(apperr.ErrNotFound, "modality not found")
	ErrContrastTypeNotFound = apperr.New(apperr.ErrNotFound, "contrast type not found")
)

// LookupRepository manages a project-scoped vocabulary table, unique by (name, project).
type LookupRepository[T any] interface {
	Create(ctx context.Context, projectID int64, name string) (*T, error)
	ByID(ctx context.Context, projectID, id int64) (*T, error)
	ByName(ctx context.Context, projectID int64, name string) (*T, error)
	List(ctx context.Context, projectID int64) ([]*T, error)
	Delete(ctx context.Context, projectID, id int64) error
}

type lookupRepository[T any] struct {
	db       sqlx.ExtContext
	table    string
	notFound error
}

func NewModalityRepository(db sqlx.ExtContext) LookupRepository[model.Modality] {
	return &lookupRepository[model.Modality]{db: db, table: "modalities", notFound: ErrModalityNotFound}
}

func NewContrastTypeRepository(db sqlx.ExtContext) LookupRepository[model.ContrastType] {
	return &lookupRepository[model.ContrastType]{db: db, table: "contrast_types", notFound: ErrContrastTypeNotFound}
}

func (r *lookupRepository[T]) Create(ctx context.Context, projectID int64, name string) (*T, error) {
	entry := new(T)
	query := `INSERT INTO ` + r.table + ` (project_id, name) VALUES ($1, $2) RETURNING id, project_id, name`

	err := sqlx.GetContext(ctx, r.db, entry, query, projectID, name)
	if err != nil {
		return nil, mapInsertError(err)
	}

	return entry, nil
}

func (r *lookupRepository[T]) ByID(ctx context.Context, projectID, id int64) (*T, error) {
	entry := new(T)
	query := `SELECT id, project_id, name FROM ` + r.table + ` WHERE id = $1 AND project_id = $2`

	err := sqlx.GetContext(ctx, r.db, entry, query, id, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.notFound
	}
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (r *lookupRepository[T]) ByName(ctx context.Context, projectID int64, name string) (*T, error) {
	entry := new(T)
	query := `SELECT id, project_id, name FROM ` + r.table + ` WHERE name = $1 AND project_id = $2`

	err := sqlx.GetContext(ctx, r.db, entry, query, name, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.notFound
	}
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (r *lookupRepository[T]) List(ctx context.Context, projectID int64) ([]*T, error) {
	var entries []*T
	query := `SELECT id, project_id, name FROM ` + r.table + ` WHERE project_id = $1 ORDER BY name ASC`

	err := sqlx.SelectContext(ctx, r.db, &entries, query, projectID)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Delete removes the entry. Images referencing it keep existing with the reference cleared.
func (r *lookupRepository[T]) Delete(ctx context.Context, projectID, id int64) error {
	query := `DELETE FROM ` + r.table + ` WHERE id = $1 AND project_id = $2`

	result, err := r.db.ExecContext(ctx, query, id, projectID)
	if err != nil {
		return err
	}

	return expectRow(result, r.notFound)
}
