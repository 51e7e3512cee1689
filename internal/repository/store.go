package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/fieldmap"
	"github.com/issm/issm/internal/model"
)

// ErrDuplicate reports a unique constraint violation
var ErrDuplicate = apperr.New(apperr.ErrDuplicateArtifact, "entry already exists")

// Repositories bundles every repository bound to one connection or transaction.
type Repositories struct {
	Projects               ProjectRepository
	Modalities             LookupRepository[model.Modality]
	ContrastTypes          LookupRepository[model.ContrastType]
	Images                 ImageRepository
	ManualSegmentations    ManualSegmentationRepository
	Messages               MessageRepository
	Models                 ModelRepository
	AutomaticSegmentations AutomaticSegmentationRepository
}

func newRepositories(db sqlx.ExtContext) *Repositories {
	return &Repositories{
		Projects:               NewProjectRepository(db),
		Modalities:             NewModalityRepository(db),
		ContrastTypes:          NewContrastTypeRepository(db),
		Images:                 NewImageRepository(db),
		ManualSegmentations:    NewManualSegmentationRepository(db),
		Messages:               NewMessageRepository(db),
		Models:                 NewModelRepository(db),
		AutomaticSegmentations: NewAutomaticSegmentationRepository(db),
	}
}

// Store hands out repositories on the shared pool and runs transactions.
type Store struct {
	*Repositories
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{Repositories: newRepositories(db), db: db}
}

// InTx runs fn with repositories bound to one transaction. The transaction
// commits only if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Repositories) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = fn(newRepositories(tx))
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(sqliteErr.Error(), "UNIQUE")
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func mapInsertError(err error) error {
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// args collects positional parameters and hands out their placeholders.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func now() time.Time {
	return time.Now().UTC()
}

// expectRow turns a zero-row result into notFound.
func expectRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// updateColumns applies the assignments that target table to the row with id.
// It reports whether a statement was executed.
func updateColumns(ctx context.Context, db sqlx.ExecerContext, table string, id int64, assignments []fieldmap.Assignment, notFound error) (bool, error) {
	var a args
	var set []string
	for _, asg := range assignments {
		if asg.Column.Table != table {
			continue
		}
		set = append(set, asg.Column.Name+" = "+a.add(asg.Value))
	}
	if len(set) == 0 {
		return false, nil
	}

	query := `UPDATE ` + table + ` SET ` + strings.Join(set, ", ") + ` WHERE id = ` + a.add(id)
	result, err := db.ExecContext(ctx, query, a...)
	if err != nil {
		return false, mapInsertError(err)
	}
	return true, expectRow(result, notFound)
}

// escapeLike quotes the LIKE wildcards in s. Queries use ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
