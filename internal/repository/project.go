package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/fieldmap"
	"github.com/issm/issm/internal/model"
)

var (
	ErrProjectNotFound = apperr.New(apperr.ErrNotFound, "project not found")
	ErrMemberNotFound  = apperr.New(apperr.ErrNotFound, "membership not found")
)

// ProjectColumns describes the columns a field map may touch on projects.
var ProjectColumns = []fieldmap.Column{
	{Name: "id", Table: "projects", Type: fieldmap.Int, PrimaryKey: true},
	{Name: "short_name", Table: "projects", Type: fieldmap.String, Immutable: true},
	{Name: "long_name", Table: "projects", Type: fieldmap.String},
	{Name: "description", Table: "projects", Type: fieldmap.String},
	{Name: "active", Table: "projects", Type: fieldmap.Bool},
	{Name: "insert_date", Table: "projects", Type: fieldmap.DateTime, Immutable: true},
}

type ProjectRepository interface {
	Create(ctx context.Context, project *model.Project) error
	ByID(ctx context.Context, id int64) (*model.Project, error)
	ByShortName(ctx context.Context, shortName string) (*model.Project, error)
	Projects(ctx context.Context) ([]*model.Project, error)
	ProjectsForUser(ctx context.Context, userID string) ([]*model.Project, error)
	Update(ctx context.Context, id int64, assignments []fieldmap.Assignment) error
	Delete(ctx context.Context, id int64) error

	Members(ctx context.Context, projectID int64) ([]model.ProjectMember, error)
	AddMember(ctx context.Context, member model.ProjectMember) error
	RemoveMember(ctx context.Context, member model.ProjectMember) error
}

type projectRepository struct {
	db sqlx.ExtContext
}

func NewProjectRepository(db sqlx.ExtContext) ProjectRepository {
	return &projectRepository{db: db}
}

func (r *projectRepository) Create(ctx context.Context, project *model.Project) error {
	if project.InsertDate.IsZero() {
		project.InsertDate = now()
	}

	query := `INSERT INTO projects (short_name, long_name, description, active, insert_date)
	          VALUES ($1, $2, $3, $4, $5) RETURNING id`

	err := r.db.QueryRowxContext(ctx, query,
		project.ShortName,
		project.LongName,
		project.Description,
		project.Active,
		project.InsertDate,
	).Scan(&project.ID)

	return mapInsertError(err)
}

func (r *projectRepository) ByID(ctx context.Context, id int64) (*model.Project, error) {
	project := &model.Project{}
	query := `SELECT id, short_name, long_name, description, active, insert_date FROM projects WHERE id = $1`

	err := sqlx.GetContext(ctx, r.db, project, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}

	return project, nil
}

func (r *projectRepository) ByShortName(ctx context.Context, shortName string) (*model.Project, error) {
	project := &model.Project{}
	query := `SELECT id, short_name, long_name, description, active, insert_date FROM projects WHERE short_name = $1`

	err := sqlx.GetContext(ctx, r.db, project, query, shortName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}

	return project, nil
}

func (r *projectRepository) Projects(ctx context.Context) ([]*model.Project, error) {
	var projects []*model.Project
	query := `SELECT id, short_name, long_name, description, active, insert_date FROM projects ORDER BY short_name ASC`

	err := sqlx.SelectContext(ctx, r.db, &projects, query)
	if err != nil {
		return nil, err
	}

	return projects, nil
}

// ProjectsForUser returns the projects userID holds any role in
func (r *projectRepository) ProjectsForUser(ctx context.Context, userID string) ([]*model.Project, error) {
	var projects []*model.Project
	query := `SELECT p.id, p.short_name, p.long_name, p.description, p.active, p.insert_date
	          FROM projects p
	          WHERE EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = $1)
	          ORDER BY p.short_name ASC`

	err := sqlx.SelectContext(ctx, r.db, &projects, query, userID)
	if err != nil {
		return nil, err
	}

	return projects, nil
}

func (r *projectRepository) Update(ctx context.Context, id int64, assignments []fieldmap.Assignment) error {
	updated, err := updateColumns(ctx, r.db, "projects", id, assignments, ErrProjectNotFound)
	if err != nil || updated {
		return err
	}

	// Nothing to change, still report unknown ids
	_, err = r.ByID(ctx, id)
	return err
}

// Delete removes the project row. Every owned row goes with it through foreign key cascades.
func (r *projectRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}

	return expectRow(result, ErrProjectNotFound)
}

func (r *projectRepository) Members(ctx context.Context, projectID int64) ([]model.ProjectMember, error) {
	var members []model.ProjectMember
	query := `SELECT project_id, user_id, role FROM project_members WHERE project_id = $1 ORDER BY user_id, role`

	err := sqlx.SelectContext(ctx, r.db, &members, query, projectID)
	if err != nil {
		return nil, err
	}

	return members, nil
}

// AddMember grants a role. Granting a role twice is not an error.
func (r *projectRepository) AddMember(ctx context.Context, member model.ProjectMember) error {
	query := `INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)`

	_, err := r.db.ExecContext(ctx, query, member.ProjectID, member.UserID, member.Role)
	if isUniqueViolation(err) {
		return nil
	}

	return err
}

func (r *projectRepository) RemoveMember(ctx context.Context, member model.ProjectMember) error {
	query := `DELETE FROM project_members WHERE project_id = $1 AND user_id = $2 AND role = $3`

	result, err := r.db.ExecContext(ctx, query, member.ProjectID, member.UserID, member.Role)
	if err != nil {
		return err
	}

	return expectRow(result, ErrMemberNotFound)
}
