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
	ErrModelNotFound                 = apperr.New(apperr.ErrNotFound, "segmentation model not found")
	ErrAutomaticSegmentationNotFound = apperr.New(apperr.ErrNotFound, "automatic segmentation not found")
)

type ModelRepository interface {
	Create(ctx context.Context, m *model.AutomaticSegmentationModel) error
	ByID(ctx context.Context, id int64) (*model.AutomaticSegmentationModel, error)
	Models(ctx context.Context, projectID int64) ([]*model.AutomaticSegmentationModel, error)
	// Delete removes the model and the automatic segmentations it produced
	Delete(ctx context.Context, id int64) error
}

type modelRepository struct {
	db sqlx.ExtContext
}

func NewModelRepository(db sqlx.ExtContext) ModelRepository {
	return &modelRepository{db: db}
}

func (r *modelRepository) Create(ctx context.Context, m *model.AutomaticSegmentationModel) error {
	if m.InsertDate.IsZero() {
		m.InsertDate = now()
	}

	query := `INSERT INTO automatic_segmentation_models (project_id, name, description, insert_date)
	          VALUES ($1, $2, $3, $4) RETURNING id`

	return r.db.QueryRowxContext(ctx, query, m.ProjectID, m.Name, m.Description, m.InsertDate).Scan(&m.ID)
}

func (r *modelRepository) ByID(ctx context.Context, id int64) (*model.AutomaticSegmentationModel, error) {
	m := &model.AutomaticSegmentationModel{}
	query := `SELECT id, project_id, name, description, insert_date FROM automatic_segmentation_models WHERE id = $1`

	err := sqlx.GetContext(ctx, r.db, m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (r *modelRepository) Models(ctx context.Context, projectID int64) ([]*model.AutomaticSegmentationModel, error) {
	var models []*model.AutomaticSegmentationModel
	query := `SELECT id, project_id, name, description, insert_date FROM automatic_segmentation_models
	          WHERE project_id = $1 ORDER BY insert_date ASC, id ASC`

	err := sqlx.SelectContext(ctx, r.db, &models, query, projectID)
	if err != nil {
		return nil, err
	}

	return models, nil
}

func (r *modelRepository) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM data_pool_objects WHERE id IN (SELECT id FROM automatic_segmentations WHERE model_id = $1)`

	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM automatic_segmentation_models WHERE id = $1`, id)
	if err != nil {
		return err
	}

	return expectRow(result, ErrModelNotFound)
}

const automaticSelect = `SELECT o.id, o.project_id, o.kind, o.name, o.insert_date, o.last_updated, a.image_id, a.model_id
	FROM data_pool_objects o JOIN automatic_segmentations a ON a.id = o.id`

type AutomaticSegmentationRepository interface {
	// Create fails with ErrDuplicate when the image already has a segmentation from the model
	Create(ctx context.Context, seg *model.AutomaticSegmentation) error
	ByID(ctx context.Context, id int64) (*model.AutomaticSegmentation, error)
	ByImage(ctx context.Context, imageID int64) ([]*model.AutomaticSegmentation, error)
	ByModel(ctx context.Context, modelID int64) ([]*model.AutomaticSegmentation, error)
	ByProject(ctx context.Context, projectID int64) ([]*model.AutomaticSegmentation, error)
	Entries(ctx context.Context, imageID int64) ([]model.AutomaticSegmentationEntry, error)
	Delete(ctx context.Context, id int64) error
}

type automaticSegmentationRepository struct {
	db sqlx.ExtContext
}

func NewAutomaticSegmentationRepository(db sqlx.ExtContext) AutomaticSegmentationRepository {
	return &automaticSegmentationRepository{db: db}
}

func (r *automaticSegmentationRepository) Create(ctx context.Context, seg *model.AutomaticSegmentation) error {
	seg.Kind = model.KindAutomaticSegmentation
	err := insertBase(ctx, r.db, &seg.DataPoolObject)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO automatic_segmentations (id, image_id, model_id) VALUES ($1, $2, $3)`,
		seg.ID, seg.ImageID, seg.ModelID)
	if err != nil {
		seg.ID = 0
		return mapInsertError(err)
	}

	return nil
}

func (r *automaticSegmentationRepository) ByID(ctx context.Context, id int64) (*model.AutomaticSegmentation, error) {
	seg := &model.AutomaticSegmentation{}

	err := sqlx.GetContext(ctx, r.db, seg, automaticSelect+` WHERE o.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAutomaticSegmentationNotFound
	}
	if err != nil {
		return nil, err
	}

	return seg, nil
}

func (r *automaticSegmentationRepository) ByImage(ctx context.Context, imageID int64) ([]*model.AutomaticSegmentation, error) {
	return r.list(ctx, automaticSelect+` WHERE a.image_id = $1 ORDER BY o.id`, imageID)
}

func (r *automaticSegmentationRepository) ByModel(ctx context.Context, modelID int64) ([]*model.AutomaticSegmentation, error) {
	return r.list(ctx, automaticSelect+` WHERE a.model_id = $1 ORDER BY o.id`, modelID)
}

func (r *automaticSegmentationRepository) ByProject(ctx context.Context, projectID int64) ([]*model.AutomaticSegmentation, error) {
	return r.list(ctx, automaticSelect+` WHERE o.project_id = $1 ORDER BY o.id`, projectID)
}

func (r *automaticSegmentationRepository) list(ctx context.Context, query string, arg any) ([]*model.AutomaticSegmentation, error) {
	var segs []*model.AutomaticSegmentation

	err := sqlx.SelectContext(ctx, r.db, &segs, query, arg)
	if err != nil {
		return nil, err
	}

	return segs, nil
}

func (r *automaticSegmentationRepository) Entries(ctx context.Context, imageID int64) ([]model.AutomaticSegmentationEntry, error) {
	var entries []model.AutomaticSegmentationEntry
	query := `SELECT a.id AS id, a.model_id AS model_id, sm.name AS model_name
	          FROM automatic_segmentations a JOIN automatic_segmentation_models sm ON sm.id = a.model_id
	          WHERE a.image_id = $1 ORDER BY sm.name ASC, a.id ASC`

	err := sqlx.SelectContext(ctx, r.db, &entries, query, imageID)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (r *automaticSegmentationRepository) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM data_pool_objects WHERE id = $1 AND kind = $2`

	result, err := r.db.ExecContext(ctx, query, id, model.KindAutomaticSegmentation)
	if err != nil {
		return err
	}

	return expectRow(result, ErrAutomaticSegmentationNotFound)
}
