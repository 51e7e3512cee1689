package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/fieldmap"
	"github.com/issm/issm/internal/model"
)

var ErrImageNotFound = apperr.New(apperr.ErrNotFound, "image not found")

const (
	baseTable  = "data_pool_objects"
	imageTable = "images"
)

// ImageColumns describes the columns a field map may touch on images.
var ImageColumns = []fieldmap.Column{
	{Name: "id", Table: baseTable, Type: fieldmap.Int, PrimaryKey: true},
	{Name: "project_id", Table: baseTable, Type: fieldmap.Int, Immutable: true},
	{Name: "kind", Table: baseTable, Type: fieldmap.String, Immutable: true},
	{Name: "name", Table: baseTable, Type: fieldmap.String},
	{Name: "insert_date", Table: baseTable, Type: fieldmap.DateTime, Immutable: true},
	{Name: "last_updated", Table: baseTable, Type: fieldmap.DateTime, Immutable: true},
	{Name: "institution", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "accession_number", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "study_date", Table: imageTable, Type: fieldmap.DateTime, Nullable: true},
	{Name: "study_name", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "study_instance_uid", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "study_description", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "series_name", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "series_number", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "series_instance_uid", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "series_description", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "patient_name", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "patient_id", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "patient_dob", Table: imageTable, Type: fieldmap.Date, Nullable: true},
	{Name: "body_region", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "split", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "custom_1", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "custom_2", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "custom_3", Table: imageTable, Type: fieldmap.String, Nullable: true},
	{Name: "modality_id", Table: imageTable, Type: fieldmap.Int, Nullable: true},
	{Name: "contrast_type_id", Table: imageTable, Type: fieldmap.Int, Nullable: true},
}

var (
	imageAttributeColumns = columnNames(ImageColumns, imageTable)
	imageSelect           = `SELECT o.id, o.project_id, o.kind, o.name, o.insert_date, o.last_updated, ` +
		prefixed("i.", imageAttributeColumns) + `
	FROM data_pool_objects o JOIN images i ON i.id = o.id`
)

type ImageRepository interface {
	// Create inserts the base row and the image row and assigns image.ID
	Create(ctx context.Context, image *model.Image) error
	ByID(ctx context.Context, id int64) (*model.Image, error)
	ByName(ctx context.Context, projectID int64, name string) (*model.Image, error)
	Images(ctx context.Context, projectID int64) ([]*model.Image, error)
	Update(ctx context.Context, id int64, assignments []fieldmap.Assignment) error
	Touch(ctx context.Context, id int64) error
	// Delete removes the image and every segmentation row derived from it
	Delete(ctx context.Context, id int64) error
	Cases(ctx context.Context, q CaseQuery) (*CasePage, error)
}

type imageRepository struct {
	db sqlx.ExtContext
}

func NewImageRepository(db sqlx.ExtContext) ImageRepository {
	return &imageRepository{db: db}
}

func (r *imageRepository) Create(ctx context.Context, image *model.Image) error {
	image.Kind = model.KindImage
	err := insertBase(ctx, r.db, &image.DataPoolObject)
	if err != nil {
		return err
	}

	var a args
	placeholders := []string{a.add(image.ID)}
	for _, v := range imageAttributes(image) {
		placeholders = append(placeholders, a.add(v))
	}

	query := `INSERT INTO images (id, ` + strings.Join(imageAttributeColumns, ", ") + `)
	          VALUES (` + strings.Join(placeholders, ", ") + `)`

	_, err = r.db.ExecContext(ctx, query, a...)
	return mapInsertError(err)
}

// imageAttributes lists the image row values in imageAttributeColumns order
func imageAttributes(i *model.Image) []any {
	return []any{
		i.Institution,
		i.AccessionNumber,
		i.StudyDate,
		i.StudyName,
		i.StudyInstanceUID,
		i.StudyDescription,
		i.SeriesName,
		i.SeriesNumber,
		i.SeriesInstanceUID,
		i.SeriesDescription,
		i.PatientName,
		i.PatientID,
		i.PatientDOB,
		i.BodyRegion,
		i.Split,
		i.Custom1,
		i.Custom2,
		i.Custom3,
		i.ModalityID,
		i.ContrastTypeID,
	}
}

func (r *imageRepository) ByID(ctx context.Context, id int64) (*model.Image, error) {
	image := &model.Image{}

	err := sqlx.GetContext(ctx, r.db, image, imageSelect+` WHERE o.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, err
	}

	return image, nil
}

func (r *imageRepository) ByName(ctx context.Context, projectID int64, name string) (*model.Image, error) {
	image := &model.Image{}

	err := sqlx.GetContext(ctx, r.db, image, imageSelect+` WHERE o.project_id = $1 AND o.name = $2`, projectID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, err
	}

	return image, nil
}

func (r *imageRepository) Images(ctx context.Context, projectID int64) ([]*model.Image, error) {
	var images []*model.Image

	err := sqlx.SelectContext(ctx, r.db, &images, imageSelect+` WHERE o.project_id = $1 ORDER BY o.id`, projectID)
	if err != nil {
		return nil, err
	}

	return images, nil
}

// Update writes the assignments and bumps last_updated. Assignments are split
// between the base row and the image row.
func (r *imageRepository) Update(ctx context.Context, id int64, assignments []fieldmap.Assignment) error {
	_, err := updateColumns(ctx, r.db, baseTable, id, assignments, ErrImageNotFound)
	if err != nil {
		return err
	}

	_, err = updateColumns(ctx, r.db, imageTable, id, assignments, ErrImageNotFound)
	if err != nil {
		return err
	}

	return r.Touch(ctx, id)
}

func (r *imageRepository) Touch(ctx context.Context, id int64) error {
	return touch(ctx, r.db, id, model.KindImage, ErrImageNotFound)
}

func (r *imageRepository) Delete(ctx context.Context, id int64) error {
	// Variant rows cascade from their base rows, so the derived base rows go first
	query := `DELETE FROM data_pool_objects
	          WHERE id IN (SELECT id FROM manual_segmentations WHERE image_id = $1)
	             OR id IN (SELECT id FROM automatic_segmentations WHERE image_id = $2)`

	_, err := r.db.ExecContext(ctx, query, id, id)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM data_pool_objects WHERE id = $1 AND kind = $2`, id, model.KindImage)
	if err != nil {
		return err
	}

	return expectRow(result, ErrImageNotFound)
}

func insertBase(ctx context.Context, db sqlx.ExtContext, o *model.DataPoolObject) error {
	if !o.Kind.Valid() {
		return apperr.New(apperr.ErrValidation, "unknown data pool kind %q", o.Kind)
	}
	if o.Persisted() {
		return apperr.New(apperr.ErrValidation, "%s %d is already persisted", o.Kind, o.ID)
	}

	ts := now()
	o.InsertDate = ts
	o.LastUpdated = ts

	query := `INSERT INTO data_pool_objects (project_id, kind, name, insert_date, last_updated)
	          VALUES ($1, $2, $3, $4, $5) RETURNING id`

	err := db.QueryRowxContext(ctx, query, o.ProjectID, o.Kind, o.Name, o.InsertDate, o.LastUpdated).Scan(&o.ID)
	if err != nil {
		o.ID = 0
		return mapInsertError(err)
	}
	return nil
}

func touch(ctx context.Context, db sqlx.ExecerContext, id int64, kind model.Kind, notFound error) error {
	result, err := db.ExecContext(ctx, `UPDATE data_pool_objects SET last_updated = $1 WHERE id = $2 AND kind = $3`, now(), id, kind)
	if err != nil {
		return err
	}
	return expectRow(result, notFound)
}

func columnNames(columns []fieldmap.Column, table string) []string {
	var names []string
	for _, c := range columns {
		if c.Table == table {
			names = append(names, c.Name)
		}
	}
	return names
}

func prefixed(prefix string, names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = prefix + n
	}
	return strings.Join(out, ", ")
}
