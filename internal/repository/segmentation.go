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
	ErrSegmentationNotFound = apperr.New(apperr.ErrNotFound, "segmentation not found")
	ErrStatusChanged        = apperr.New(apperr.ErrStateConflict, "segmentation was changed by someone else, reload and try again")
)

const segmentationSelect = `SELECT o.id, o.project_id, o.kind, o.name, o.insert_date, o.last_updated,
	m.image_id, m.status, m.assignee_id, m.assigned_date, m.validated_by_id, m.validation_date
	FROM data_pool_objects o JOIN manual_segmentations m ON m.id = o.id`

type ManualSegmentationRepository interface {
	Create(ctx context.Context, seg *model.ManualSegmentation) error
	ByID(ctx context.Context, id int64) (*model.ManualSegmentation, error)
	ByImageID(ctx context.Context, imageID int64) (*model.ManualSegmentation, error)
	Segmentations(ctx context.Context, projectID int64) ([]*model.ManualSegmentation, error)
	// Transition stores the workflow fields of seg, but only while the row is still in status expected
	Transition(ctx context.Context, seg *model.ManualSegmentation, expected model.SegmentationStatus) error
	Touch(ctx context.Context, id int64) error
}

type manualSegmentationRepository struct {
	db sqlx.ExtContext
}

func NewManualSegmentationRepository(db sqlx.ExtContext) ManualSegmentationRepository {
	return &manualSegmentationRepository{db: db}
}

func (r *manualSegmentationRepository) Create(ctx context.Context, seg *model.ManualSegmentation) error {
	seg.Kind = model.KindManualSegmentation
	err := insertBase(ctx, r.db, &seg.DataPoolObject)
	if err != nil {
		return err
	}

	query := `INSERT INTO manual_segmentations (id, image_id, status, assignee_id, assigned_date, validated_by_id, validation_date)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		seg.ID,
		seg.ImageID,
		seg.Status,
		seg.AssigneeID,
		seg.AssignedDate,
		seg.ValidatedByID,
		seg.ValidationDate,
	)

	return mapInsertError(err)
}

func (r *manualSegmentationRepository) ByID(ctx context.Context, id int64) (*model.ManualSegmentation, error) {
	seg := &model.ManualSegmentation{}

	err := sqlx.GetContext(ctx, r.db, seg, segmentationSelect+` WHERE o.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSegmentationNotFound
	}
	if err != nil {
		return nil, err
	}

	return seg, nil
}

func (r *manualSegmentationRepository) ByImageID(ctx context.Context, imageID int64) (*model.ManualSegmentation, error) {
	seg := &model.ManualSegmentation{}

	err := sqlx.GetContext(ctx, r.db, seg, segmentationSelect+` WHERE m.image_id = $1`, imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSegmentationNotFound
	}
	if err != nil {
		return nil, err
	}

	return seg, nil
}

func (r *manualSegmentationRepository) Segmentations(ctx context.Context, projectID int64) ([]*model.ManualSegmentation, error) {
	var segs []*model.ManualSegmentation

	err := sqlx.SelectContext(ctx, r.db, &segs, segmentationSelect+` WHERE o.project_id = $1 ORDER BY o.id`, projectID)
	if err != nil {
		return nil, err
	}

	return segs, nil
}

func (r *manualSegmentationRepository) Transition(ctx context.Context, seg *model.ManualSegmentation, expected model.SegmentationStatus) error {
	query := `UPDATE manual_segmentations
	          SET status = $1, assignee_id = $2, assigned_date = $3, validated_by_id = $4, validation_date = $5
	          WHERE id = $6 AND status = $7`

	result, err := r.db.ExecContext(ctx, query,
		seg.Status,
		seg.AssigneeID,
		seg.AssignedDate,
		seg.ValidatedByID,
		seg.ValidationDate,
		seg.ID,
		expected,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		_, err := r.ByID(ctx, seg.ID)
		if err != nil {
			return err
		}
		return ErrStatusChanged
	}

	return r.Touch(ctx, seg.ID)
}

func (r *manualSegmentationRepository) Touch(ctx context.Context, id int64) error {
	return touch(ctx, r.db, id, model.KindManualSegmentation, ErrSegmentationNotFound)
}

type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	// Messages returns the trail of a segmentation, oldest first
	Messages(ctx context.Context, segmentationID int64) ([]*model.Message, error)
}

type messageRepository struct {
	db sqlx.ExtContext
}

func NewMessageRepository(db sqlx.ExtContext) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	if msg.Date.IsZero() {
		msg.Date = now()
	}

	query := `INSERT INTO messages (manual_segmentation_id, user_id, date, message)
	          VALUES ($1, $2, $3, $4) RETURNING id`

	return r.db.QueryRowxContext(ctx, query, msg.ManualSegmentationID, msg.UserID, msg.Date, msg.Message).Scan(&msg.ID)
}

func (r *messageRepository) Messages(ctx context.Context, segmentationID int64) ([]*model.Message, error) {
	var messages []*model.Message
	query := `SELECT id, manual_segmentation_id, user_id, date, message FROM messages
	          WHERE manual_segmentation_id = $1 ORDER BY date ASC, id ASC`

	err := sqlx.SelectContext(ctx, r.db, &messages, query, segmentationID)
	if err != nil {
		return nil, err
	}

	return messages, nil
}
