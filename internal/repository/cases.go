package repository

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/issm/issm/internal/model"
)

const (
	CaseViewAll          = "all"
	CaseViewSegmentation = "segmentation"
	CaseViewValidation   = "validation"

	CaseOrderName       = "name"
	CaseOrderStatus     = "status"
	CaseOrderInsertDate = "insert_date"
)

type CaseQuery struct {
	ProjectID int64
	View      string
	// UserID scopes the segmentation view to the caller
	UserID string
	Search string
	Order  string
	Desc   bool
	Offset int
	Limit  int
}

// CaseRow is one image with its segmentation state and display names.
type CaseRow struct {
	model.Image
	SegmentationID          *int64                    `db:"segmentation_id"`
	SegmentationStatus      *model.SegmentationStatus `db:"segmentation_status"`
	SegmentationAssigneeID  *string                   `db:"segmentation_assignee_id"`
	SegmentationAssigned    *time.Time                `db:"segmentation_assigned_date"`
	SegmentationValidatedBy *string                   `db:"segmentation_validated_by_id"`
	SegmentationValidated   *time.Time                `db:"segmentation_validation_date"`
	SegmentationUpdated     *time.Time                `db:"segmentation_last_updated"`
	ModalityName            *string                   `db:"modality_name"`
	ContrastTypeName        *string                   `db:"contrast_type_name"`
}

// Segmentation rebuilds the manual segmentation of the row, or nil when the image has none.
func (c *CaseRow) Segmentation() *model.ManualSegmentation {
	if c.SegmentationID == nil || c.SegmentationStatus == nil {
		return nil
	}

	seg := &model.ManualSegmentation{
		DataPoolObject: model.DataPoolObject{
			ID:        *c.SegmentationID,
			ProjectID: c.ProjectID,
			Kind:      model.KindManualSegmentation,
			Name:      c.Name,
		},
		ImageID:        c.ID,
		Status:         *c.SegmentationStatus,
		AssigneeID:     c.SegmentationAssigneeID,
		AssignedDate:   c.SegmentationAssigned,
		ValidatedByID:  c.SegmentationValidatedBy,
		ValidationDate: c.SegmentationValidated,
	}
	if c.SegmentationUpdated != nil {
		seg.LastUpdated = *c.SegmentationUpdated
	}
	return seg
}

type CasePage struct {
	Rows []*CaseRow
	// Total counts the cases in the view, Filtered those also matching the search
	Total    int
	Filtered int
}

const casesFrom = `
	FROM data_pool_objects o
	JOIN images i ON i.id = o.id
	LEFT JOIN manual_segmentations m ON m.image_id = o.id
	LEFT JOIN modalities mo ON mo.id = i.modality_id
	LEFT JOIN contrast_types ct ON ct.id = i.contrast_type_id`

func (r *imageRepository) Cases(ctx context.Context, q CaseQuery) (*CasePage, error) {
	var a args
	where := []string{"o.project_id = " + a.add(q.ProjectID), "o.kind = " + a.add(model.KindImage)}

	switch q.View {
	case CaseViewSegmentation:
		where = append(where, "(m.assignee_id = "+a.add(q.UserID)+" OR m.status IN ("+
			a.add(model.StatusNew)+", "+a.add(model.StatusQueued)+"))")
	case CaseViewValidation:
		where = append(where, "m.status = "+a.add(model.StatusSubmitted))
	}

	page := &CasePage{}
	err := sqlx.GetContext(ctx, r.db, &page.Total, `SELECT COUNT(*)`+casesFrom+` WHERE `+strings.Join(where, " AND "), a...)
	if err != nil {
		return nil, err
	}

	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := "%" + strings.ToLower(escapeLike(search)) + "%"
		var matches []string
		for _, col := range []string{"o.name", "i.patient_name", "i.accession_number", "mo.name", "ct.name"} {
			matches = append(matches, "LOWER("+col+") LIKE "+a.add(pattern)+` ESCAPE '\'`)
		}
		where = append(where, "("+strings.Join(matches, " OR ")+")")
	}

	filter := ` WHERE ` + strings.Join(where, " AND ")
	err = sqlx.GetContext(ctx, r.db, &page.Filtered, `SELECT COUNT(*)`+casesFrom+filter, a...)
	if err != nil {
		return nil, err
	}

	var orderBy string
	switch q.Order {
	case CaseOrderStatus:
		orderBy = "m.status"
	case CaseOrderInsertDate:
		orderBy = "o.insert_date"
	default:
		orderBy = "LOWER(o.name)"
	}
	direction := " ASC"
	if q.Desc {
		direction = " DESC"
	}

	query := `SELECT o.id, o.project_id, o.kind, o.name, o.insert_date, o.last_updated, ` +
		prefixed("i.", imageAttributeColumns) + `,
		m.id AS segmentation_id,
		m.status AS segmentation_status,
		m.assignee_id AS segmentation_assignee_id,
		m.assigned_date AS segmentation_assigned_date,
		m.validated_by_id AS segmentation_validated_by_id,
		m.validation_date AS segmentation_validation_date,
		mb.last_updated AS segmentation_last_updated,
		mo.name AS modality_name,
		ct.name AS contrast_type_name` +
		casesFrom + `
	LEFT JOIN data_pool_objects mb ON mb.id = m.id` +
		filter + ` ORDER BY ` + orderBy + direction + `, o.id` + direction

	switch {
	case q.Limit > 0:
		query += ` LIMIT ` + a.add(q.Limit) + ` OFFSET ` + a.add(max(q.Offset, 0))
	case q.Offset > 0:
		// SQLite has no OFFSET without LIMIT; an unbounded limit works for both engines
		query += ` LIMIT ` + a.add(int64(math.MaxInt64)) + ` OFFSET ` + a.add(q.Offset)
	}

	err = sqlx.SelectContext(ctx, r.db, &page.Rows, query, a...)
	if err != nil {
		return nil, err
	}

	return page, nil
}
