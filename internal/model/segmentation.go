package model

import (
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type SegmentationStatus string

const (
	StatusNew       SegmentationStatus = "new"
	StatusQueued    SegmentationStatus = "queued"
	StatusAssigned  SegmentationStatus = "assigned"
	StatusSubmitted SegmentationStatus = "submitted"
	StatusAccepted  SegmentationStatus = "accepted"
	StatusRejected  SegmentationStatus = "rejected"
)

// Statuses lists every status in lifecycle order.
var Statuses = []SegmentationStatus{
	StatusNew,
	StatusQueued,
	StatusAssigned,
	StatusSubmitted,
	StatusAccepted,
	StatusRejected,
}

// InitialStatus is the status of the segmentation created together with its image.
const InitialStatus = StatusNew

// IsEntry reports whether the case waits in the assignment pool.
func (s SegmentationStatus) IsEntry() bool {
	return s == StatusNew || s == StatusQueued
}

// Label returns the display form of the status, e.g. "Submitted".
func (s SegmentationStatus) Label() string {
	return cases.Title(language.English).String(string(s))
}

type ManualSegmentation struct {
	DataPoolObject
	ImageID        int64              `db:"image_id"`
	Status         SegmentationStatus `db:"status"`
	AssigneeID     *string            `db:"assignee_id"`
	AssignedDate   *time.Time         `db:"assigned_date"`
	ValidatedByID  *string            `db:"validated_by_id"`
	ValidationDate *time.Time         `db:"validation_date"`

	// Loaded separately, ordered by date
	Messages []*Message `db:"-"`
}

func (m *ManualSegmentation) ArtifactKey() ArtifactKey {
	return ArtifactKey{Kind: KindManualSegmentation, ID: m.ID}
}

func (m *ManualSegmentation) IsAssignedTo(userID string) bool {
	return m.AssigneeID != nil && *m.AssigneeID == userID
}

// Message is an append-only audit entry on a manual segmentation.
type Message struct {
	ID                   int64     `db:"id"`
	ManualSegmentationID int64     `db:"manual_segmentation_id"`
	UserID               string    `db:"user_id"`
	Date                 time.Time `db:"date"`
	Message              string    `db:"message"`
}
