package model

import (
	"time"
)

// Case is the read model handed to presentation layers: one image with its
// derived volumes, display names resolved and the message trail attached.
type Case struct {
	ID                     int64                        `json:"id"`
	ProjectID              int64                        `json:"project_id"`
	Name                   string                       `json:"name"`
	InsertDate             time.Time                    `json:"insert_date"`
	LastUpdated            time.Time                    `json:"last_updated"`
	Institution            *string                      `json:"institution"`
	AccessionNumber        *string                      `json:"accession_number"`
	StudyDate              *time.Time                   `json:"study_date"`
	StudyName              *string                      `json:"study_name"`
	StudyInstanceUID       *string                      `json:"study_instance_uid"`
	StudyDescription       *string                      `json:"study_description"`
	SeriesName             *string                      `json:"series_name"`
	SeriesNumber           *string                      `json:"series_number"`
	SeriesInstanceUID      *string                      `json:"series_instance_uid"`
	SeriesDescription      *string                      `json:"series_description"`
	PatientName            *string                      `json:"patient_name"`
	PatientID              *string                      `json:"patient_id"`
	PatientDOB             *time.Time                   `json:"patient_dob"`
	BodyRegion             *string                      `json:"body_region"`
	Split                  *string                      `json:"split"`
	Custom1                *string                      `json:"custom_1"`
	Custom2                *string                      `json:"custom_2"`
	Custom3                *string                      `json:"custom_3"`
	Modality               *string                      `json:"modality"`
	ContrastType           *string                      `json:"contrast_type"`
	ManualSegmentation     *SegmentationRecord          `json:"manual_segmentation"`
	AutomaticSegmentations []AutomaticSegmentationEntry `json:"automatic_segmentations"`
}

type SegmentationRecord struct {
	ID             int64              `json:"id"`
	Status         SegmentationStatus `json:"status"`
	StatusLabel    string             `json:"status_label"`
	AssigneeID     *string            `json:"assignee_id"`
	AssignedDate   *time.Time         `json:"assigned_date"`
	ValidatedByID  *string            `json:"validated_by_id"`
	ValidationDate *time.Time         `json:"validation_date"`
	LastUpdated    time.Time          `json:"last_updated"`
	Messages       []MessageRecord    `json:"messages"`
}

type MessageRecord struct {
	ID      int64     `json:"id"`
	UserID  string    `json:"user_id"`
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
}

type AutomaticSegmentationEntry struct {
	ID        int64  `db:"id" json:"id"`
	ModelID   int64  `db:"model_id" json:"model_id"`
	ModelName string `db:"model_name" json:"model_name"`
}

// NewCase assembles the projection. seg may be nil for legacy rows without a segmentation.
func NewCase(img *Image, modality, contrastType *string, seg *ManualSegmentation, autos []AutomaticSegmentationEntry) *Case {
	c := &Case{
		ID:                     img.ID,
		ProjectID:              img.ProjectID,
		Name:                   img.Name,
		InsertDate:             img.InsertDate,
		LastUpdated:            img.LastUpdated,
		Institution:            img.Institution,
		AccessionNumber:        img.AccessionNumber,
		StudyDate:              img.StudyDate,
		StudyName:              img.StudyName,
		StudyInstanceUID:       img.StudyInstanceUID,
		StudyDescription:       img.StudyDescription,
		SeriesName:             img.SeriesName,
		SeriesNumber:           img.SeriesNumber,
		SeriesInstanceUID:      img.SeriesInstanceUID,
		SeriesDescription:      img.SeriesDescription,
		PatientName:            img.PatientName,
		PatientID:              img.PatientID,
		PatientDOB:             img.PatientDOB,
		BodyRegion:             img.BodyRegion,
		Split:                  img.Split,
		Custom1:                img.Custom1,
		Custom2:                img.Custom2,
		Custom3:                img.Custom3,
		Modality:               modality,
		ContrastType:           contrastType,
		AutomaticSegmentations: autos,
	}
	if c.AutomaticSegmentations == nil {
		c.AutomaticSegmentations = []AutomaticSegmentationEntry{}
	}

	if seg != nil {
		record := &SegmentationRecord{
			ID:             seg.ID,
			Status:         seg.Status,
			StatusLabel:    seg.Status.Label(),
			AssigneeID:     seg.AssigneeID,
			AssignedDate:   seg.AssignedDate,
			ValidatedByID:  seg.ValidatedByID,
			ValidationDate: seg.ValidationDate,
			LastUpdated:    seg.LastUpdated,
			Messages:       make([]MessageRecord, 0, len(seg.Messages)),
		}
		for _, m := range seg.Messages {
			record.Messages = append(record.Messages, MessageRecord{
				ID:      m.ID,
				UserID:  m.UserID,
				Date:    m.Date,
				Message: m.Message,
			})
		}
		c.ManualSegmentation = record
	}

	return c
}
