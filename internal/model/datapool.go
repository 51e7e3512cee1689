package model

import (
	"time"
)

// Kind tags the variant stored in a data pool row.
type Kind string

const (
	KindImage                 Kind = "image"
	KindManualSegmentation    Kind = "manual_segmentation"
	KindAutomaticSegmentation Kind = "automatic_segmentation"
)

func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindManualSegmentation, KindAutomaticSegmentation:
		return true
	}
	return false
}

// DataPoolObject holds the fields every volume-backed row shares.
// ID is zero until the row has been inserted.
type DataPoolObject struct {
	ID          int64     `db:"id"`
	ProjectID   int64     `db:"project_id"`
	Kind        Kind      `db:"kind"`
	Name        string    `db:"name"`
	InsertDate  time.Time `db:"insert_date"`
	LastUpdated time.Time `db:"last_updated"`
}

func (o *DataPoolObject) Persisted() bool {
	return o.ID > 0
}

// ArtifactKey identifies the file backing a data pool object inside its project.
type ArtifactKey struct {
	Kind    Kind
	ID      int64
	ModelID int64 // Automatic segmentations only
}

// Artifact is implemented by every data pool variant.
type Artifact interface {
	ArtifactKey() ArtifactKey
}

type Image struct {
	DataPoolObject
	Institution       *string    `db:"institution"`
	AccessionNumber   *string    `db:"accession_number"`
	StudyDate         *time.Time `db:"study_date"`
	StudyName         *string    `db:"study_name"`
	StudyInstanceUID  *string    `db:"study_instance_uid"`
	StudyDescription  *string    `db:"study_description"`
	SeriesName        *string    `db:"series_name"`
	SeriesNumber      *string    `db:"series_number"`
	SeriesInstanceUID *string    `db:"series_instance_uid"`
	SeriesDescription *string    `db:"series_description"`
	PatientName       *string    `db:"patient_name"`
	PatientID         *string    `db:"patient_id"`
	PatientDOB        *time.Time `db:"patient_dob"`
	BodyRegion        *string    `db:"body_region"`
	Split             *string    `db:"split"` // training, validation, test ...
	Custom1           *string    `db:"custom_1"`
	Custom2           *string    `db:"custom_2"`
	Custom3           *string    `db:"custom_3"`
	ModalityID        *int64     `db:"modality_id"`
	ContrastTypeID    *int64     `db:"contrast_type_id"`
}

func (i *Image) ArtifactKey() ArtifactKey {
	return ArtifactKey{Kind: KindImage, ID: i.ID}
}

type AutomaticSegmentationModel struct {
	ID          int64     `db:"id" json:"id"`
	ProjectID   int64     `db:"project_id" json:"project_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	InsertDate  time.Time `db:"insert_date" json:"insert_date"`
}

type AutomaticSegmentation struct {
	DataPoolObject
	ImageID int64 `db:"image_id"`
	ModelID int64 `db:"model_id"`
}

func (a *AutomaticSegmentation) ArtifactKey() ArtifactKey {
	return ArtifactKey{Kind: KindAutomaticSegmentation, ID: a.ID, ModelID: a.ModelID}
}
