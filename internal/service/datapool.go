package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/artifact"
	"github.com/issm/issm/internal/authz"
	"github.com/issm/issm/internal/fieldmap"
	"github.com/issm/issm/internal/model"
	"github.com/issm/issm/internal/repository"
	"github.com/issm/issm/internal/storage"
	"github.com/issm/issm/internal/validation"
	"github.com/issm/issm/internal/volume"
)

// Field map keys that name vocabulary entries instead of referencing them by id
const (
	FieldModality     = "modality"
	FieldContrastType = "contrast_type"
)

type DataPoolService struct {
	core
}

func NewDataPoolService(store *repository.Store, gate *authz.Gate, artifacts *artifact.Store) *DataPoolService {
	return &DataPoolService{core{store: store, gate: gate, artifacts: artifacts}}
}

// CreateImage stores a new image, its companion manual segmentation and, when
// volume is not nil, its volume file. Either all of it persists or none.
func (s *DataPoolService) CreateImage(ctx context.Context, p authz.Principal, projectID int64, name string, fields map[string]any, volume io.Reader) (*model.Image, error) {
	project, err := s.project(ctx, projectID)
	if err != nil {
		return nil, err
	}

	err = s.gate.Check(ctx, p, authz.ActionManageImages, projectID)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	err = validation.ValidateName(name)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, err, "invalid image name")
	}

	var upload *artifact.Volume
	if volume != nil {
		upload, err = s.artifacts.Inspect(volume)
		if err != nil {
			return nil, err
		}
	}

	img := &model.Image{DataPoolObject: model.DataPoolObject{ProjectID: projectID, Name: name}}
	seg := &model.ManualSegmentation{
		DataPoolObject: model.DataPoolObject{ProjectID: projectID, Name: name},
		Status:         model.InitialStatus,
	}

	// The name argument is the only source of the name at creation
	attributes := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "name" {
			attributes[k] = v
		}
	}

	err = s.withVolume(ctx, func(tx *repository.Repositories) (storage.Staged, error) {
		assignments, err := imageAssignments(ctx, tx, projectID, attributes)
		if err != nil {
			return nil, err
		}

		err = tx.Images.Create(ctx, img)
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.New(apperr.ErrDuplicateArtifact, "an image named %q already exists in %s", name, project.ShortName)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create image: %w", err)
		}

		if len(assignments) > 0 {
			err = tx.Images.Update(ctx, img.ID, assignments)
			if err != nil {
				return nil, err
			}
		}

		seg.ImageID = img.ID
		err = tx.ManualSegmentations.Create(ctx, seg)
		if err != nil {
			return nil, fmt.Errorf("failed to create segmentation: %w", err)
		}

		if upload == nil {
			return nil, nil
		}
		return s.artifacts.Stage(ctx, project, img, upload)
	})
	if err != nil {
		img.ID = 0
		return nil, err
	}

	slog.Info("image created", "project", project.ShortName, "image_id", img.ID, "status", seg.Status, "user", p.UserID)
	return s.store.Images.ByID(ctx, img.ID)
}

// UpdateImage applies a partial update of image metadata from a field map.
func (s *DataPoolService) UpdateImage(ctx context.Context, p authz.Principal, imageID int64, fields map[string]any) (*model.Image, error) {
	img, project, err := s.image(ctx, p, authz.ActionUpdateMetadata, imageID)
	if err != nil {
		return nil, err
	}

	if raw, ok := fields["name"]; ok {
		name, _ := raw.(string)
		if strings.TrimSpace(name) != "" {
			err = validation.ValidateName(name)
			if err != nil {
				return nil, apperr.Wrap(apperr.ErrValidation, err, "invalid image name")
			}
		}
	}

	err = s.store.InTx(ctx, func(tx *repository.Repositories) error {
		assignments, err := imageAssignments(ctx, tx, img.ProjectID, fields)
		if err != nil {
			return err
		}

		err = tx.Images.Update(ctx, imageID, assignments)
		if errors.Is(err, repository.ErrDuplicate) {
			return apperr.New(apperr.ErrDuplicateArtifact, "an image with that name already exists in %s", project.ShortName)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.store.Images.ByID(ctx, imageID)
}

// imageAssignments converts fields for the image columns. Modality and
// contrast type may be given by name; unknown names are rejected.
func imageAssignments(ctx context.Context, tx *repository.Repositories, projectID int64, fields map[string]any) ([]fieldmap.Assignment, error) {
	resolved := make(map[string]any, len(fields))
	for k, v := range fields {
		resolved[k] = v
	}

	if raw, ok := fields[FieldModality]; ok {
		id, err := lookupName(raw, func(name string) (int64, error) {
			m, err := tx.Modalities.ByName(ctx, projectID, name)
			if err != nil {
				return 0, err
			}
			return m.ID, nil
		})
		if err != nil {
			return nil, err
		}
		resolved["modality_id"] = id
	}

	if raw, ok := fields[FieldContrastType]; ok {
		id, err := lookupName(raw, func(name string) (int64, error) {
			c, err := tx.ContrastTypes.ByName(ctx, projectID, name)
			if err != nil {
				return 0, err
			}
			return c.ID, nil
		})
		if err != nil {
			return nil, err
		}
		resolved["contrast_type_id"] = id
	}

	assignments, err := fieldmap.Apply(repository.ImageColumns, resolved)
	if err != nil {
		return nil, err
	}

	// Vocabulary ids given directly must belong to the image's project
	for _, a := range assignments {
		id, ok := a.Value.(int64)
		if !ok {
			continue
		}

		switch a.Column.Name {
		case "modality_id":
			_, err = tx.Modalities.ByID(ctx, projectID, id)
		case "contrast_type_id":
			_, err = tx.ContrastTypes.ByID(ctx, projectID, id)
		default:
			continue
		}
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.New(apperr.ErrValidation, "%s %d is not defined in this project", a.Column.Name, id)
		}
		if err != nil {
			return nil, err
		}
	}
	return assignments, nil
}

// lookupName resolves a vocabulary name to its id. An empty name clears the reference.
func lookupName(raw any, find func(name string) (int64, error)) (any, error) {
	name, _ := raw.(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	id, err := find(name)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.New(apperr.ErrValidation, "unknown entry %q", name)
	}
	if err != nil {
		return nil, err
	}
	return id, nil
}

// UploadImageVolume replaces the volume of an image.
func (s *DataPoolService) UploadImageVolume(ctx context.Context, p authz.Principal, imageID int64, volume io.Reader) error {
	img, project, err := s.image(ctx, p, authz.ActionManageImages, imageID)
	if err != nil {
		return err
	}

	upload, err := s.artifacts.Inspect(volume)
	if err != nil {
		return err
	}

	err = s.masksFit(ctx, project, img, upload.Shape)
	if err != nil {
		return err
	}

	staged, err := s.artifacts.Stage(ctx, project, img, upload)
	if err != nil {
		return err
	}

	err = s.withVolume(ctx, func(tx *repository.Repositories) (storage.Staged, error) {
		return staged, tx.Images.Touch(ctx, imageID)
	})
	if err != nil {
		return err
	}

	slog.Info("image volume replaced", "project", project.ShortName, "image_id", imageID, "shape", upload.Shape.String(), "user", p.UserID)
	return nil
}

// masksFit requires every stored mask of img to have the given shape, so a
// replaced image volume never disagrees with its segmentations.
func (s *core) masksFit(ctx context.Context, project *model.Project, img *model.Image, shape volume.Shape) error {
	var masks []model.Artifact
	seg, err := s.store.ManualSegmentations.ByImageID(ctx, img.ID)
	switch {
	case err == nil:
		masks = append(masks, seg)
	case !errors.Is(err, repository.ErrSegmentationNotFound):
		return err
	}

	autos, err := s.store.AutomaticSegmentations.ByImage(ctx, img.ID)
	if err != nil {
		return err
	}
	for _, a := range autos {
		masks = append(masks, a)
	}

	for _, mask := range masks {
		have, err := s.artifacts.ShapeOfArtifact(ctx, project, mask)
		if errors.Is(err, apperr.ErrArtifactMissing) {
			continue
		}
		if err != nil {
			return err
		}
		if !have.Equal(shape) {
			key := mask.ArtifactKey()
			return apperr.New(apperr.ErrDimensionMismatch, "volume has shape %s, %s %d of image %d has shape %s", shape, key.Kind, key.ID, img.ID, have)
		}
	}
	return nil
}

// DeleteImage removes the image, its segmentations and every backing file.
// Files go first; if any of them cannot be removed no row is touched.
func (s *DataPoolService) DeleteImage(ctx context.Context, p authz.Principal, imageID int64) error {
	img, project, err := s.image(ctx, p, authz.ActionManageImages, imageID)
	if err != nil {
		return err
	}

	var artifacts []model.Artifact
	autos, err := s.store.AutomaticSegmentations.ByImage(ctx, imageID)
	if err != nil {
		return err
	}
	for _, a := range autos {
		artifacts = append(artifacts, a)
	}

	seg, err := s.store.ManualSegmentations.ByImageID(ctx, imageID)
	switch {
	case err == nil:
		artifacts = append(artifacts, seg)
	case !errors.Is(err, repository.ErrSegmentationNotFound):
		return err
	}
	artifacts = append(artifacts, img)

	err = s.deleteFiles(ctx, project, artifacts)
	if err != nil {
		return err
	}

	err = s.store.InTx(ctx, func(tx *repository.Repositories) error {
		return tx.Images.Delete(ctx, imageID)
	})
	if err != nil {
		return err
	}

	slog.Info("image deleted", "project", project.ShortName, "image_id", imageID, "volumes", len(artifacts), "user", p.UserID)
	return nil
}

func (s *DataPoolService) CreateAutomaticSegmentationModel(ctx context.Context, p authz.Principal, projectID int64, name, description string) (*model.AutomaticSegmentationModel, error) {
	_, err := s.project(ctx, projectID)
	if err != nil {
		return nil, err
	}

	err = s.gate.Check(ctx, p, authz.ActionManageModels, projectID)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	err = validation.ValidateName(name)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, err, "invalid model name")
	}

	m := &model.AutomaticSegmentationModel{ProjectID: projectID, Name: name, Description: description}
	err = s.store.Models.Create(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	slog.Info("segmentation model created", "project_id", projectID, "model_id", m.ID, "user", p.UserID)
	return m, nil
}

// DeleteAutomaticSegmentationModel removes the model with all of its segmentations, files first.
func (s *DataPoolService) DeleteAutomaticSegmentationModel(ctx context.Context, p authz.Principal, modelID int64) error {
	m, err := s.store.Models.ByID(ctx, modelID)
	if err != nil {
		return err
	}

	err = s.gate.Check(ctx, p, authz.ActionManageModels, m.ProjectID)
	if err != nil {
		return err
	}

	project, err := s.project(ctx, m.ProjectID)
	if err != nil {
		return err
	}

	autos, err := s.store.AutomaticSegmentations.ByModel(ctx, modelID)
	if err != nil {
		return err
	}
	artifacts := make([]model.Artifact, 0, len(autos))
	for _, a := range autos {
		artifacts = append(artifacts, a)
	}

	err = s.deleteFiles(ctx, project, artifacts)
	if err != nil {
		return err
	}

	err = s.store.InTx(ctx, func(tx *repository.Repositories) error {
		return tx.Models.Delete(ctx, modelID)
	})
	if err != nil {
		return err
	}

	slog.Info("segmentation model deleted", "project", project.ShortName, "model_id", modelID, "user", p.UserID)
	return nil
}

func (s *DataPoolService) AutomaticSegmentationModels(ctx context.Context, p authz.Principal, projectID int64) ([]*model.AutomaticSegmentationModel, error) {
	_, err := s.checkProject(ctx, p, authz.ActionView, projectID)
	if err != nil {
		return nil, err
	}
	return s.store.Models.Models(ctx, projectID)
}

// CreateAutomaticSegmentation records the output of a model for an image.
// A volume, when given, must have the shape of the image volume.
func (s *DataPoolService) CreateAutomaticSegmentation(ctx context.Context, p authz.Principal, imageID, modelID int64, volume io.Reader) (*model.AutomaticSegmentation, error) {
	img, project, err := s.image(ctx, p, authz.ActionManageModels, imageID)
	if err != nil {
		return nil, err
	}

	m, err := s.store.Models.ByID(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if m.ProjectID != img.ProjectID {
		return nil, apperr.New(apperr.ErrValidation, "model %d belongs to another project", modelID)
	}

	var upload *artifact.Volume
	if volume != nil {
		upload, err = s.matchingVolume(ctx, project, img, volume)
		if err != nil {
			return nil, err
		}
	}

	auto := &model.AutomaticSegmentation{
		DataPoolObject: model.DataPoolObject{ProjectID: img.ProjectID, Name: img.Name},
		ImageID:        imageID,
		ModelID:        modelID,
	}

	err = s.withVolume(ctx, func(tx *repository.Repositories) (storage.Staged, error) {
		err := tx.AutomaticSegmentations.Create(ctx, auto)
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.New(apperr.ErrDuplicateArtifact, "image %d already has a segmentation from model %q", imageID, m.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create automatic segmentation: %w", err)
		}

		if upload == nil {
			return nil, nil
		}
		return s.artifacts.Stage(ctx, project, auto, upload)
	})
	if err != nil {
		auto.ID = 0
		return nil, err
	}

	slog.Info("automatic segmentation created", "project", project.ShortName, "image_id", imageID, "model_id", modelID, "user", p.UserID)
	return auto, nil
}

func (s *DataPoolService) DeleteAutomaticSegmentation(ctx context.Context, p authz.Principal, id int64) error {
	auto, err := s.store.AutomaticSegmentations.ByID(ctx, id)
	if err != nil {
		return err
	}

	err = s.gate.Check(ctx, p, authz.ActionManageModels, auto.ProjectID)
	if err != nil {
		return err
	}

	project, err := s.project(ctx, auto.ProjectID)
	if err != nil {
		return err
	}

	err = s.deleteFiles(ctx, project, []model.Artifact{auto})
	if err != nil {
		return err
	}

	return s.store.InTx(ctx, func(tx *repository.Repositories) error {
		return tx.AutomaticSegmentations.Delete(ctx, id)
	})
}

// matchingVolume inspects volume and requires the shape of img's stored volume
func (s *core) matchingVolume(ctx context.Context, project *model.Project, img *model.Image, volume io.Reader) (*artifact.Volume, error) {
	want, err := s.artifacts.ShapeOfArtifact(ctx, project, img)
	if err != nil {
		return nil, err
	}

	upload, err := s.artifacts.Inspect(volume)
	if err != nil {
		return nil, err
	}

	if !upload.Shape.Equal(want) {
		return nil, apperr.New(apperr.ErrDimensionMismatch, "volume has shape %s, image %d has shape %s", upload.Shape, img.ID, want)
	}
	return upload, nil
}

// Case returns the full projection of one image.
func (s *DataPoolService) Case(ctx context.Context, p authz.Principal, imageID int64) (*model.Case, error) {
	img, _, err := s.image(ctx, p, authz.ActionView, imageID)
	if err != nil {
		return nil, err
	}

	var modality, contrastType *string
	if img.ModalityID != nil {
		m, err := s.store.Modalities.ByID(ctx, img.ProjectID, *img.ModalityID)
		if err == nil {
			modality = &m.Name
		} else if !errors.Is(err, repository.ErrModalityNotFound) {
			return nil, err
		}
	}
	if img.ContrastTypeID != nil {
		c, err := s.store.ContrastTypes.ByID(ctx, img.ProjectID, *img.ContrastTypeID)
		if err == nil {
			contrastType = &c.Name
		} else if !errors.Is(err, repository.ErrContrastTypeNotFound) {
			return nil, err
		}
	}

	seg, err := s.store.ManualSegmentations.ByImageID(ctx, imageID)
	switch {
	case err == nil:
		seg.Messages, err = s.store.Messages.Messages(ctx, seg.ID)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, repository.ErrSegmentationNotFound):
		seg = nil
	default:
		return nil, err
	}

	autos, err := s.store.AutomaticSegmentations.Entries(ctx, imageID)
	if err != nil {
		return nil, err
	}

	return model.NewCase(img, modality, contrastType, seg, autos), nil
}

type CaseList struct {
	Cases    []*model.Case `json:"cases"`
	Total    int           `json:"total"`
	Filtered int           `json:"filtered"`
}

// ListCases returns one page of the project's cases. Message trails are not loaded.
func (s *DataPoolService) ListCases(ctx context.Context, p authz.Principal, q repository.CaseQuery) (*CaseList, error) {
	_, err := s.checkProject(ctx, p, authz.ActionView, q.ProjectID)
	if err != nil {
		return nil, err
	}

	switch q.View {
	case "", repository.CaseViewAll, repository.CaseViewSegmentation, repository.CaseViewValidation:
	default:
		return nil, apperr.New(apperr.ErrValidation, "unknown view %q", q.View)
	}
	switch q.Order {
	case "", repository.CaseOrderName, repository.CaseOrderStatus, repository.CaseOrderInsertDate:
	default:
		return nil, apperr.New(apperr.ErrValidation, "cannot order by %q", q.Order)
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, apperr.New(apperr.ErrValidation, "offset and limit must not be negative")
	}
	q.UserID = p.UserID

	page, err := s.store.Images.Cases(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}

	list := &CaseList{Total: page.Total, Filtered: page.Filtered, Cases: make([]*model.Case, 0, len(page.Rows))}
	for _, row := range page.Rows {
		list.Cases = append(list.Cases, model.NewCase(&row.Image, row.ModalityName, row.ContrastTypeName, row.Segmentation(), nil))
	}
	return list, nil
}

// OpenVolume streams one stored volume of a case. modelID selects the
// automatic segmentation and is ignored for the other kinds.
func (s *DataPoolService) OpenVolume(ctx context.Context, p authz.Principal, imageID int64, kind model.Kind, modelID int64) (io.ReadCloser, error) {
	img, project, err := s.image(ctx, p, authz.ActionDownload, imageID)
	if err != nil {
		return nil, err
	}

	var target model.Artifact
	switch kind {
	case model.KindImage:
		target = img
	case model.KindManualSegmentation:
		seg, err := s.store.ManualSegmentations.ByImageID(ctx, imageID)
		if err != nil {
			return nil, err
		}
		target = seg
	case model.KindAutomaticSegmentation:
		autos, err := s.store.AutomaticSegmentations.ByImage(ctx, imageID)
		if err != nil {
			return nil, err
		}
		for _, a := range autos {
			if a.ModelID == modelID {
				target = a
			}
		}
		if target == nil {
			return nil, repository.ErrAutomaticSegmentationNotFound
		}
	default:
		return nil, apperr.New(apperr.ErrValidation, "unknown volume kind %q", kind)
	}

	return s.artifacts.Open(ctx, project, target)
}

type archiveEntry struct {
	name     string
	artifact model.Artifact
	optional bool
}

// Download writes a zip archive with the image volume and, when one was
// submitted, the manual segmentation mask.
func (s *DataPoolService) Download(ctx context.Context, p authz.Principal, imageID int64, w io.Writer) error {
	img, project, err := s.image(ctx, p, authz.ActionDownload, imageID)
	if err != nil {
		return err
	}

	entries := []archiveEntry{{name: "image.nii.gz", artifact: img}}

	seg, err := s.store.ManualSegmentations.ByImageID(ctx, imageID)
	if err == nil {
		entries = append(entries, archiveEntry{name: "mask.nii.gz", artifact: seg, optional: true})
	} else if !errors.Is(err, repository.ErrSegmentationNotFound) {
		return err
	}

	zw := zip.NewWriter(w)
	for _, e := range entries {
		rc, err := s.artifacts.Open(ctx, project, e.artifact)
		if e.optional && errors.Is(err, apperr.ErrArtifactMissing) {
			continue
		}
		if err != nil {
			return err
		}

		// Volumes are already compressed
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		if err == nil {
			_, err = io.Copy(fw, rc)
		}
		rc.Close()
		if err != nil {
			return apperr.Storage(err, "failed to write %s", e.name)
		}
	}

	err = zw.Close()
	if err != nil {
		return apperr.Storage(err, "failed to finish archive")
	}
	return nil
}
