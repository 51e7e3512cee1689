package service

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/artifact"
	"github.com/issm/issm/internal/authz"
	"github.com/issm/issm/internal/db/dbtest"
	"github.com/issm/issm/internal/model"
	"github.com/issm/issm/internal/repository"
	"github.com/issm/issm/internal/storage"
	"github.com/issm/issm/internal/volume"
	"github.com/issm/issm/internal/workflow"
)

var (
	root     = authz.Principal{UserID: "root", TechnicalAdmin: true}
	admin    = authz.Principal{UserID: "alice"}
	reviewer = authz.Principal{UserID: "rev"}
	user     = authz.Principal{UserID: "u"}
	outsider = authz.Principal{UserID: "mallory"}
)

type fixture struct {
	store     *repository.Store
	artifacts *artifact.Store
	dataRoot  string
	projects  *ProjectService
	datapool  *DataPoolService
	workflow  *WorkflowService
	project   *model.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dataRoot := t.TempDir()
	local, err := storage.NewLocalStorage(dataRoot)
	require.NoError(t, err)

	store := repository.NewStore(dbtest.Open(t))
	gate := authz.NewGate(store.Projects)
	artifacts := artifact.New(local, volume.NewNIfTI(), 0)

	f := &fixture{
		store:     store,
		artifacts: artifacts,
		dataRoot:  dataRoot,
		projects:  NewProjectService(store, gate, artifacts),
		datapool:  NewDataPoolService(store, gate, artifacts),
		workflow:  NewWorkflowService(store, gate, artifacts),
	}

	f.project, err = f.projects.CreateProject(context.Background(), root, ProjectInput{
		ShortName: "P1",
		LongName:  "Project one",
		Admins:    []string{admin.UserID},
		Reviewers: []string{reviewer.UserID},
		Users:     []string{user.UserID},
	})
	require.NoError(t, err)
	return f
}

func encode(t *testing.T, shape ...int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, volume.NewNIfTI().Encode(&buf, volume.Shape(shape), nil))
	return buf.Bytes()
}

func (f *fixture) createImage(t *testing.T, name string, shape ...int) *model.Image {
	t.Helper()
	img, err := f.datapool.CreateImage(context.Background(), admin, f.project.ID, name, nil, bytes.NewReader(encode(t, shape...)))
	require.NoError(t, err)
	return img
}

func (f *fixture) segmentation(t *testing.T, imageID int64) *model.ManualSegmentation {
	t.Helper()
	seg, err := f.store.ManualSegmentations.ByImageID(context.Background(), imageID)
	require.NoError(t, err)
	return seg
}

func (f *fixture) caseOf(t *testing.T, imageID int64) *model.Case {
	t.Helper()
	c, err := f.datapool.Case(context.Background(), admin, imageID)
	require.NoError(t, err)
	return c
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestReviewLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Scenario 1: image upload creates the companion segmentation in the entry state
	img := f.createImage(t, "scan1", 100, 100, 100)
	seg := f.segmentation(t, img.ID)
	assert.Equal(t, model.StatusNew, seg.Status)
	assert.True(t, seg.Status.IsEntry())

	path, err := f.artifacts.ResolvePath(f.project, img)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dataRoot, "P1", "images"), filepath.Dir(path))
	assert.True(t, fileExists(t, path))

	// Scenario 2: reviewer assigns to the user
	seg, err = f.workflow.Assign(ctx, reviewer, img.ID, user.UserID, "Assigned")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, seg.Status)
	assert.Equal(t, user.UserID, *seg.AssigneeID)
	assert.NotNil(t, seg.AssignedDate)
	c := f.caseOf(t, img.ID)
	require.Len(t, c.ManualSegmentation.Messages, 1)
	assert.Equal(t, "Assigned", c.ManualSegmentation.Messages[0].Message)
	assert.Equal(t, reviewer.UserID, c.ManualSegmentation.Messages[0].UserID)

	// Scenario 3: unclaiming appends the system message
	seg, err = f.workflow.Unclaim(ctx, user, img.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, seg.Status)
	assert.Nil(t, seg.AssigneeID)
	assert.Nil(t, seg.AssignedDate)
	c = f.caseOf(t, img.ID)
	require.Len(t, c.ManualSegmentation.Messages, 2)
	assert.Equal(t, UnclaimedMessage, c.ManualSegmentation.Messages[1].Message)

	// Scenario 4: a mask of the wrong shape changes nothing
	_, err = f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(encode(t, 50, 50, 50)))
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	seg = f.segmentation(t, img.ID)
	assert.Equal(t, model.StatusAssigned, seg.Status)
	maskPath, err := f.artifacts.ResolvePath(f.project, seg)
	require.NoError(t, err)
	assert.False(t, fileExists(t, maskPath))
	entries, err := os.ReadDir(filepath.Dir(maskPath))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Scenario 5: a matching mask is stored and submitted
	mask := encode(t, 100, 100, 100)
	seg, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(mask))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, seg.Status)
	assert.Equal(t, filepath.Join(f.dataRoot, "P1", "manual_segmentations", strconv.FormatInt(seg.ID, 10)+".nii.gz"), maskPath)
	stored, err := os.ReadFile(maskPath)
	require.NoError(t, err)
	assert.Equal(t, mask, stored)

	// Scenario 6: acceptance is terminal
	seg, err = f.workflow.Review(ctx, reviewer, img.ID, DecisionAccept, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, seg.Status)
	assert.Equal(t, reviewer.UserID, *seg.ValidatedByID)
	assert.NotNil(t, seg.ValidationDate)

	_, err = f.workflow.Assign(ctx, reviewer, img.ID, user.UserID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(mask))
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	assert.Equal(t, model.StatusAccepted, f.segmentation(t, img.ID).Status)
}

func TestRejectReturnsCaseToPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)

	_, err := f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	require.NoError(t, err)

	seg, err := f.workflow.Review(ctx, reviewer, img.ID, DecisionReject, "Left lobe missing")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, seg.Status)
	assert.Nil(t, seg.AssigneeID)

	c := f.caseOf(t, img.ID)
	assert.Equal(t, "Queued", c.ManualSegmentation.StatusLabel)
	require.Len(t, c.ManualSegmentation.Messages, 1)
	assert.Equal(t, "Left lobe missing", c.ManualSegmentation.Messages[0].Message)

	_, err = f.workflow.Assign(ctx, user, img.ID, "", "")
	assert.NoError(t, err)
}

func TestReviewRequiresReviewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)

	_, err := f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	require.NoError(t, err)

	_, err = f.workflow.Review(ctx, user, img.ID, DecisionAccept, "")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	assert.Equal(t, model.StatusSubmitted, f.segmentation(t, img.ID).Status)

	_, err = f.workflow.Review(ctx, outsider, img.ID, DecisionReject, "")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	assert.Equal(t, model.StatusSubmitted, f.segmentation(t, img.ID).Status)
}

func TestAssignOtherRequiresReviewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)

	_, err := f.workflow.Assign(ctx, user, img.ID, reviewer.UserID, "")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = f.workflow.Assign(ctx, reviewer, img.ID, outsider.UserID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	seg := f.segmentation(t, img.ID)
	assert.Equal(t, model.StatusNew, seg.Status)
	assert.Nil(t, seg.AssigneeID)
}

func TestOnlyAssigneeOrReviewerMaySubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.projects.AddMember(ctx, admin, f.project.ID, "u2", model.RoleUser))
	img := f.createImage(t, "scan1", 4, 4, 4)

	_, err := f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)

	other := authz.Principal{UserID: "u2"}
	_, err = f.workflow.Submit(ctx, other, img.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.workflow.Unclaim(ctx, other, img.ID, "")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	seg, err := f.workflow.Unclaim(ctx, reviewer, img.ID, "Reassigning")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, seg.Status)
}

func TestIllegalTransitionsLeaveEverythingUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)

	_, err := f.workflow.Unclaim(ctx, reviewer, img.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	_, err = f.workflow.Submit(ctx, reviewer, img.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	_, err = f.workflow.Review(ctx, reviewer, img.ID, DecisionAccept, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	seg := f.segmentation(t, img.ID)
	assert.Equal(t, model.StatusNew, seg.Status)
	assert.Nil(t, seg.AssigneeID)
	ok, err := f.artifacts.Exists(ctx, f.project, seg)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.caseOf(t, img.ID).ManualSegmentation.Messages)
}

func TestStaleTransitionLosesWithStateConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)

	stale, err := f.workflow.load(ctx, reviewer, authz.ActionAssignOther, img.ID)
	require.NoError(t, err)

	_, err = f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)

	t1 := workflow.Transition{Event: workflow.EventAssign, UserID: reviewer.UserID, At: time.Now().UTC()}
	_, err = f.workflow.apply(ctx, reviewer, stale, t1, nil, "mine")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	seg := f.segmentation(t, img.ID)
	assert.Equal(t, user.UserID, *seg.AssigneeID)
	assert.Empty(t, f.caseOf(t, img.ID).ManualSegmentation.Messages)
}

func TestAppendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)

	_, err := f.workflow.AppendMessage(ctx, user, img.ID, "Looks noisy")
	require.NoError(t, err)
	_, err = f.workflow.AppendMessage(ctx, user, img.ID, "  ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.workflow.AppendMessage(ctx, outsider, img.ID, "hi")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	c := f.caseOf(t, img.ID)
	assert.Equal(t, model.StatusNew, c.ManualSegmentation.Status)
	require.Len(t, c.ManualSegmentation.Messages, 1)
}

func TestDeleteImageCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)

	_, err := f.workflow.Assign(ctx, user, img.ID, "", "hi")
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	require.NoError(t, err)

	m, err := f.datapool.CreateAutomaticSegmentationModel(ctx, admin, f.project.ID, "nnunet", "")
	require.NoError(t, err)
	auto, err := f.datapool.CreateAutomaticSegmentation(ctx, admin, img.ID, m.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	require.NoError(t, err)

	seg := f.segmentation(t, img.ID)
	var paths []string
	for _, a := range []model.Artifact{img, seg, auto} {
		path, err := f.artifacts.ResolvePath(f.project, a)
		require.NoError(t, err)
		require.True(t, fileExists(t, path), path)
		paths = append(paths, path)
	}

	assert.ErrorIs(t, f.datapool.DeleteImage(ctx, reviewer, img.ID), apperr.ErrPermissionDenied)

	require.NoError(t, f.datapool.DeleteImage(ctx, admin, img.ID))

	for _, path := range paths {
		assert.False(t, fileExists(t, path), path)
	}
	_, err = f.store.ManualSegmentations.ByImageID(ctx, img.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	autos, err := f.store.AutomaticSegmentations.ByImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Empty(t, autos)
	_, err = f.datapool.Case(ctx, admin, img.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteImageKeepsRowsWhenFilesCannotBeRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)

	// A directory in place of the mask makes its removal fail
	seg := f.segmentation(t, img.ID)
	maskPath, err := f.artifacts.ResolvePath(f.project, seg)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(maskPath, "blocker"), 0755))

	err = f.datapool.DeleteImage(ctx, admin, img.ID)
	assert.ErrorIs(t, err, apperr.ErrStorage)

	_, err = f.store.Images.ByID(ctx, img.ID)
	assert.NoError(t, err)
	assert.Equal(t, seg.ID, f.segmentation(t, img.ID).ID)
}

func TestDuplicateAutomaticSegmentation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)
	m, err := f.datapool.CreateAutomaticSegmentationModel(ctx, admin, f.project.ID, "nnunet", "v1")
	require.NoError(t, err)

	_, err = f.datapool.CreateAutomaticSegmentation(ctx, admin, img.ID, m.ID, nil)
	require.NoError(t, err)
	_, err = f.datapool.CreateAutomaticSegmentation(ctx, admin, img.ID, m.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	assert.ErrorIs(t, err, apperr.ErrDuplicateArtifact)

	_, err = f.datapool.CreateAutomaticSegmentation(ctx, admin, img.ID, m.ID, bytes.NewReader(encode(t, 2, 2, 2)))
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)

	c := f.caseOf(t, img.ID)
	require.Len(t, c.AutomaticSegmentations, 1)
	assert.Equal(t, "nnunet", c.AutomaticSegmentations[0].ModelName)
}

func TestDeleteModelRemovesSegmentationFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 4, 4, 4)
	m, err := f.datapool.CreateAutomaticSegmentationModel(ctx, admin, f.project.ID, "nnunet", "")
	require.NoError(t, err)
	auto, err := f.datapool.CreateAutomaticSegmentation(ctx, admin, img.ID, m.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	require.NoError(t, err)
	path, err := f.artifacts.ResolvePath(f.project, auto)
	require.NoError(t, err)
	require.True(t, fileExists(t, path))

	require.NoError(t, f.datapool.DeleteAutomaticSegmentationModel(ctx, admin, m.ID))

	assert.False(t, fileExists(t, path))
	models, err := f.datapool.AutomaticSegmentationModels(ctx, user, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, models)
	assert.Empty(t, f.caseOf(t, img.ID).AutomaticSegmentations)
}

func TestCreateImageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createImage(t, "scan1", 4, 4, 4)

	_, err := f.datapool.CreateImage(ctx, admin, f.project.ID, "scan1", nil, nil)
	assert.ErrorIs(t, err, apperr.ErrDuplicateArtifact)

	_, err = f.datapool.CreateImage(ctx, admin, f.project.ID, "scan2", nil, bytes.NewReader([]byte("garbage")))
	assert.ErrorIs(t, err, apperr.ErrInvalidVolume)
	_, err = f.store.Images.ByName(ctx, f.project.ID, "scan2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.datapool.CreateImage(ctx, user, f.project.ID, "scan3", nil, nil)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = f.datapool.CreateImage(ctx, admin, f.project.ID, "scan4", map[string]any{FieldModality: "PET"}, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.store.Images.ByName(ctx, f.project.ID, "scan4")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateImageFromFieldMap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.projects.CreateModality(ctx, admin, f.project.ID, "CT")
	require.NoError(t, err)
	img := f.createImage(t, "scan1", 4, 4, 4)

	updated, err := f.datapool.UpdateImage(ctx, reviewer, img.ID, map[string]any{
		"id":           int64(77),
		"name":         "",
		"patient_name": "Doe^Jane",
		"patient_dob":  "Tue, 01 Jan 1980 00:00:00 UTC",
		FieldModality:  "CT",
	})
	require.NoError(t, err)
	assert.Equal(t, img.ID, updated.ID)
	assert.Equal(t, "scan1", updated.Name)
	assert.Equal(t, "Doe^Jane", *updated.PatientName)
	assert.Equal(t, 1980, updated.PatientDOB.Year())

	c := f.caseOf(t, img.ID)
	require.NotNil(t, c.Modality)
	assert.Equal(t, "CT", *c.Modality)

	_, err = f.datapool.UpdateImage(ctx, reviewer, img.ID, map[string]any{"study_date": "yesterday"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.datapool.UpdateImage(ctx, user, img.ID, map[string]any{"split": "test"})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestListCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createImage(t, "alpha", 2, 2)
	f.createImage(t, "beta", 2, 2)

	_, err := f.workflow.Assign(ctx, reviewer, a.ID, user.UserID, "")
	require.NoError(t, err)

	list, err := f.datapool.ListCases(ctx, user, repository.CaseQuery{ProjectID: f.project.ID, View: repository.CaseViewSegmentation})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)

	list, err = f.datapool.ListCases(ctx, reviewer, repository.CaseQuery{ProjectID: f.project.ID, View: repository.CaseViewSegmentation})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Cases, 1)
	assert.Equal(t, "beta", list.Cases[0].Name)

	list, err = f.datapool.ListCases(ctx, user, repository.CaseQuery{ProjectID: f.project.ID, Search: "alp"})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, 1, list.Filtered)
	require.Len(t, list.Cases, 1)
	assert.Equal(t, model.StatusAssigned, list.Cases[0].ManualSegmentation.Status)

	_, err = f.datapool.ListCases(ctx, user, repository.CaseQuery{ProjectID: f.project.ID, Order: "patient_dob; DROP TABLE images"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.datapool.ListCases(ctx, outsider, repository.CaseQuery{ProjectID: f.project.ID})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestDownloadZip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	imageBytes := encode(t, 3, 3, 3)
	img, err := f.datapool.CreateImage(ctx, admin, f.project.ID, "scan1", nil, bytes.NewReader(imageBytes))
	require.NoError(t, err)

	read := func() map[string][]byte {
		var buf bytes.Buffer
		require.NoError(t, f.datapool.Download(ctx, user, img.ID, &buf))
		zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		require.NoError(t, err)
		files := map[string][]byte{}
		for _, zf := range zr.File {
			rc, err := zf.Open()
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			files[zf.Name] = data
		}
		return files
	}

	files := read()
	assert.Equal(t, map[string][]byte{"image.nii.gz": imageBytes}, files)

	mask := encode(t, 3, 3, 3)
	_, err = f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(mask))
	require.NoError(t, err)

	files = read()
	assert.Equal(t, mask, files["mask.nii.gz"])

	rc, err := f.datapool.OpenVolume(ctx, user, img.ID, model.KindManualSegmentation, 0)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, mask, data)

	err = f.datapool.Download(ctx, outsider, img.ID, io.Discard)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestSubmitWithoutImageVolume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img, err := f.datapool.CreateImage(ctx, admin, f.project.ID, "empty", nil, nil)
	require.NoError(t, err)

	_, err = f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(encode(t, 2, 2)))
	assert.ErrorIs(t, err, apperr.ErrArtifactMissing)
	assert.Equal(t, model.StatusAssigned, f.segmentation(t, img.ID).Status)

	require.NoError(t, f.datapool.UploadImageVolume(ctx, admin, img.ID, bytes.NewReader(encode(t, 2, 2))))
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(encode(t, 2, 2)))
	assert.NoError(t, err)
}

func TestSubmitRejectsDamagedMask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.createImage(t, "scan1", 40, 40, 40)
	_, err := f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)

	full := encode(t, 40, 40, 40)
	damaged := append(append([]byte{}, full[:len(full)/2]...), bytes.Repeat([]byte{0xAB}, 100)...)

	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(damaged))
	assert.ErrorIs(t, err, apperr.ErrInvalidVolume)

	seg := f.segmentation(t, img.ID)
	assert.Equal(t, model.StatusAssigned, seg.Status)
	path, err := f.artifacts.ResolvePath(f.project, seg)
	require.NoError(t, err)
	assert.False(t, fileExists(t, path))

	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(full[:len(full)-8]))
	assert.ErrorIs(t, err, apperr.ErrInvalidVolume)

	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(full))
	require.NoError(t, err)
}

func TestImageVocabularyStaysInProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.projects.CreateProject(ctx, root, ProjectInput{ShortName: "P2", LongName: "Project two"})
	require.NoError(t, err)
	foreignModality, err := f.projects.CreateModality(ctx, root, other.ID, "CT")
	require.NoError(t, err)
	foreignContrast, err := f.projects.CreateContrastType(ctx, root, other.ID, "T1")
	require.NoError(t, err)
	ownModality, err := f.projects.CreateModality(ctx, admin, f.project.ID, "MR")
	require.NoError(t, err)

	img := f.createImage(t, "scan1", 4, 4, 4)

	_, err = f.datapool.UpdateImage(ctx, reviewer, img.ID, map[string]any{"modality_id": foreignModality.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.datapool.UpdateImage(ctx, reviewer, img.ID, map[string]any{"contrast_type_id": foreignContrast.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err := f.store.Images.ByID(ctx, img.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ModalityID)
	assert.Nil(t, got.ContrastTypeID)

	_, err = f.datapool.CreateImage(ctx, admin, f.project.ID, "scan2", map[string]any{"contrast_type_id": foreignContrast.ID}, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	updated, err := f.datapool.UpdateImage(ctx, reviewer, img.ID, map[string]any{"modality_id": ownModality.ID})
	require.NoError(t, err)
	require.NotNil(t, updated.ModalityID)
	assert.Equal(t, ownModality.ID, *updated.ModalityID)
}

func TestCreateImageTakesNameFromArgument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.datapool.CreateImage(ctx, admin, f.project.ID, "scan1", map[string]any{"name": "../../etc", "split": "train"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scan1", img.Name)
	require.NotNil(t, img.Split)
	assert.Equal(t, "train", *img.Split)
}

func TestReplaceImageVolumeMustFitMasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := f.createImage(t, "scan1", 10, 10, 10)
	_, err := f.workflow.Assign(ctx, user, img.ID, "", "")
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, user, img.ID, bytes.NewReader(encode(t, 10, 10, 10)))
	require.NoError(t, err)

	err = f.datapool.UploadImageVolume(ctx, admin, img.ID, bytes.NewReader(encode(t, 5, 5, 5)))
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	shape, err := f.artifacts.ShapeOfArtifact(ctx, f.project, img)
	require.NoError(t, err)
	assert.Equal(t, volume.Shape{10, 10, 10}, shape)

	require.NoError(t, f.datapool.UploadImageVolume(ctx, admin, img.ID, bytes.NewReader(encode(t, 10, 10, 10))))

	// Automatic segmentations pin the shape too
	auto := f.createImage(t, "scan2", 4, 4, 4)
	m, err := f.datapool.CreateAutomaticSegmentationModel(ctx, admin, f.project.ID, "nnunet", "")
	require.NoError(t, err)
	_, err = f.datapool.CreateAutomaticSegmentation(ctx, admin, auto.ID, m.ID, bytes.NewReader(encode(t, 4, 4, 4)))
	require.NoError(t, err)
	err = f.datapool.UploadImageVolume(ctx, admin, auto.ID, bytes.NewReader(encode(t, 3, 3, 3)))
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)

	// Without stored masks any shape goes
	bare := f.createImage(t, "scan3", 4, 4, 4)
	assert.NoError(t, f.datapool.UploadImageVolume(ctx, admin, bare.ID, bytes.NewReader(encode(t, 6, 6))))
}

func TestUnknownProjectIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const missing = int64(9999)

	for _, p := range []authz.Principal{root, user} {
		_, err := f.datapool.ListCases(ctx, p, repository.CaseQuery{ProjectID: missing})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = f.datapool.AutomaticSegmentationModels(ctx, p, missing)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = f.projects.Modalities(ctx, p, missing)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = f.projects.ContrastTypes(ctx, p, missing)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = f.projects.Roles(ctx, p, missing)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = f.projects.UpdateProject(ctx, p, missing, map[string]any{"description": "x"})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	}
}
