package service

import (
	"context"
	"log/slog"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/artifact"
	"github.com/issm/issm/internal/authz"
	"github.com/issm/issm/internal/model"
	"github.com/issm/issm/internal/repository"
	"github.com/issm/issm/internal/storage"
)

// core is shared by the services: relational store, authorization and volume files.
type core struct {
	store     *repository.Store
	gate      *authz.Gate
	artifacts *artifact.Store
}

func (c *core) project(ctx context.Context, projectID int64) (*model.Project, error) {
	return c.store.Projects.ByID(ctx, projectID)
}

// checkProject loads the project, so an unknown id is NotFound for every
// caller, and then checks action on it.
func (c *core) checkProject(ctx context.Context, p authz.Principal, action authz.Action, projectID int64) (*model.Project, error) {
	project, err := c.project(ctx, projectID)
	if err != nil {
		return nil, err
	}

	err = c.gate.Check(ctx, p, action, projectID)
	if err != nil {
		return nil, err
	}
	return project, nil
}

// image loads an image together with its project and checks action on that project
func (c *core) image(ctx context.Context, p authz.Principal, action authz.Action, imageID int64) (*model.Image, *model.Project, error) {
	img, err := c.store.Images.ByID(ctx, imageID)
	if err != nil {
		return nil, nil, err
	}

	err = c.gate.Check(ctx, p, action, img.ProjectID)
	if err != nil {
		return nil, nil, err
	}

	project, err := c.project(ctx, img.ProjectID)
	if err != nil {
		return nil, nil, err
	}

	return img, project, nil
}

// withVolume runs fn in one transaction. The volume fn stages, if any, is
// moved into place after fn succeeded and before the metadata commits, so
// committed rows never reference a missing file. Once the staging is done the
// transaction runs to completion even if ctx is cancelled.
func (c *core) withVolume(ctx context.Context, fn func(tx *repository.Repositories) (storage.Staged, error)) error {
	txCtx := context.WithoutCancel(ctx)

	var staged storage.Staged
	committed := false
	err := c.store.InTx(txCtx, func(tx *repository.Repositories) error {
		var err error
		staged, err = fn(tx)
		if err != nil || staged == nil {
			return err
		}

		err = staged.Commit(txCtx)
		if err != nil {
			return apperr.Storage(err, "failed to store volume")
		}
		committed = true
		return nil
	})

	if staged != nil {
		discard(staged)
	}
	if err != nil && committed {
		slog.Error("volume stored but metadata commit failed", "error", err)
	}
	return err
}

// discard drops a staged volume. Finished handles ignore the call.
func discard(staged storage.Staged) {
	err := staged.Discard()
	if err != nil {
		slog.Error("failed to discard staged volume", "error", err)
	}
}

// deleteFiles removes the backing files of artifacts, stopping at the first failure
func (c *core) deleteFiles(ctx context.Context, project *model.Project, artifacts []model.Artifact) error {
	err := c.artifacts.DeleteAll(ctx, project, artifacts)
	if err != nil {
		slog.Error("volume deletion failed, rows kept", "project", project.ShortName, "error", err)
		return err
	}
	return nil
}
