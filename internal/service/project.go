package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/artifact"
	"github.com/issm/issm/internal/authz"
	"github.com/issm/issm/internal/fieldmap"
	"github.com/issm/issm/internal/model"
	"github.com/issm/issm/internal/repository"
	"github.com/issm/issm/internal/validation"
)

type ProjectInput struct {
	ShortName   string
	LongName    string
	Description string
	Admins      []string
	Reviewers   []string
	Users       []string
}

type ProjectService struct {
	core
}

func NewProjectService(store *repository.Store, gate *authz.Gate, artifacts *artifact.Store) *ProjectService {
	return &ProjectService{core{store: store, gate: gate, artifacts: artifacts}}
}

func (s *ProjectService) CreateProject(ctx context.Context, p authz.Principal, in ProjectInput) (*model.Project, error) {
	err := s.gate.Check(ctx, p, authz.ActionCreateProject, 0)
	if err != nil {
		return nil, err
	}

	in.ShortName = strings.TrimSpace(in.ShortName)
	err = validation.ValidateShortName(in.ShortName)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, err, "invalid short name")
	}
	err = validation.ValidateDescription(in.Description)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, err, "invalid description")
	}

	project := &model.Project{
		ShortName:   in.ShortName,
		LongName:    strings.TrimSpace(in.LongName),
		Description: in.Description,
		Active:      true,
	}

	err = s.store.InTx(ctx, func(tx *repository.Repositories) error {
		err := tx.Projects.Create(ctx, project)
		if errors.Is(err, repository.ErrDuplicate) {
			return apperr.New(apperr.ErrValidation, "short name %q is already taken", in.ShortName)
		}
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}

		roles := map[string][]string{
			model.RoleAdmin:    in.Admins,
			model.RoleReviewer: in.Reviewers,
			model.RoleUser:     in.Users,
		}
		for role, users := range roles {
			for _, userID := range users {
				err := tx.Projects.AddMember(ctx, model.ProjectMember{ProjectID: project.ID, UserID: userID, Role: role})
				if err != nil {
					return fmt.Errorf("failed to add %s %s: %w", role, userID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		project.ID = 0
		return nil, err
	}

	slog.Info("project created", "project", project.ShortName, "id", project.ID, "user", p.UserID)
	return project, nil
}

// UpdateProject applies a partial update. The short name cannot change.
func (s *ProjectService) UpdateProject(ctx context.Context, p authz.Principal, projectID int64, fields map[string]any) (*model.Project, error) {
	_, err := s.checkProject(ctx, p, authz.ActionManageProject, projectID)
	if err != nil {
		return nil, err
	}

	assignments, err := fieldmap.Apply(repository.ProjectColumns, fields)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if a.Column.Name == "description" {
			err = validation.ValidateDescription(fmt.Sprint(a.Value))
			if err != nil {
				return nil, apperr.Wrap(apperr.ErrValidation, err, "invalid description")
			}
		}
	}

	err = s.store.InTx(ctx, func(tx *repository.Repositories) error {
		return tx.Projects.Update(ctx, projectID, assignments)
	})
	if err != nil {
		return nil, err
	}

	return s.project(ctx, projectID)
}

// DeleteProject removes every volume file of the project, then all of its rows.
func (s *ProjectService) DeleteProject(ctx context.Context, p authz.Principal, projectID int64) error {
	project, err := s.project(ctx, projectID)
	if err != nil {
		return err
	}

	err = s.gate.Check(ctx, p, authz.ActionManageProject, projectID)
	if err != nil {
		return err
	}

	artifacts, err := s.projectArtifacts(ctx, projectID)
	if err != nil {
		return err
	}

	err = s.deleteFiles(ctx, project, artifacts)
	if err != nil {
		return err
	}

	err = s.store.InTx(ctx, func(tx *repository.Repositories) error {
		return tx.Projects.Delete(ctx, projectID)
	})
	if err != nil {
		return err
	}

	slog.Info("project deleted", "project", project.ShortName, "volumes", len(artifacts), "user", p.UserID)
	return nil
}

func (s *ProjectService) projectArtifacts(ctx context.Context, projectID int64) ([]model.Artifact, error) {
	var out []model.Artifact

	autos, err := s.store.AutomaticSegmentations.ByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, a := range autos {
		out = append(out, a)
	}

	segs, err := s.store.ManualSegmentations.Segmentations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		out = append(out, seg)
	}

	images, err := s.store.Images.Images(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		out = append(out, img)
	}

	return out, nil
}

// Projects lists what p can see: everything for technical admins, memberships otherwise
func (s *ProjectService) Projects(ctx context.Context, p authz.Principal) ([]*model.Project, error) {
	if p.TechnicalAdmin {
		return s.store.Projects.Projects(ctx)
	}
	if p.UserID == "" {
		return nil, apperr.New(apperr.ErrPermissionDenied, "anonymous callers cannot list projects")
	}
	return s.store.Projects.ProjectsForUser(ctx, p.UserID)
}

func (s *ProjectService) Project(ctx context.Context, p authz.Principal, projectID int64) (*model.Project, error) {
	project, err := s.project(ctx, projectID)
	if err != nil {
		return nil, err
	}

	err = s.gate.Check(ctx, p, authz.ActionView, projectID)
	if err != nil {
		return nil, err
	}

	return project, nil
}

func (s *ProjectService) ProjectByShortName(ctx context.Context, p authz.Principal, shortName string) (*model.Project, error) {
	project, err := s.store.Projects.ByShortName(ctx, shortName)
	if err != nil {
		return nil, err
	}

	err = s.gate.Check(ctx, p, authz.ActionView, project.ID)
	if err != nil {
		return nil, err
	}

	return project, nil
}

func (s *ProjectService) AddMember(ctx context.Context, p authz.Principal, projectID int64, userID, role string) error {
	member, err := s.member(ctx, p, projectID, userID, role)
	if err != nil {
		return err
	}

	err = s.store.Projects.AddMember(ctx, member)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	slog.Info("project member added", "project_id", projectID, "member", userID, "role", role, "user", p.UserID)
	return nil
}

func (s *ProjectService) RemoveMember(ctx context.Context, p authz.Principal, projectID int64, userID, role string) error {
	member, err := s.member(ctx, p, projectID, userID, role)
	if err != nil {
		return err
	}

	err = s.store.Projects.RemoveMember(ctx, member)
	if err != nil {
		return err
	}

	slog.Info("project member removed", "project_id", projectID, "member", userID, "role", role, "user", p.UserID)
	return nil
}

func (s *ProjectService) member(ctx context.Context, p authz.Principal, projectID int64, userID, role string) (model.ProjectMember, error) {
	_, err := s.project(ctx, projectID)
	if err != nil {
		return model.ProjectMember{}, err
	}

	err = s.gate.Check(ctx, p, authz.ActionManageMembers, projectID)
	if err != nil {
		return model.ProjectMember{}, err
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return model.ProjectMember{}, apperr.New(apperr.ErrValidation, "user id is required")
	}
	if !model.ValidRole(role) {
		return model.ProjectMember{}, apperr.New(apperr.ErrValidation, "unknown role %q", role)
	}

	return model.ProjectMember{ProjectID: projectID, UserID: userID, Role: role}, nil
}

// Roles returns the derived role sets of the project
func (s *ProjectService) Roles(ctx context.Context, p authz.Principal, projectID int64) (authz.RoleSets, error) {
	_, err := s.checkProject(ctx, p, authz.ActionView, projectID)
	if err != nil {
		return authz.RoleSets{}, err
	}
	return s.gate.Roles(ctx, projectID)
}

func (s *ProjectService) CreateModality(ctx context.Context, p authz.Principal, projectID int64, name string) (*model.Modality, error) {
	name, err := s.vocabularyName(ctx, p, projectID, name)
	if err != nil {
		return nil, err
	}

	modality, err := s.store.Modalities.Create(ctx, projectID, name)
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, apperr.New(apperr.ErrDuplicateArtifact, "modality %q already exists", name)
	}
	return modality, err
}

func (s *ProjectService) DeleteModality(ctx context.Context, p authz.Principal, projectID, id int64) error {
	_, err := s.checkProject(ctx, p, authz.ActionManageVocabulary, projectID)
	if err != nil {
		return err
	}
	return s.store.Modalities.Delete(ctx, projectID, id)
}

func (s *ProjectService) Modalities(ctx context.Context, p authz.Principal, projectID int64) ([]*model.Modality, error) {
	_, err := s.checkProject(ctx, p, authz.ActionView, projectID)
	if err != nil {
		return nil, err
	}
	return s.store.Modalities.List(ctx, projectID)
}

func (s *ProjectService) CreateContrastType(ctx context.Context, p authz.Principal, projectID int64, name string) (*model.ContrastType, error) {
	name, err := s.vocabularyName(ctx, p, projectID, name)
	if err != nil {
		return nil, err
	}

	contrastType, err := s.store.ContrastTypes.Create(ctx, projectID, name)
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, apperr.New(apperr.ErrDuplicateArtifact, "contrast type %q already exists", name)
	}
	return contrastType, err
}

func (s *ProjectService) DeleteContrastType(ctx context.Context, p authz.Principal, projectID, id int64) error {
	_, err := s.checkProject(ctx, p, authz.ActionManageVocabulary, projectID)
	if err != nil {
		return err
	}
	return s.store.ContrastTypes.Delete(ctx, projectID, id)
}

func (s *ProjectService) ContrastTypes(ctx context.Context, p authz.Principal, projectID int64) ([]*model.ContrastType, error) {
	_, err := s.checkProject(ctx, p, authz.ActionView, projectID)
	if err != nil {
		return nil, err
	}
	return s.store.ContrastTypes.List(ctx, projectID)
}

func (s *ProjectService) vocabularyName(ctx context.Context, p authz.Principal, projectID int64, name string) (string, error) {
	_, err := s.project(ctx, projectID)
	if err != nil {
		return "", err
	}

	err = s.gate.Check(ctx, p, authz.ActionManageVocabulary, projectID)
	if err != nil {
		return "", err
	}

	name = strings.TrimSpace(name)
	err = validation.ValidateName(name)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrValidation, err, "invalid name")
	}
	return name, nil
}
