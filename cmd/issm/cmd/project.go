package cmd

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/model"
	"github.com/issm/issm/internal/service"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects, members and vocabularies",
	}

	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the projects visible to the caller",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			projects, err := s.ProjectService.Projects(ctx, caller(ctx))
			if err != nil {
				return err
			}
			return printJSON(s.out, projects)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <short-name>",
		Short: "Show a project with its role sets and vocabularies",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(showProject),
	})
	cmd.AddCommand(projectUpdateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <short-name>",
		Short: "Delete a project with all of its cases and volumes",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}
			return s.ProjectService.DeleteProject(ctx, caller(ctx), project.ID)
		}),
	})
	cmd.AddCommand(memberCmd())
	cmd.AddCommand(vocabularyCmd("modality", "modalities"))
	cmd.AddCommand(vocabularyCmd("contrast", "contrast types"))
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var in service.ProjectInput

	cmd := &cobra.Command{
		Use:   "create <short-name>",
		Short: "Create a project (technical admins only)",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			in.ShortName = args[0]
			project, err := s.ProjectService.CreateProject(ctx, caller(ctx), in)
			if err != nil {
				return err
			}
			return printJSON(s.out, project)
		}),
	}

	cmd.Flags().StringVar(&in.LongName, "long-name", "", "descriptive project name")
	cmd.Flags().StringVar(&in.Description, "description", "", "project description")
	cmd.Flags().StringSliceVar(&in.Admins, "admin", nil, "initial admins")
	cmd.Flags().StringSliceVar(&in.Reviewers, "reviewer", nil, "initial reviewers")
	cmd.Flags().StringSliceVar(&in.Users, "user", nil, "initial users")
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var fields []string

	cmd := &cobra.Command{
		Use:   "update <short-name>",
		Short: "Update project attributes from key=value fields",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			values, err := parseFields(fields)
			if err != nil {
				return err
			}

			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}

			project, err = s.ProjectService.UpdateProject(ctx, caller(ctx), project.ID, values)
			if err != nil {
				return err
			}
			return printJSON(s.out, project)
		}),
	}

	cmd.Flags().StringArrayVar(&fields, "field", nil, "field to set as key=value (repeatable)")
	return cmd
}

type projectView struct {
	*model.Project
	Admins        []string                            `json:"admins"`
	Reviewers     []string                            `json:"reviewers"`
	Users         []string                            `json:"users"`
	Modalities    []*model.Modality                   `json:"modalities"`
	ContrastTypes []*model.ContrastType               `json:"contrast_types"`
	Models        []*model.AutomaticSegmentationModel `json:"segmentation_models"`
}

func showProject(ctx context.Context, s *session, args []string) error {
	p := caller(ctx)
	project, err := projectArg(ctx, s, args[0])
	if err != nil {
		return err
	}

	roles, err := s.ProjectService.Roles(ctx, p, project.ID)
	if err != nil {
		return err
	}
	modalities, err := s.ProjectService.Modalities(ctx, p, project.ID)
	if err != nil {
		return err
	}
	contrastTypes, err := s.ProjectService.ContrastTypes(ctx, p, project.ID)
	if err != nil {
		return err
	}
	models, err := s.DataPoolService.AutomaticSegmentationModels(ctx, p, project.ID)
	if err != nil {
		return err
	}

	return printJSON(s.out, projectView{
		Project:       project,
		Admins:        roles.Admins,
		Reviewers:     roles.Reviewers,
		Users:         roles.Users,
		Modalities:    modalities,
		ContrastTypes: contrastTypes,
		Models:        models,
	})
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Grant or revoke project roles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <short-name> <user-id> <admin|reviewer|user>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(3),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}
			return s.ProjectService.AddMember(ctx, caller(ctx), project.ID, args[1], args[2])
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <short-name> <user-id> <admin|reviewer|user>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(3),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}
			return s.ProjectService.RemoveMember(ctx, caller(ctx), project.ID, args[1], args[2])
		}),
	})
	return cmd
}

// vocabularyCmd builds the add/remove commands of modalities or contrast types
func vocabularyCmd(name, plural string) *cobra.Command {
	contrast := name == "contrast"

	cmd := &cobra.Command{
		Use:   name,
		Short: "Manage the " + plural + " of a project",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <short-name> <name>",
		Short: "Add an entry",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}

			var entry any
			if contrast {
				entry, err = s.ProjectService.CreateContrastType(ctx, caller(ctx), project.ID, args[1])
			} else {
				entry, err = s.ProjectService.CreateModality(ctx, caller(ctx), project.ID, args[1])
			}
			if err != nil {
				return err
			}
			return printJSON(s.out, entry)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <short-name> <id>",
		Short: "Remove an entry; images referencing it lose the reference",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}

			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}

			if contrast {
				return s.ProjectService.DeleteContrastType(ctx, caller(ctx), project.ID, id)
			}
			return s.ProjectService.DeleteModality(ctx, caller(ctx), project.ID, id)
		}),
	})
	return cmd
}

func projectArg(ctx context.Context, s *session, shortName string) (*model.Project, error) {
	return s.ProjectService.ProjectByShortName(ctx, caller(ctx), strings.TrimSpace(shortName))
}

// parseFields turns key=value pairs into a field map. A bare key clears the field.
func parseFields(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, apperr.New(apperr.ErrValidation, "malformed field %q, expected key=value", pair)
		}
		if _, dup := fields[key]; dup {
			return nil, apperr.New(apperr.ErrValidation, "field %s given twice", key)
		}
		fields[key] = value
	}
	return fields, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.ErrValidation, "%q is not a valid id", arg)
	}
	return id, nil
}
