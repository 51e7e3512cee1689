package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage automatic segmentation models and their outputs",
	}

	cmd.AddCommand(modelCreateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list <short-name>",
		Short: "List the segmentation models of a project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}

			models, err := s.DataPoolService.AutomaticSegmentationModels(ctx, caller(ctx), project.ID)
			if err != nil {
				return err
			}
			return printJSON(s.out, models)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a model with all segmentations it produced",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return s.DataPoolService.DeleteAutomaticSegmentationModel(ctx, caller(ctx), id)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "attach <model-id> <image-id> [volume-file]",
		Short: "Record a model output for an image",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			modelID, err := parseID(args[0])
			if err != nil {
				return err
			}
			imageID, err := parseID(args[1])
			if err != nil {
				return err
			}

			var volume io.Reader
			if len(args) == 3 {
				f, err := openVolume(args[2])
				if err != nil {
					return err
				}
				defer f.Close()
				volume = f
			}

			auto, err := s.DataPoolService.CreateAutomaticSegmentation(ctx, caller(ctx), imageID, modelID, volume)
			if err != nil {
				return err
			}
			return printJSON(s.out, map[string]int64{"id": auto.ID, "image_id": auto.ImageID, "model_id": auto.ModelID})
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "detach <automatic-segmentation-id>",
		Short: "Delete one model output and its volume",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return s.DataPoolService.DeleteAutomaticSegmentation(ctx, caller(ctx), id)
		}),
	})
	return cmd
}

func modelCreateCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create <short-name> <name>",
		Short: "Register a segmentation model run",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}

			m, err := s.DataPoolService.CreateAutomaticSegmentationModel(ctx, caller(ctx), project.ID, args[1], description)
			if err != nil {
				return err
			}
			return printJSON(s.out, m)
		}),
	}

	cmd.Flags().StringVar(&description, "description", "", "what produced the segmentations")
	return cmd
}
