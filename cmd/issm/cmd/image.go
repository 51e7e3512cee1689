package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/issm/issm/internal/apperr"
)

func imageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Import, update and delete images",
	}

	cmd.AddCommand(imageImportCmd())
	cmd.AddCommand(imageUpdateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "upload <image-id> <volume-file>",
		Short: "Replace the volume of an image",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			volume, err := openVolume(args[1])
			if err != nil {
				return err
			}
			defer volume.Close()

			return s.DataPoolService.UploadImageVolume(ctx, caller(ctx), id, volume)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <image-id>",
		Short: "Delete an image with its segmentations and volumes",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return s.DataPoolService.DeleteImage(ctx, caller(ctx), id)
		}),
	})
	return cmd
}

func imageImportCmd() *cobra.Command {
	var fields []string

	cmd := &cobra.Command{
		Use:   "import <short-name> <name> [volume-file]",
		Short: "Create an image, optionally with its volume",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			values, err := parseFields(fields)
			if err != nil {
				return err
			}

			project, err := projectArg(ctx, s, args[0])
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

			img, err := s.DataPoolService.CreateImage(ctx, caller(ctx), project.ID, args[1], values, volume)
			if err != nil {
				return err
			}
			return showCase(ctx, s, img.ID)
		}),
	}

	cmd.Flags().StringArrayVar(&fields, "field", nil, "metadata field as key=value (repeatable)")
	return cmd
}

func imageUpdateCmd() *cobra.Command {
	var fields []string

	cmd := &cobra.Command{
		Use:   "update <image-id>",
		Short: "Update image metadata from key=value fields",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			values, err := parseFields(fields)
			if err != nil {
				return err
			}

			_, err = s.DataPoolService.UpdateImage(ctx, caller(ctx), id, values)
			if err != nil {
				return err
			}
			return showCase(ctx, s, id)
		}),
	}

	cmd.Flags().StringArrayVar(&fields, "field", nil, "metadata field as key=value (repeatable)")
	return cmd
}

// openVolume opens a volume file for streaming; "-" reads standard input.
func openVolume(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, err, "cannot read volume file")
	}
	return f, nil
}
