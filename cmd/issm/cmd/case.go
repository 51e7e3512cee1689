package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/issm/issm/internal/apperr"
	"github.com/issm/issm/internal/model"
	"github.com/issm/issm/internal/repository"
	"github.com/issm/issm/internal/service"
)

func caseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Review cases: list, assign, submit, review and download",
	}

	cmd.AddCommand(caseListCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "show <image-id>",
		Short: "Show a case with its segmentation state and messages",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			c, err := s.DataPoolService.Case(ctx, caller(ctx), id)
			if err != nil {
				return err
			}
			return printJSON(s.out, c)
		}),
	})
	cmd.AddCommand(caseAssignCmd())
	cmd.AddCommand(caseUnclaimCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "submit <image-id> <mask-file>",
		Short: "Upload the segmentation mask and submit it for review",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			mask, err := openVolume(args[1])
			if err != nil {
				return err
			}
			defer mask.Close()

			_, err = s.WorkflowService.Submit(ctx, caller(ctx), id, mask)
			if err != nil {
				return err
			}
			return showCase(ctx, s, id)
		}),
	})
	cmd.AddCommand(caseReviewCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "message <image-id> <text>",
		Short: "Append a message to the case trail",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			msg, err := s.WorkflowService.AppendMessage(ctx, caller(ctx), id, args[1])
			if err != nil {
				return err
			}
			return printJSON(s.out, model.MessageRecord{ID: msg.ID, UserID: msg.UserID, Date: msg.Date, Message: msg.Message})
		}),
	})
	cmd.AddCommand(caseDownloadCmd())
	return cmd
}

func caseListCmd() *cobra.Command {
	var q repository.CaseQuery

	cmd := &cobra.Command{
		Use:   "list <short-name>",
		Short: "List the cases of a project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			project, err := projectArg(ctx, s, args[0])
			if err != nil {
				return err
			}

			q.ProjectID = project.ID
			list, err := s.DataPoolService.ListCases(ctx, caller(ctx), q)
			if err != nil {
				return err
			}
			return printJSON(s.out, list)
		}),
	}

	cmd.Flags().StringVar(&q.View, "view", repository.CaseViewAll, "all, segmentation or validation")
	cmd.Flags().StringVar(&q.Search, "search", "", "filter by name, patient, accession number, modality or contrast type")
	cmd.Flags().StringVar(&q.Order, "order", repository.CaseOrderName, "name, status or insert_date")
	cmd.Flags().BoolVar(&q.Desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "cases to skip")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "page size, 0 for all")
	return cmd
}

func caseAssignCmd() *cobra.Command {
	var assignee, message string

	cmd := &cobra.Command{
		Use:   "assign <image-id>",
		Short: "Claim a case, or assign it to another user",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			_, err = s.WorkflowService.Assign(ctx, caller(ctx), id, assignee, message)
			if err != nil {
				return err
			}
			return showCase(ctx, s, id)
		}),
	}

	cmd.Flags().StringVar(&assignee, "to", "", "assignee (default: the caller)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message recorded with the assignment")
	return cmd
}

func caseUnclaimCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "unclaim <image-id>",
		Short: "Return an assigned case to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			_, err = s.WorkflowService.Unclaim(ctx, caller(ctx), id, message)
			if err != nil {
				return err
			}
			return showCase(ctx, s, id)
		}),
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "reason for unclaiming")
	return cmd
}

func caseReviewCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:       "review <image-id> <accept|reject>",
		Short:     "Accept or reject a submitted segmentation",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(service.DecisionAccept), string(service.DecisionReject)},
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			_, err = s.WorkflowService.Review(ctx, caller(ctx), id, service.Decision(args[1]), message)
			if err != nil {
				return err
			}
			return showCase(ctx, s, id)
		}),
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "feedback for the segmenter")
	return cmd
}

func caseDownloadCmd() *cobra.Command {
	var (
		out     string
		kind    string
		modelID int64
	)

	cmd := &cobra.Command{
		Use:   "download <image-id>",
		Short: "Download a case as zip, or a single volume with --volume",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			w := s.out
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return apperr.Wrap(apperr.ErrStorage, err, "cannot create %s", out)
				}
				defer f.Close()
				w = f
			}

			if kind == "" {
				return s.DataPoolService.Download(ctx, caller(ctx), id, w)
			}

			rc, err := s.DataPoolService.OpenVolume(ctx, caller(ctx), id, model.Kind(kind), modelID)
			if err != nil {
				return err
			}
			defer rc.Close()

			_, err = io.Copy(w, rc)
			if err != nil {
				return apperr.Storage(err, "failed to copy volume")
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: standard output)")
	cmd.Flags().StringVar(&kind, "volume", "", "image, manual_segmentation or automatic_segmentation")
	cmd.Flags().Int64Var(&modelID, "model", 0, "model id for automatic segmentations")
	return cmd
}

func showCase(ctx context.Context, s *session, imageID int64) error {
	c, err := s.DataPoolService.Case(ctx, caller(ctx), imageID)
	if err != nil {
		return err
	}
	return printJSON(s.out, c)
}
