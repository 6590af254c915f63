package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"poruka/api/internal/graph"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Users []string
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair friend edges that drifted from canonical profiles",
		Long: `Compare every friend edge of the given users with the friend's profile
and rewrite the ones that disagree, in both directions.

Examples:
  poruka reconcile --user 01J9Z...
  poruka reconcile --user a --user b`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			service, cleanup, err := openService(ctx, opts.Config)
			defer cleanup()
			if err != nil {
				return err
			}
			return runReconcile(ctx, cmd.OutOrStdout(), opts.Users, service.ReconcileUser)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Users, "user", nil, "user id to reconcile (repeatable)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

type reconcileFunc func(ctx context.Context, userID string) (graph.PropagationReport, error)

// runReconcile reconciles each user and prints one JSON line per user. It
// fails if any user could not be fully repaired.
func runReconcile(ctx context.Context, out io.Writer, users []string, reconcile reconcileFunc) error {
	encoder := json.NewEncoder(out)
	failed := 0
	for _, userID := range users {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		line := map[string]any{"userId": userID}
		report, err := reconcile(ctx, userID)
		if err != nil {
			line["error"] = err.Error()
			failed++
		} else {
			line["updated"] = report.Updated
			line["failed"] = report.Failed
			if len(report.Failed) > 0 {
				failed++
			}
		}
		if err := encoder.Encode(line); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d user(s) not fully reconciled", failed)
	}
	return nil
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Finish friend request accepts interrupted by a crash",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			service, cleanup, err := openService(ctx, rootOpts.Config)
			defer cleanup()
			if err != nil {
				return err
			}
			recovered, err := service.RecoverAccepts(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d accept(s)\n", recovered)
			return err
		},
	}
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every profile into the suggestion index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if strings.TrimSpace(rootOpts.Config.MeiliURL) == "" {
				return fmt.Errorf("MEILI_URL is not set")
			}
			service, cleanup, err := openService(ctx, rootOpts.Config)
			defer cleanup()
			if err != nil {
				return err
			}
			indexed, err := service.Reindex(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d profile(s)\n", indexed)
			return nil
		},
	}
}
