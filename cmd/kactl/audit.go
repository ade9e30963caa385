package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCmd(r *rootCommander) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <session-id>",
		Short: "List recent audit records for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, svc *services) error {
				if svc.audit == nil {
					return errors.New("AUDIT_DSN is not configured")
				}
				recs, err := svc.audit.Recent(ctx, args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintf(out, "No audit records for session %s.\n", args[0])
					return nil
				}
				for _, rec := range recs {
					status := string(rec.Confidence)
					if rec.ErrorType != "" {
						status = rec.ErrorType + ": " + rec.ErrorMessage
					}
					fmt.Fprintf(out, "%s  %-6s %5.2fs  %s  [%s]\n",
						rec.CreatedAt.UTC().Format(time.RFC3339), status, rec.ResponseTimeSeconds, rec.Question, rec.PromptVersion)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")
	return cmd
}
