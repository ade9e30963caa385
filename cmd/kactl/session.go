package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newSessionCmd(r *rootCommander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or clear session history",
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the stored turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, svc *services) error {
				return showSession(ctx, cmd.OutOrStdout(), svc, args[0])
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <session-id>",
		Short: "Delete the stored turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, svc *services) error {
				if err := svc.sessions.Clear(ctx, args[0]); err != nil {
					return fmt.Errorf("could not clear session %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared session %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(show, clearCmd)
	return cmd
}

func showSession(ctx context.Context, out io.Writer, svc *services, id string) error {
	turns, err := svc.sessions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("could not read session %s: %w", id, err)
	}
	if len(turns) == 0 {
		fmt.Fprintf(out, "Session %s is empty or expired.\n", id)
		return nil
	}
	for i, t := range turns {
		fmt.Fprintf(out, "#%d %s\n", i+1, t.Timestamp.UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "  Q: %s\n", t.Question)
		fmt.Fprintf(out, "  A: %s\n", t.Answer)
		if len(t.Sources) > 0 {
			fmt.Fprintf(out, "  sources: %s\n", strings.Join(t.Sources, ", "))
		}
	}
	return nil
}
