package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/usecase"
)

type askCommander struct {
	sessionID string
	userID    string
	topK      int
	category  string
	debug     bool
	asJSON    bool
}

func newAskCmd(r *rootCommander) *cobra.Command {
	c := &askCommander{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, svc *services) error {
				return c.run(ctx, cmd.OutOrStdout(), svc, strings.Join(args, " "))
			})
		},
	}
	cmd.Flags().StringVar(&c.sessionID, "session", "", "Session id (generated when empty)")
	cmd.Flags().StringVar(&c.userID, "user", "kactl", "User id used for rate limiting and audit")
	cmd.Flags().IntVar(&c.topK, "top-k", 0, "Passages to retrieve (default from configuration)")
	cmd.Flags().StringVar(&c.category, "category", "", "Restrict retrieval to a document category")
	cmd.Flags().BoolVar(&c.debug, "explain", false, "Include retrieved passages in the output")
	cmd.Flags().BoolVar(&c.asJSON, "json", false, "Print the raw result as JSON")
	return cmd
}

func (c *askCommander) run(ctx context.Context, out io.Writer, svc *services, question string) error {
	res, err := svc.asker.Ask(ctx, usecase.AskInput{
		Question:  question,
		SessionID: c.sessionID,
		UserID:    c.userID,
		TopK:      c.topK,
		Category:  c.category,
		Debug:     c.debug,
	})
	if err != nil {
		return fmt.Errorf("question rejected: %w", err)
	}
	if c.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(out, res)
	return nil
}

func printResult(out io.Writer, res domain.QueryResult) {
	fmt.Fprintln(out, res.Answer)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "confidence: %s  answered: %t  time: %.2fs  session: %s\n",
		res.Confidence, res.HasAnswer, res.ResponseTimeSeconds, res.SessionID)
	if res.ResolvedQuestion != nil {
		fmt.Fprintf(out, "resolved:   %s\n", *res.ResolvedQuestion)
	}
	if len(res.Sources) > 0 {
		fmt.Fprintf(out, "sources:    %s\n", strings.Join(res.Sources, ", "))
	}
	if res.Reason != "" {
		fmt.Fprintf(out, "reason:     %s\n", res.Reason)
	}
	if res.Debug != nil {
		fmt.Fprintf(out, "prompt:     %s\n", res.Debug.PromptVersion)
		for i, p := range res.Debug.Passages {
			fmt.Fprintf(out, "  [%d] %.3f %s (%s) %s\n", i+1, p.Score, p.Source, p.Category, p.Preview)
		}
	}
}
