package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPromptCmd(r *rootCommander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Inspect or switch the active system prompt version",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the prompt snapshot queries currently use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.with(cmd, func(ctx context.Context, svc *services) error {
				p := svc.prompts.Current(ctx)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "version: %s\nmodel:   %s\n\n%s\n", p.Version, p.Model, p.SystemPrompt)
				return nil
			})
		},
	}

	activate := &cobra.Command{
		Use:   "activate <version>",
		Short: "Make an existing prompt version the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, svc *services) error {
				return activatePrompt(ctx, cmd, svc, args[0])
			})
		},
	}

	cmd.AddCommand(show, activate)
	return cmd
}

func activatePrompt(ctx context.Context, cmd *cobra.Command, svc *services, version string) error {
	if svc.params == nil || svc.paramPrefix == "" {
		return errNoParamStore
	}
	version = strings.TrimSpace(version)
	prefix := strings.TrimRight(svc.paramPrefix, "/")

	body, err := svc.params.GetParameter(ctx, prefix+"/prompts/"+version)
	if err != nil {
		return fmt.Errorf("prompt version %q not found: %w", version, err)
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("prompt version %q is empty", version)
	}
	if err := svc.params.PutParameter(ctx, prefix+"/prompts/active_version", version); err != nil {
		return fmt.Errorf("could not activate %q: %w", version, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Activated prompt %s. Running instances pick it up on their next refresh.\n", version)
	return nil
}
