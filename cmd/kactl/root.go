package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/usecase"
)

const rootLongDesc string = `kactl is the operator tool for the knowledge agent.

It runs questions through the same gate, retrieval and generation pipeline as
the HTTP and Lambda entry points, and inspects or clears session history.
Configuration is read from the environment (and .env) exactly like the server.

Examples:
  kactl ask "How many vacation days do I get?" --session s-1
  kactl session show s-1
  kactl prompt activate v4`

type paramStore interface {
	GetParameter(ctx context.Context, name string) (string, error)
	PutParameter(ctx context.Context, name, value string) error
}

type auditReader interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]domain.QueryLog, error)
}

// services is what the commands operate on. Optional parts are nil when not
// configured.
type services struct {
	asker       usecase.Asker
	sessions    usecase.SessionStore
	prompts     usecase.PromptSource
	params      paramStore
	audit       auditReader
	paramPrefix string
	close       func(ctx context.Context) error
}

type loaderFunc func(ctx context.Context, debug bool) (*services, error)

type rootCommander struct {
	load  loaderFunc
	debug bool
}

// with loads the services, runs fn and releases them again.
func (r *rootCommander) with(cmd *cobra.Command, fn func(ctx context.Context, svc *services) error) error {
	ctx := cmd.Context()
	svc, err := r.load(ctx, r.debug)
	if err != nil {
		return fmt.Errorf("could not initialize: %w", err)
	}
	defer func() {
		if svc.close != nil {
			_ = svc.close(ctx)
		}
	}()
	return fn(ctx, svc)
}

func newRootCmd(load loaderFunc) *cobra.Command {
	r := &rootCommander{load: load}

	cmd := &cobra.Command{
		Use:           "kactl",
		Short:         "Operate the knowledge agent",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().BoolVar(&r.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newAskCmd(r), newSessionCmd(r), newPromptCmd(r), newAuditCmd(r))
	return cmd
}
