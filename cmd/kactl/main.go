package main

import (
	"context"
	"errors"
	"os"

	"knowledge-agent/internal/app"
	"knowledge-agent/internal/config"
	"knowledge-agent/internal/logger"
)

func main() {
	root := newRootCmd(loadServices)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadServices builds the full application from the environment, the same
// way the server does, but logs to stderr in console format.
func loadServices(ctx context.Context, debug bool) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.NewConsole(debug || cfg.Debug)

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	svc := &services{
		asker:       a.Gate,
		sessions:    a.Sessions,
		prompts:     a.Prompts,
		paramPrefix: cfg.AWS.ParamPrefix,
		close:       a.Close,
	}
	if a.Recorder != nil {
		svc.audit = a.Recorder
	}
	if cfg.AWS.ParamPrefix != "" {
		ps, err := app.ParamStore(ctx)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		svc.params = ps
	}
	return svc, nil
}

var errNoParamStore = errors.New("PARAM_PREFIX is not configured")
