// Package orchestrator parses orchestrator command flags and starts the
// control plane runtime.
package orchestrator

import (
	"context"
	"flag"

	"github.com/emberfall/emberfall/internal/orchestrator/app"
	entrypoint "github.com/emberfall/emberfall/internal/platform/cmd"
)

// ParseConfig parses environment and flags into an app.Config.
func ParseConfig(fs *flag.FlagSet, args []string) (app.Config, error) {
	var cfg app.Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return app.Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The control plane listen address")
	fs.StringVar(&cfg.StoragePath, "storage", cfg.StoragePath, "The sqlite database path")
	fs.StringVar(&cfg.WorldCommand, "world-command", cfg.WorldCommand, "The shard binary to spawn")
	fs.StringVar(&cfg.WorldSpecs, "world-specs", cfg.WorldSpecs, "Static fleet as instanceId:shardId:port[:seed], comma separated")
	fs.StringVar(&cfg.PrimaryInstance, "primary", cfg.PrimaryInstance, "The preferred bootstrap instance")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}

// Run starts the orchestrator control plane.
func Run(ctx context.Context, cfg app.Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOrchestrator, func(ctx context.Context) error {
		return app.Run(ctx, cfg)
	})
}
