// Package worldstub is a development stand-in for a world instance: it
// reports ready, heartbeats on a cadence, and exits cleanly on SIGTERM. It
// runs no simulation; it exists so the orchestrator can be exercised end to
// end without the real shard binary.
package worldstub

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	entrypoint "github.com/emberfall/emberfall/internal/platform/cmd"
)

// internalHeader matches the control plane's shared-secret header.
const internalHeader = "X-Emberfall-Internal"

// Config holds the stub's configuration, normally injected by the
// supervisor when it spawns the process.
type Config struct {
	InstanceID      string        `env:"EMBERFALL_WORLD_INSTANCE_ID"`
	ShardID         string        `env:"EMBERFALL_WORLD_SHARD_ID"`
	Seed            int64         `env:"EMBERFALL_WORLD_SEED"`
	Addr            string        `env:"EMBERFALL_WORLD_ADDR"`
	OrchestratorURL string        `env:"EMBERFALL_ORCHESTRATOR_URL"`
	InternalSecret  string        `env:"EMBERFALL_INTERNAL_SECRET"`
	Heartbeat       time.Duration `env:"EMBERFALL_WORLD_HEARTBEAT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.OrchestratorURL, "orchestrator", cfg.OrchestratorURL, "The orchestrator base URL")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "The heartbeat interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.InstanceID) == "" {
		return fmt.Errorf("EMBERFALL_WORLD_INSTANCE_ID is required")
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("EMBERFALL_WORLD_ADDR is required")
	}
	if strings.TrimSpace(c.OrchestratorURL) == "" {
		return fmt.Errorf("EMBERFALL_ORCHESTRATOR_URL is required")
	}
	if strings.TrimSpace(c.InternalSecret) == "" {
		return fmt.Errorf("EMBERFALL_INTERNAL_SECRET is required")
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	return nil
}

// Run reports ready and heartbeats until the context ends.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	pid := os.Getpid()
	started := time.Now()

	err := post(ctx, client, cfg, "/internal/v1/ready", map[string]any{
		"instance_id": cfg.InstanceID,
		"shard_id":    cfg.ShardID,
		"endpoint":    cfg.Addr,
		"pid":         pid,
	})
	if err != nil {
		return fmt.Errorf("report ready: %w", err)
	}
	log.Printf("worldstub: ready instance=%s shard=%s seed=%d addr=%s", cfg.InstanceID, cfg.ShardID, cfg.Seed, cfg.Addr)

	ticker := time.NewTicker(cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("worldstub: shutting down instance=%s", cfg.InstanceID)
			return nil
		case <-ticker.C:
			err := post(ctx, client, cfg, "/internal/v1/heartbeat", map[string]any{
				"instance_id":    cfg.InstanceID,
				"pid":            pid,
				"online_players": 0,
				"uptime_seconds": int64(time.Since(started).Seconds()),
			})
			if err != nil {
				// A missed heartbeat is survivable; the orchestrator only
				// marks the instance unhealthy after its timeout.
				log.Printf("worldstub: heartbeat: %v", err)
			}
		}
	}
}

func post(ctx context.Context, client *http.Client, cfg Config, path string, body map[string]any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.OrchestratorURL, "/")+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalHeader, cfg.InternalSecret)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return nil
}
