package app

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emberfall/emberfall/internal/orchestrator/supervisor"
)

// Config holds every orchestrator tunable. Values come from EMBERFALL_* env
// vars with flag overrides applied by the command layer.
type Config struct {
	Addr             string `env:"EMBERFALL_ORCHESTRATOR_ADDR" envDefault:"127.0.0.1:7780"`
	StoragePath      string `env:"EMBERFALL_STORAGE_PATH" envDefault:"data/emberfall.db"`
	TicketSecret     string `env:"EMBERFALL_TICKET_SECRET"`
	InternalSecret   string `env:"EMBERFALL_INTERNAL_SECRET"`
	WorldCommand     string `env:"EMBERFALL_WORLD_COMMAND"`
	WorldSpecs       string `env:"EMBERFALL_WORLD_SPECS"`
	PrimaryInstance  string `env:"EMBERFALL_PRIMARY_INSTANCE"`
	DebugKillEnabled bool   `env:"EMBERFALL_DEBUG_KILL_ENABLED" envDefault:"false"`

	HeartbeatTimeout   time.Duration `env:"EMBERFALL_HEARTBEAT_TIMEOUT" envDefault:"15s"`
	TicketTTL          time.Duration `env:"EMBERFALL_TICKET_TTL" envDefault:"10s"`
	TicketRetention    time.Duration `env:"EMBERFALL_TICKET_RETENTION" envDefault:"60s"`
	FlushInterval      time.Duration `env:"EMBERFALL_FLUSH_INTERVAL" envDefault:"5s"`
	QueueHighWater     int           `env:"EMBERFALL_QUEUE_HIGH_WATER" envDefault:"512"`
	RestartWindow      time.Duration `env:"EMBERFALL_RESTART_WINDOW" envDefault:"60s"`
	RestartMaxInWindow int           `env:"EMBERFALL_RESTART_MAX_IN_WINDOW" envDefault:"3"`
	Quarantine         time.Duration `env:"EMBERFALL_QUARANTINE" envDefault:"60s"`
	ReadyWait          time.Duration `env:"EMBERFALL_READY_WAIT" envDefault:"5s"`
	GuestThreshold     int64         `env:"EMBERFALL_GUEST_THRESHOLD" envDefault:"1000000000"`
}

// TicketSecretBytes decodes the hex ticket signing secret.
func (c Config) TicketSecretBytes() ([]byte, error) {
	secret := strings.TrimSpace(c.TicketSecret)
	if secret == "" {
		return nil, fmt.Errorf("EMBERFALL_TICKET_SECRET is required")
	}
	decoded, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("EMBERFALL_TICKET_SECRET must be hex: %w", err)
	}
	return decoded, nil
}

// Validate checks the parts of the configuration that have no usable
// defaults.
func (c Config) Validate() error {
	if _, err := c.TicketSecretBytes(); err != nil {
		return err
	}
	if strings.TrimSpace(c.InternalSecret) == "" {
		return fmt.Errorf("EMBERFALL_INTERNAL_SECRET is required")
	}
	if strings.TrimSpace(c.WorldSpecs) != "" && strings.TrimSpace(c.WorldCommand) == "" {
		return fmt.Errorf("EMBERFALL_WORLD_COMMAND is required when EMBERFALL_WORLD_SPECS is set")
	}
	return nil
}

// ParseWorldSpecs parses the static fleet description: a comma list of
// instanceId:shardId:port[:seed] entries.
func ParseWorldSpecs(raw string) ([]supervisor.Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var specs []supervisor.Spec
	seen := make(map[string]bool)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fields := strings.Split(item, ":")
		if len(fields) != 3 && len(fields) != 4 {
			return nil, fmt.Errorf("world spec %q: want instanceId:shardId:port[:seed]", item)
		}
		instanceID := strings.TrimSpace(fields[0])
		shardID := strings.TrimSpace(fields[1])
		if instanceID == "" || shardID == "" {
			return nil, fmt.Errorf("world spec %q: instance and shard ids are required", item)
		}
		if seen[instanceID] {
			return nil, fmt.Errorf("world spec %q: duplicate instance id", item)
		}
		seen[instanceID] = true
		port, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil || port <= 0 {
			return nil, fmt.Errorf("world spec %q: invalid port", item)
		}
		spec := supervisor.Spec{InstanceID: instanceID, ShardID: shardID, Port: port}
		if len(fields) == 4 {
			seed, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("world spec %q: invalid seed", item)
			}
			spec.Seed = seed
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
