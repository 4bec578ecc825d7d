package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emberfall/emberfall/internal/orchestrator/identity"
	"github.com/emberfall/emberfall/internal/orchestrator/persist"
	"github.com/emberfall/emberfall/internal/orchestrator/registry"
	"github.com/emberfall/emberfall/internal/orchestrator/storage/sqlite"
	"github.com/emberfall/emberfall/internal/orchestrator/supervisor"
	"github.com/emberfall/emberfall/internal/orchestrator/ticket"
	"github.com/emberfall/emberfall/internal/orchestrator/transfer"
)

const shutdownTimeout = 10 * time.Second

// Run builds the orchestrator from cfg and serves until the context ends.
// Shutdown is ordered: stop intake, flush pending writes, stop shards, close
// storage.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ticketSecret, err := cfg.TicketSecretBytes()
	if err != nil {
		return err
	}
	specs, err := ParseWorldSpecs(cfg.WorldSpecs)
	if err != nil {
		return err
	}
	grants, err := identity.LoadGrantConfigFromEnv(nil)
	if err != nil {
		return err
	}

	store, err := openStore(cfg.StoragePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("app: close store: %v", err)
		}
	}()

	reg := registry.New(cfg.HeartbeatTimeout, nil)
	tickets, err := ticket.NewService(ticketSecret, cfg.TicketTTL, nil)
	if err != nil {
		return err
	}
	gateway, err := persist.NewGateway(store, cfg.GuestThreshold, cfg.QueueHighWater, nil)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(newLauncher(cfg), supervisor.Config{
		RestartWindow:      cfg.RestartWindow,
		RestartMaxInWindow: cfg.RestartMaxInWindow,
		Quarantine:         cfg.Quarantine,
		OrchestratorURL:    orchestratorURL(cfg.Addr),
		InternalSecret:     cfg.InternalSecret,
	}, nil, func(instanceID string, pid int) {
		reg.Clear(instanceID, pid)
	})
	if err != nil {
		return err
	}

	coordinator, err := transfer.NewCoordinator(transfer.Config{
		Tickets:  tickets,
		Gateway:  gateway,
		Registry: reg,
		Ensure: func(_ context.Context, instanceID string) error {
			if _, err := sup.EnsureSpec(instanceID); err != nil {
				return err
			}
			sup.StartInstance(instanceID)
			return nil
		},
		TTL:       cfg.TicketTTL,
		ReadyWait: cfg.ReadyWait,
	})
	if err != nil {
		return err
	}

	bootOrder := make([]string, 0, len(specs))
	for _, spec := range specs {
		bootOrder = append(bootOrder, spec.InstanceID)
	}
	server, err := NewServer(ServerConfig{
		Accounts:       store,
		Tickets:        tickets,
		Registry:       reg,
		Gateway:        gateway,
		Coordinator:    coordinator,
		Supervisor:     sup,
		Grants:         grants,
		InternalSecret: cfg.InternalSecret,
		Primary:        cfg.PrimaryInstance,
		BootOrder:      bootOrder,
		GuestThreshold: cfg.GuestThreshold,
		DebugKill:      cfg.DebugKillEnabled,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("app: control plane listening addr=%s", cfg.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	if err := sup.Start(specs); err != nil {
		shutdownHTTP(httpServer)
		return err
	}
	if grants.Enabled() {
		log.Printf("app: identity grant verification enabled issuer=%s", grants.Issuer)
	}

	flush := time.NewTicker(cfg.FlushInterval)
	defer flush.Stop()

	runFlush := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if _, err := gateway.Flush(flushCtx); err != nil {
			log.Printf("app: flush: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Stop intake first so nothing new lands in the queue, then make
			// the remaining work durable before the shards go away.
			shutdownHTTP(httpServer)
			runFlush()
			sup.StopAll()
			err := <-serveErr
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve control plane: %w", err)
			}
			return nil
		case err := <-serveErr:
			runFlush()
			sup.StopAll()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve control plane: %w", err)
			}
			return nil
		case <-flush.C:
			runFlush()
			tickets.Sweep(cfg.TicketRetention)
			coordinator.Sweep()
		case <-server.FlushRequested():
			runFlush()
		}
	}
}

func shutdownHTTP(httpServer *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("app: shutdown control plane: %v", err)
	}
}

// newLauncher builds the shard process launcher; a missing world command
// yields a launcher that fails on use, which only matters when a spawn is
// actually requested.
func newLauncher(cfg Config) supervisor.Launcher {
	command := strings.TrimSpace(cfg.WorldCommand)
	if command == "" {
		return launcherFunc(func(spec supervisor.Spec, _ []string) (supervisor.Process, error) {
			return nil, fmt.Errorf("spawn %s: EMBERFALL_WORLD_COMMAND is not set", spec.InstanceID)
		})
	}
	launcher, err := supervisor.NewExecLauncher(command)
	if err != nil {
		// Unreachable: command is non-empty.
		panic(err)
	}
	return launcher
}

type launcherFunc func(spec supervisor.Spec, env []string) (supervisor.Process, error)

func (f launcherFunc) Launch(spec supervisor.Spec, env []string) (supervisor.Process, error) {
	return f(spec, env)
}

func openStore(path string) (*sqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "emberfall.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func orchestratorURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}
