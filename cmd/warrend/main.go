// Command warrend is warren's node agent: it runs the coordination
// store, the instance pipeline, the REST API, and the supervised
// worker roles for a single cluster node.
//
// Its bootstrap sequence is grounded on the teacher's
// cmd/warren/main.go clusterInit flow (config -> log -> coordination
// store -> domain components -> metrics/health listener -> domain API
// listener -> signal-driven graceful shutdown), retargeted from a
// containerd/task control plane to a QEMU/instance control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbusfleet/warren/pkg/auth"
	"github.com/nimbusfleet/warren/pkg/cleaner"
	"github.com/nimbusfleet/warren/pkg/config"
	"github.com/nimbusfleet/warren/pkg/events"
	"github.com/nimbusfleet/warren/pkg/hypervisor"
	"github.com/nimbusfleet/warren/pkg/imagecache"
	"github.com/nimbusfleet/warren/pkg/httpapi"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/metrics"
	"github.com/nimbusfleet/warren/pkg/overlaynet"
	"github.com/nimbusfleet/warren/pkg/pipeline"
	"github.com/nimbusfleet/warren/pkg/resources"
	"github.com/nimbusfleet/warren/pkg/scheduler"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/supervisor"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	// A re-exec'd worker child never reaches cobra: it runs exactly
	// one role and exits when that role's function returns, mirroring
	// the teacher's own RoleFlag dispatch ahead of its root command.
	if role, ok := supervisor.ParseRoleFlag(os.Args[1:]); ok {
		runRole(role)
		return
	}

	root := &cobra.Command{
		Use:     "warrend",
		Short:   "warren node agent",
		Version: version,
	}

	var joinAddr string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start this node, bootstrapping a new cluster or joining an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(joinAddr)
		},
	}
	startCmd.Flags().StringVar(&joinAddr, "join", "", "address of an existing cluster leader to join")
	root.AddCommand(startCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runRole is the entrypoint for a forked worker process: it only
// builds the pieces its role needs and runs that role's function
// until the process is signalled to stop.
func runRole(role supervisor.Role) {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	logger := log.WithComponent("supervisor").With().Str("role", string(role)).Logger()
	logger.Info().Msg("worker role starting")

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open coordination store")
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	comps, err := buildComponents(cfg, st)
	if err != nil {
		logger.Fatal().Err(err).Msg("build components")
	}

	if err := runOneRole(ctx, role, cfg, st, comps); err != nil {
		logger.Error().Err(err).Msg("role exited with error")
		os.Exit(1)
	}
}

// runStart is the top-level supervisor: it opens the coordination
// store, restores hypervisor-truth power state, registers every
// worker role, and blocks on signals.
func runStart(joinAddr string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	logger := log.WithComponent("main")

	metrics.SetVersion(version)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open coordination store: %w", err)
	}
	defer st.Close()

	if joinAddr != "" {
		if err := st.Join(); err != nil {
			return fmt.Errorf("start raft in join mode: %w", err)
		}
		logger.Info().Str("leader", joinAddr).
			Msg("raft started in join mode, waiting for an operator to call POST /nodes/join against the leader")
	} else {
		if err := st.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Msg("bootstrapped new cluster")
	}
	metrics.RegisterComponent("raft", true, "")

	ctx, cancel := signalContext()
	defer cancel()

	comps, err := buildComponents(cfg, st)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}

	if err := supervisor.Restore(ctx, st, comps.driver, comps.overlay, comps.pipeline, cfg.NodeName); err != nil {
		logger.Warn().Err(err).Msg("power-state restore reported errors")
	}
	metrics.RegisterComponent("hypervisor", true, "")

	comps.events.Start()
	defer comps.events.Stop()

	comps.cleaner.Start()
	defer comps.cleaner.Stop()

	collector := store.NewMetricsCollector(st)
	collector.Start()
	defer collector.Stop()

	metricsSrv := startMetricsListener()
	defer metricsSrv.Close()

	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: comps.api.Handler(),
	}
	apiErrCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.APIPort).Msg("api listening")
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			apiErrCh <- err
		}
	}()
	metrics.RegisterComponent("api", true, "")

	sup := supervisor.New(cfg.ForkWorkers > 0)
	registerRoles(sup, cfg, st, comps)
	sup.Start(ctx)
	defer sup.Stop()

	logger.Info().Msg("warrend ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-apiErrCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return apiSrv.Shutdown(shutdownCtx)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(store.Config{
		NodeID:   cfg.NodeName,
		BindAddr: cfg.RaftBindAddr,
		DataDir:  cfg.StoragePath + "/raft",
	})
}

// components holds everything the API, the pipeline, and the
// supervised roles share, built once at startup.
type components struct {
	issuer   *auth.TokenIssuer
	sched    *scheduler.Scheduler
	images   *imagecache.Cache
	driver   hypervisor.Driver
	overlay  *overlaynet.Manager
	events   *events.Broker
	pipeline *pipeline.Pipeline
	cleaner  *cleaner.Cleaner
	api      *httpapi.Server
}

func buildComponents(cfg *config.Config, st *store.Store) (*components, error) {
	issuer, err := auth.NewTokenIssuer(cfg.AuthSecretSeed, st)
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	sched := scheduler.New(cfg.OvercommitCPURatio, cfg.OvercommitRAMRatio)

	images, err := imagecache.New(cfg.StoragePath+"/images", st.Locks())
	if err != nil {
		return nil, fmt.Errorf("init image cache: %w", err)
	}

	driver := hypervisor.NewQEMUDriver(cfg.StoragePath + "/instances")
	overlay := overlaynet.New(cfg.EgressNIC)
	broker := events.NewBroker()

	pl := pipeline.New(st, sched, images, driver, overlay, broker, cfg.NodeName, cfg.StoragePath+"/instances")
	cl := cleaner.New(st)

	api := httpapi.New(st, pl, sched, driver, overlay, images, issuer, httpapi.Config{
		NodeName:      cfg.NodeName,
		SelfIP:        cfg.NodeIP,
		NetworkNodeIP: cfg.NetworkNodeIP,
		APIPort:       cfg.APIPort,
	})

	return &components{
		issuer: issuer, sched: sched, images: images, driver: driver,
		overlay: overlay, events: broker, pipeline: pl, cleaner: cl, api: api,
	}, nil
}

// registerRoles wires the DAEMONS table: every worker role this node
// runs, whether forked (per cfg.ForkWorkers) or run as a goroutine.
// The api/cleaner roles are one-shot in this process already (the
// HTTP listener and the cleaner ticker are started directly by
// runStart); the roles registered here are the ones meaningfully
// independent of the parent's own lifecycle.
func registerRoles(sup *supervisor.Supervisor, cfg *config.Config, st *store.Store, comps *components) {
	sup.Register(supervisor.RoleResources, func(ctx context.Context) error {
		return runResourceHeartbeat(ctx, cfg, st)
	})
}

// runOneRole runs a single named role to completion, used by a
// re-exec'd worker child. Only roles with a standalone function are
// valid here; api/cleaner run embedded in the top-level process.
func runOneRole(ctx context.Context, role supervisor.Role, cfg *config.Config, st *store.Store, comps *components) error {
	switch role {
	case supervisor.RoleResources:
		return runResourceHeartbeat(ctx, cfg, st)
	default:
		return fmt.Errorf("role %q has no standalone worker entrypoint", role)
	}
}

func runResourceHeartbeat(ctx context.Context, cfg *config.Config, st *store.Store) error {
	pub := resources.New(st, cfg.NodeName, cfg.NodeIP, cfg.StoragePath+"/instances")
	return pub.Run(ctx)
}

func startMetricsListener() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("main").Error().Err(err).Msg("metrics listener failed")
		}
	}()
	return srv
}
