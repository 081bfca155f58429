package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/opsfleet/opsfleet/pkg/config"
	"github.com/opsfleet/opsfleet/pkg/coordinator"
	"github.com/opsfleet/opsfleet/pkg/dnsprovider"
	"github.com/opsfleet/opsfleet/pkg/edge"
	"github.com/opsfleet/opsfleet/pkg/flight"
	"github.com/opsfleet/opsfleet/pkg/httpapi"
	"github.com/opsfleet/opsfleet/pkg/lifecycle"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/metrics"
	"github.com/opsfleet/opsfleet/pkg/provisioner"
	"github.com/opsfleet/opsfleet/pkg/registry"
	"github.com/opsfleet/opsfleet/pkg/scheduler"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "opsfleet",
	Short: "Opsfleet - multi-tenant agent control plane",
	Long: `Opsfleet schedules per-tenant agent containers across a worker
fleet, reclaims idle tenants to sleep, and reconciles the edge proxy and
authoritative DNS so a sleeping tenant wakes on its next request.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane: scheduler loops, HTTP API, and (optionally) the authoritative DNS server",
	RunE:  runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"opsfleet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("data-dir", "/var/lib/opsfleet", "Directory holding the control plane's sqlite database")
	flags.String("domain", "apps.example.com", "Tenant-subdomain suffix the edge proxy and DNS serve")
	flags.String("listen-addr", ":8080", "Address the control plane's HTTP API listens on")
	flags.String("self-addr", "", "This control plane's own advertised worker address, if it is co-located with a worker (rewritten to loopback)")
	flags.String("discovery-endpoint", "consul://v3", "Discovery endpoint every edge proxy is created with (DISCOVERY_ENDPOINT); a proxy advertising another value is recreated")

	flags.String("ssh-key", "", "Path to the private key used to authenticate to worker hosts over SSH")
	flags.String("ssh-user", "opsfleet", "SSH user used to authenticate to worker hosts")
	flags.Bool("ssh-insecure-host-key", false, "Skip worker SSH host key verification (development only)")
	flags.String("known-hosts", "", "Path to a known_hosts file validating worker SSH host keys")

	flags.String("secret-key-file", "", "Path to a raw 32-byte key file for tenant secrets (mutually exclusive with --secret-password)")
	flags.String("secret-password", "", "Passphrase the tenant secrets manager derives its encryption key from")

	flags.Duration("idle-threshold", 15*time.Minute, "Default idle duration before a tenant instance is eligible for sleep reclaim")
	flags.Duration("sleep-tick", 5*time.Minute, "Interval between sleep-reclaim sweeps")
	flags.Duration("capacity-tick", 10*time.Minute, "Interval between fleet capacity checks")
	flags.Duration("cron-tick", time.Minute, "Interval between scheduled-task sweeps")
	flags.Duration("reconcile-active-tick", 0, "Interval between active-instance process reconciliation sweeps (0 disables this optional loop)")
	flags.Int("retry-ceiling", 3, "Maximum provisioning retries before a tenant's instance is paused")
	flags.Float64("overcommit-factor", 1.0, "Fraction of a worker's RAM the scheduler is willing to allocate against (>1.0 overcommits)")

	flags.Int64("default-plan-ram", 512<<20, "RAM bytes for the default plan created on first boot")
	flags.Float64("default-plan-cpus", 0.5, "CPU share for the default plan created on first boot")
	flags.Int("default-plan-max-child-agents", 0, "Maximum child agents beyond \"main\" for the default plan created on first boot")

	flags.String("node-id", "opsfleet-0", "This process's coordinator node ID")
	flags.String("raft-bind-addr", "127.0.0.1:7946", "Address the Raft transport binds when --peer is set")
	flags.StringSlice("peer", nil, "Other coordinator peers as node-id@bind-addr (omit for single-node advisory-lock mode)")

	flags.String("dns-listen-addr", dnsprovider.DefaultListenAddr, "Address the authoritative DNS server binds")
	flags.StringSlice("dns-upstream", []string{dnsprovider.DefaultUpstream}, "Upstream resolvers for queries outside --domain")
	flags.Bool("dns-disabled", false, "Do not run the authoritative DNS server (an external provider answers instead)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// runServe wires every collaborator together and blocks until an interrupt
// or terminate signal arrives, then drains each in reverse dependency order.
func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")
	flags := cmd.Flags()

	dataDir, _ := flags.GetString("data-dir")
	domain, _ := flags.GetString("domain")
	listenAddr, _ := flags.GetString("listen-addr")
	discoveryEndpoint, _ := flags.GetString("discovery-endpoint")

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewSQLStore(dataDir + "/opsfleet.db")
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	t, err := buildTransport(flags)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	secrets, err := buildSecrets(flags)
	if err != nil {
		return fmt.Errorf("build secrets manager: %w", err)
	}

	overcommitFactor, _ := flags.GetFloat64("overcommit-factor")
	reg := registry.New(store, registry.NoopGrower{}, overcommitFactor)

	dnsProvider, stopDNS, err := buildDNS(flags, domain)
	if err != nil {
		return fmt.Errorf("build dns provider: %w", err)
	}
	if stopDNS != nil {
		defer stopDNS()
	}

	edgeReconciler := edge.New(t, dnsProvider, domain, discoveryEndpoint)
	cfgStore := config.New(t)

	if err := ensureDefaultPlan(context.Background(), store, flags); err != nil {
		return fmt.Errorf("ensure default plan: %w", err)
	}

	prov := provisioner.New(store, reg, cfgStore, edgeReconciler, t, secrets, nil, domain)
	if retryCeiling, _ := flags.GetInt("retry-ceiling"); retryCeiling > 0 {
		prov.SetMaxRetries(retryCeiling)
	}

	tracker := flight.NewTracker()
	sleepLocks := flight.NewSleepLocks()
	lc := lifecycle.New(store, t, cfgStore, prov, tracker, sleepLocks, domain)

	sched := scheduler.New(store, reg, lc, cfgStore)
	sleepTick, _ := flags.GetDuration("sleep-tick")
	capacityTick, _ := flags.GetDuration("capacity-tick")
	cronTick, _ := flags.GetDuration("cron-tick")
	sched.SetIntervals(sleepTick, capacityTick, cronTick)
	if reconcileTick, _ := flags.GetDuration("reconcile-active-tick"); reconcileTick > 0 {
		sched.EnableReconcileActive(t, reconcileTick)
	}
	sched.Start()
	defer sched.Stop()

	coord, err := buildCoordinator(flags)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	if coord != nil {
		defer coord.Shutdown()
	}

	collector := metrics.NewCollector(store, reg, tracker, coord)
	collector.Start()
	defer collector.Stop()

	api := httpapi.New(store, edgeReconciler, t, domain)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- api.ListenAndServe(listenAddr)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case err := <-serveErrCh:
		return fmt.Errorf("http api: %w", err)
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	return nil
}

// ensureDefaultPlan seeds the "default" plan on first boot so a freshly
// initialized control plane can provision a tenant without an operator
// having to create a plan by hand first.
func ensureDefaultPlan(ctx context.Context, store storage.Store, flags *pflag.FlagSet) error {
	const defaultPlanID = "default"
	if _, err := store.GetPlan(ctx, defaultPlanID); err == nil {
		return nil
	}

	ramBytes, _ := flags.GetInt64("default-plan-ram")
	cpus, _ := flags.GetFloat64("default-plan-cpus")
	maxChildAgents, _ := flags.GetInt("default-plan-max-child-agents")
	idleThreshold, _ := flags.GetDuration("idle-threshold")

	return store.CreatePlan(ctx, &types.Plan{
		ID:             defaultPlanID,
		Name:           "default",
		RAMBytes:       ramBytes,
		CPUs:           cpus,
		MaxChildAgents: maxChildAgents,
		IdleTimeout:    idleThreshold,
	})
}

func buildCoordinator(flags *pflag.FlagSet) (*coordinator.Coordinator, error) {
	nodeID, _ := flags.GetString("node-id")
	bindAddr, _ := flags.GetString("raft-bind-addr")
	dataDir, _ := flags.GetString("data-dir")
	peers, _ := flags.GetStringSlice("peer")

	return coordinator.New(coordinator.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir + "/raft",
		Peers:    peers,
	})
}

func buildDNS(flags *pflag.FlagSet, domain string) (dnsprovider.Provider, func(), error) {
	disabled, _ := flags.GetBool("dns-disabled")
	if disabled {
		return noopDNS{}, nil, nil
	}

	listenAddr, _ := flags.GetString("dns-listen-addr")
	upstream, _ := flags.GetStringSlice("dns-upstream")

	srv := dnsprovider.NewServer(dnsprovider.Config{
		ListenAddr: listenAddr,
		EdgeDomain: domain,
		Upstream:   upstream,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Start(ctx); err != nil {
			dnsLogger := log.WithComponent("dnsprovider")
			dnsLogger.Error().Err(err).Msg("dns server stopped")
		}
	}()

	return srv, cancel, nil
}

// noopDNS is used when --dns-disabled delegates subdomain records to an
// external authoritative nameserver this process does not manage.
type noopDNS struct{}

func (noopDNS) Upsert(ctx context.Context, subdomain, previewSubdomain, workerAddr string) error {
	return nil
}
func (noopDNS) Delete(ctx context.Context, subdomain, previewSubdomain string) error { return nil }
