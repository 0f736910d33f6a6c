package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/riverdelta/eddy/internal/config"
	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/reactor"
	"github.com/riverdelta/eddy/pkg/remote"
	"github.com/riverdelta/eddy/pkg/store"
)

// dataDirPermissions matches the standard directory permissions (owner rwx,
// group/other rx).
const dataDirPermissions = 0o755

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon",
		Long: `Run the reactive engine as a long-lived daemon.

The daemon keeps the fact store synchronized with the authority, re-runs
subscribed actions as their inputs change, and reloads its configuration
when the config file changes on disk.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("mode", "", "scheduling mode override (push or pull)")
	cmd.Flags().String("cache", "", "cache database path override")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	ctx := shutdownContext(cmd.Context(), logger)

	cachePath := cfg.Store.EffectiveCachePath()
	if cachePath == "" {
		return fmt.Errorf("cannot determine cache path: no home directory and no cache_path configured")
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), dataDirPermissions); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cleanup, err := writePIDFile(pidFilePath(cachePath))
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := newDaemon(cfg, cachePath, logger)
	if err != nil {
		return err
	}
	defer d.close()

	logger.Info("eddy serving",
		slog.String("version", version),
		slog.String("mode", cfg.Scheduler.Mode),
		slog.String("cache", cachePath),
		slog.String("remote", cfg.Remote.URL),
	)

	return d.run(ctx)
}

// daemon bundles the engine's long-lived components: the tiered fact
// store, the scheduler, and (when a remote is configured) the watch
// socket feeding remote updates into both.
type daemon struct {
	logger  *slog.Logger
	holder  *config.Holder
	cache   *store.Cache
	manager *store.Manager
	sched   *reactor.Scheduler
	socket  *remote.Socket // nil in local-only mode or with websocket off

	// subscribed tracks entities already registered on the watch socket.
	// Touched only by run() before the loops start and by the
	// maintenance loop after.
	subscribed map[fact.EntityKey]bool
}

func newDaemon(cfg *config.Config, cachePath string, logger *slog.Logger) (*daemon, error) {
	cache, err := store.OpenCache(cachePath, logger)
	if err != nil {
		return nil, err
	}

	var (
		authority store.Authority
		socket    *remote.Socket
	)

	if cfg.Remote.URL != "" {
		timeout, err := time.ParseDuration(cfg.Remote.Timeout)
		if err != nil {
			cache.Close()

			return nil, fmt.Errorf("remote timeout: %w", err)
		}

		httpClient := &http.Client{Timeout: timeout}
		authority = remote.NewClient(cfg.Remote.URL, httpClient, logger)

		if cfg.Remote.Websocket {
			// The watch socket dials without the client timeout: a
			// long-lived connection would be severed by it.
			socket = remote.NewSocket(cfg.Remote.URL, nil, logger)
		}
	}

	manager := store.NewManager(cache, authority, logger)

	rcfg, err := reactorConfig(cfg)
	if err != nil {
		manager.Close()

		return nil, err
	}

	return &daemon{
		logger:     logger,
		holder:     config.NewHolder(cfg, resolvedCfgPath),
		cache:      cache,
		manager:    manager,
		sched:      reactor.NewScheduler(manager, rcfg, logger),
		socket:     socket,
		subscribed: make(map[fact.EntityKey]bool),
	}, nil
}

// run starts the daemon's loops and blocks until the context is
// canceled or one of them fails.
func (d *daemon) run(ctx context.Context) error {
	if d.socket != nil {
		// Seed subscriptions from the cached working set before the
		// socket connects; they replay on every (re)connect.
		d.seedSubscriptions(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.sched.Serve(gctx) })
	g.Go(func() error { return d.drainDiagnostics(gctx) })
	g.Go(func() error { return d.watchConfig(gctx) })
	g.Go(func() error { return d.maintenanceLoop(gctx) })

	if d.socket != nil {
		g.Go(func() error { return d.socket.Run(gctx) })
		g.Go(func() error { return d.pumpRemoteEvents(gctx) })
	}

	return g.Wait()
}

func (d *daemon) close() {
	if err := d.manager.Close(); err != nil {
		d.logger.Warn("closing fact store", slog.Any("error", err))
	}
}

// pumpRemoteEvents lands watch socket updates in the store and wakes
// affected actions. Updates that leave the visible value unchanged (an
// echo of our own commit, or a base confirmation shadowed by a pending
// write) do not trigger propagation.
func (d *daemon) pumpRemoteEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-d.socket.Events():
			if !ok {
				return nil
			}

			outcome, err := d.manager.ApplyRemote(ctx, ev.Space, ev.Fact)
			if err != nil {
				d.logger.Warn("applying remote update failed",
					slog.String("space", ev.Space),
					slog.String("entity", ev.Fact.Entity),
					slog.Any("error", err),
				)

				continue
			}

			if visibleChanged(outcome) {
				d.sched.NotifyChanged(fact.NewAddress(ev.Space, ev.Fact.Entity))
			}
		}
	}
}

// visibleChanged reports whether a reconcile outcome changed the value
// readers observe. An echo removes a nursery entry with identical
// content, and a retained pending write still shadows the arriving
// fact, so neither wakes readers.
func visibleChanged(o store.Reconcile) bool {
	return o == store.ReconcileNone || o == store.ReconcilePurged
}

// seedSubscriptions registers the cached entities of every configured
// space on the watch socket.
func (d *daemon) seedSubscriptions(ctx context.Context) {
	for _, space := range d.holder.Config().Remote.Spaces {
		rows, err := d.cache.List(ctx, space)
		if err != nil {
			d.logger.Warn("listing cached space failed",
				slog.String("space", space),
				slog.Any("error", err),
			)

			continue
		}

		for _, row := range rows {
			d.subscribeEntity(ctx, fact.EntityKey{Space: space, Entity: row.Fact.Entity})
		}
	}

	d.logger.Debug("seeded watch subscriptions", slog.Int("entities", len(d.subscribed)))
}

// syncSubscriptions extends the watch socket to the engine's current
// working set, so entities pulled or committed after startup also get
// live updates.
func (d *daemon) syncSubscriptions(ctx context.Context) {
	if d.socket == nil {
		return
	}

	snap := d.manager.Snapshot()

	for key := range snap.Heap {
		d.subscribeEntity(ctx, key)
	}

	for key := range snap.Nursery {
		d.subscribeEntity(ctx, key)
	}
}

func (d *daemon) subscribeEntity(ctx context.Context, key fact.EntityKey) {
	if d.subscribed[key] {
		return
	}

	if err := d.socket.Subscribe(ctx, key); err != nil {
		d.logger.Warn("watch subscribe failed",
			slog.String("entity", key.String()),
			slog.Any("error", err),
		)

		return
	}

	d.subscribed[key] = true
}

// maintenanceLoop periodically evicts stale cache entries, checkpoints
// the WAL, and reconciles watch subscriptions. The interval follows
// config reloads.
func (d *daemon) maintenanceLoop(ctx context.Context) error {
	interval, err := time.ParseDuration(d.holder.Config().Store.MaintenanceInterval)
	if err != nil {
		return fmt.Errorf("maintenance interval: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			d.runMaintenance(ctx)

			if next, err := time.ParseDuration(d.holder.Config().Store.MaintenanceInterval); err == nil && next != interval {
				interval = next
				ticker.Reset(interval)

				d.logger.Debug("maintenance interval updated", slog.Duration("interval", interval))
			}
		}
	}
}

func (d *daemon) runMaintenance(ctx context.Context) {
	cfg := d.holder.Config()

	retention, err := time.ParseDuration(cfg.Store.Retention)

	switch {
	case err != nil:
		d.logger.Warn("invalid retention, skipping eviction", slog.Any("error", err))
	case retention > 0:
		evicted, evictErr := d.manager.EvictStale(ctx, retention)
		if evictErr != nil {
			d.logger.Warn("cache eviction failed", slog.Any("error", evictErr))
		} else if evicted > 0 {
			d.logger.Info("evicted stale cached facts", slog.Int64("count", evicted))
		}
	}

	if err := d.manager.Checkpoint(); err != nil {
		d.logger.Warn("cache checkpoint failed", slog.Any("error", err))
	}

	d.syncSubscriptions(ctx)

	d.logger.Debug("maintenance pass complete")
}

// watchConfig applies live config reloads to the holder and the
// scheduler. Remote URL and cache path changes need a restart; the
// running connections are not re-dialed.
func (d *daemon) watchConfig(ctx context.Context) error {
	path := d.holder.Path()
	if path == "" {
		return nil
	}

	updates, err := config.Watch(ctx, path, d.logger)
	if err != nil {
		// The config directory may not exist yet; live reload just
		// stays off.
		d.logger.Warn("config watch unavailable", slog.Any("error", err))

		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case cfg, ok := <-updates:
			if !ok {
				return nil
			}

			d.applyReload(cfg)
		}
	}
}

func (d *daemon) applyReload(cfg *config.Config) {
	prev := d.holder.Config()
	d.holder.Update(cfg)

	rcfg, err := reactorConfig(cfg)
	if err != nil {
		d.logger.Warn("reloaded config rejected", slog.Any("error", err))

		return
	}

	d.sched.Reconfigure(rcfg)

	if cfg.Remote.URL != prev.Remote.URL || cfg.Store.CachePath != prev.Store.CachePath {
		d.logger.Warn("remote url and cache path changes take effect on restart")
	}
}

// drainDiagnostics logs the scheduler's non-fatal conditions so they
// surface in operator logs instead of silently filling the buffer.
func (d *daemon) drainDiagnostics(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case diag := <-d.sched.Diagnostics():
			d.logger.Warn("scheduler diagnostic",
				slog.String("kind", diag.Kind.String()),
				slog.Int64("action", int64(diag.Action)),
				slog.Any("error", diag.Err),
			)
		}
	}
}

// reactorConfig converts validated file config into scheduler tunables.
func reactorConfig(cfg *config.Config) (reactor.Config, error) {
	threshold, err := time.ParseDuration(cfg.Scheduler.FastCycleThreshold)
	if err != nil {
		return reactor.Config{}, fmt.Errorf("fast_cycle_threshold: %w", err)
	}

	cost, err := time.ParseDuration(cfg.Debounce.AutoCostThreshold)
	if err != nil {
		return reactor.Config{}, fmt.Errorf("auto_cost_threshold: %w", err)
	}

	debounceCap, err := time.ParseDuration(cfg.Debounce.Cap)
	if err != nil {
		return reactor.Config{}, fmt.Errorf("debounce cap: %w", err)
	}

	mode := reactor.Push
	if cfg.Scheduler.Mode == "pull" {
		mode = reactor.Pull
	}

	return reactor.Config{
		Mode:                   mode,
		LoopCeiling:            cfg.Scheduler.LoopCeiling,
		FastCycleThreshold:     threshold,
		FastCyclePasses:        cfg.Scheduler.FastCyclePasses,
		AutoDebounceMinSamples: int64(cfg.Debounce.AutoMinSamples),
		AutoDebounceCost:       cost,
		DebounceCap:            debounceCap,
		DiagnosticsBuffer:      cfg.Scheduler.DiagnosticsBuffer,
	}, nil
}

// pidFilePath puts the pidfile next to the cache database so two
// daemons sharing a store are detected even under custom paths.
func pidFilePath(cachePath string) string {
	return filepath.Join(filepath.Dir(cachePath), "eddy.pid")
}
