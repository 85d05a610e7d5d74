package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/botherd/botherd/internal/api"
	"github.com/botherd/botherd/internal/archive"
	"github.com/botherd/botherd/internal/config"
	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/gameserver"
	"github.com/botherd/botherd/internal/learning"
	"github.com/botherd/botherd/internal/maintenance"
	"github.com/botherd/botherd/internal/microcore"
	"github.com/botherd/botherd/internal/mqttbridge"
	"github.com/botherd/botherd/internal/persist"
	"github.com/botherd/botherd/internal/push"
	"github.com/botherd/botherd/internal/registry"
	"github.com/botherd/botherd/internal/roles"
	"github.com/botherd/botherd/internal/security"
	"github.com/botherd/botherd/internal/supervisor"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Bus        *events.Bus
	Registry   *registry.Registry
	Learning   *learning.Store
	Archive    *archive.Store
	Catalog    *roles.Catalog
	Watcher    *config.Watcher
	Adapter    *gameserver.Adapter
	Cores      *microcore.Manager
	Supervisor *supervisor.Supervisor
	Hub        *push.Hub
	Jobs       *maintenance.Scheduler
	Bridge     *mqttbridge.Bridge
	Updates    *gameserver.UpdateServer
	APIServer  *api.Server

	serveCtx    context.Context
	serveCancel context.CancelFunc
	pushUnsub   func()
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("botherd", flag.ExitOnError)
	configPath := fs.String("config", "botherd.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("botherd v%s (built %s)\n", version, buildTime)
		fmt.Println("Fleet control plane for autonomous game-world NPCs")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}

	return 0
}

// setup initializes all application components.
func setup(configPath string) (*App, error) {
	app := &App{}

	// Bootstrap logger until the config tells us the real level.
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting botherd",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	app.Bus = events.NewBus(app.Logger)
	dataDir := cfg.Server.DataDir

	// Bot registry
	reg, err := registry.New(registry.Config{
		Path:   filepath.Join(dataDir, "npcs.json"),
		Notify: persistLog(app.Logger, "registry"),
	}, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	app.Registry = reg

	// Outcome archive (cold store for pruned learning outcomes)
	if cfg.Learning.ArchiveEnabled {
		arch, err := archive.Open(filepath.Join(dataDir, "archive.db"), app.Logger)
		if err != nil {
			app.Logger.Warn("outcome archive unavailable", "error", err)
		} else {
			app.Archive = arch
		}
	}

	// Learning store
	var archiver learning.Archiver
	if app.Archive != nil {
		archiver = app.Archive
	}
	ls, err := learning.New(learning.Config{
		ProfilesPath:  filepath.Join(dataDir, "profiles.json"),
		KnowledgePath: filepath.Join(dataDir, "knowledge.json"),
		MaxOutcomes:   cfg.Learning.MaxOutcomes,
		MaxOutcomeAge: time.Duration(cfg.Learning.MaxOutcomeAgeHours) * time.Hour,
		Archiver:      archiver,
		Notify:        persistLog(app.Logger, "learning"),
	}, app.Bus, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create learning store: %w", err)
	}
	if err := ls.Load(); err != nil {
		return nil, fmt.Errorf("load learning store: %w", err)
	}
	app.Learning = ls

	// Role and team catalogs, with live reload of the override files
	app.Catalog = roles.NewCatalog(app.Logger)
	if p := cfg.Catalogs.RolesPath; p != "" {
		if err := app.Catalog.LoadFile(p); err != nil {
			app.Logger.Warn("role catalog load failed", "path", p, "error", err)
		}
	}
	if p := cfg.Catalogs.TeamsPath; p != "" {
		if err := app.Catalog.LoadPresets(p); err != nil {
			app.Logger.Warn("team preset load failed", "path", p, "error", err)
		}
	}
	if paths := catalogPaths(cfg); len(paths) > 0 {
		app.Watcher = config.NewWatcher(paths,
			time.Duration(cfg.Catalogs.WatchIntervalSec)*time.Second,
			app.Logger, app.reloadCatalog)
	}

	// Game-server adapter
	if cfg.Game.Enabled {
		app.Adapter = gameserver.New(gameserver.Config{
			Host:                 cfg.Game.Host,
			Port:                 cfg.Game.Port,
			Password:             cfg.Game.Password,
			CommandPrefix:        cfg.Game.CommandPrefix,
			MaxCommandsPerSecond: cfg.Game.MaxCommandsPerSecond,
			SnapshotPath:         filepath.Join(dataDir, "combat_snapshot.json"),
		}, app.Bus, app.Logger)
	}

	// Per-bot tick loops
	var world microcore.World
	if app.Adapter != nil {
		world = app.Adapter
	}
	app.Cores = microcore.NewManager(world, app.Bus, app.Logger)

	// Supervisor
	var game supervisor.GameServer
	if app.Adapter != nil {
		game = app.Adapter
	}
	app.Supervisor = supervisor.New(supervisor.Config{
		MaxBots:    cfg.Fleet.MaxBots,
		MaxRetries: cfg.Fleet.MaxRetries,
		RetryDelay: time.Duration(cfg.Fleet.RetryDelayMs) * time.Millisecond,
		SpawnMinY:  cfg.Fleet.SpawnMinY,
		SpawnMaxY:  cfg.Fleet.SpawnMaxY,
		Core: microcore.Config{
			TickRate:     time.Duration(cfg.Core.TickRateMs) * time.Millisecond,
			StepDistance: cfg.Core.StepDistance,
			ScanInterval: time.Duration(cfg.Core.ScanIntervalMs) * time.Millisecond,
			ScanRadius:   cfg.Core.ScanRadius,
			Autonomy:     cfg.Core.Autonomy,
		},
	}, reg, ls, app.Catalog, game, app.Cores, app.Bus, app.Logger)

	// Push channel
	jwtSecret := security.GetJWTSecret()
	app.Hub = push.NewHub(push.Config{JWTSecret: jwtSecret}, app.Logger)

	// Maintenance scheduler
	if cfg.Maintenance.Enabled {
		app.Jobs = maintenance.NewScheduler(&maintenanceExecutor{
			learning: ls,
			super:    app.Supervisor,
			registry: reg,
			adapter:  app.Adapter,
		}, app.Logger)
		if err := app.Jobs.LoadJobs(cfg.Maintenance.Jobs); err != nil {
			app.Logger.Warn("some maintenance jobs were rejected", "error", err)
		}
	}

	// MQTT bridge
	if cfg.MQTT.Enabled {
		var sink mqttbridge.Ingestor
		if app.Adapter != nil {
			sink = app.Adapter
		}
		app.Bridge = mqttbridge.New(cfg.MQTT, sink, app.Bus, app.Logger)
	}

	// Update server (inbound game-side feedback)
	if cfg.Updates.Enabled {
		if app.Adapter == nil {
			app.Logger.Warn("update server needs the game adapter; skipping")
		} else {
			app.Updates = gameserver.NewUpdateServer(gameserver.UpdateConfig{
				Port:  cfg.Updates.Port,
				Token: cfg.Updates.Token,
			}, app.Adapter, app.Logger)
		}
	}

	// Admin API
	var apiGame api.Game
	if app.Adapter != nil {
		apiGame = app.Adapter
	}
	app.APIServer = api.NewServer(api.Config{
		Port:      cfg.Server.Port,
		APIKey:    cfg.Server.APIKey,
		JWTSecret: jwtSecret,
	}, app.Supervisor, reg, app.Cores, apiGame, app.Jobs, app.Hub, app.Logger)

	return app, nil
}

// loadConfig loads configuration from file or creates the default.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.ApplyEnv(); err != nil {
				return nil, err
			}
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts a config log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// persistLog reports store save/load traffic at Debug.
func persistLog(logger *slog.Logger, store string) func(persist.Event) {
	return func(e persist.Event) {
		logger.Debug("persisted", "store", store, "op", e.Op, "path", e.Path, "bytes", e.Bytes)
	}
}

func catalogPaths(cfg *config.Config) []string {
	var paths []string
	if cfg.Catalogs.RolesPath != "" {
		paths = append(paths, cfg.Catalogs.RolesPath)
	}
	if cfg.Catalogs.TeamsPath != "" {
		paths = append(paths, cfg.Catalogs.TeamsPath)
	}
	return paths
}

// reloadCatalog re-reads whichever override file the watcher saw change.
func (app *App) reloadCatalog(path string) {
	var err error
	switch path {
	case app.Config.Catalogs.RolesPath:
		err = app.Catalog.LoadFile(path)
	case app.Config.Catalogs.TeamsPath:
		err = app.Catalog.LoadPresets(path)
	}
	if err != nil {
		app.Logger.Warn("catalog reload failed", "path", path, "error", err)
	}
}

// maintenanceExecutor runs scheduled housekeeping against the live stores.
type maintenanceExecutor struct {
	learning *learning.Store
	super    *supervisor.Supervisor
	registry *registry.Registry
	adapter  *gameserver.Adapter
}

func (e *maintenanceExecutor) PruneOutcomes(ctx context.Context) (int, error) {
	return e.learning.PruneOutcomes(ctx), nil
}

func (e *maintenanceExecutor) RetryDeadLetters(ctx context.Context, maxRetries int) (int, int, error) {
	res := e.super.RetryDeadLetterQueue(ctx, supervisor.RetryOptions{MaxRetries: maxRetries})
	return len(res.Successes), len(res.Failures), nil
}

func (e *maintenanceExecutor) PersistCombatSnapshot(ctx context.Context) error {
	if e.adapter == nil {
		return errors.New("no game adapter configured")
	}
	return e.adapter.PersistSnapshot()
}

func (e *maintenanceExecutor) RefreshProfiles(ctx context.Context) (int, error) {
	refreshed := 0
	for _, bot := range e.registry.All() {
		summary := e.learning.Summary(bot.Name)
		if summary == nil {
			continue
		}
		if err := e.registry.MergeLearningProfile(bot.ID, summary); err != nil {
			return refreshed, fmt.Errorf("merge profile %s: %w", bot.ID, err)
		}
		refreshed++
	}
	return refreshed, nil
}

// startServices starts all services.
func startServices(app *App) error {
	app.serveCtx, app.serveCancel = context.WithCancel(context.Background())

	app.pushUnsub = app.Hub.Attach(app.Bus)

	if app.Watcher != nil {
		app.Watcher.Start()
	}

	// First dial runs in the background; the adapter keeps reconnecting
	// on its own if the game server is not up yet.
	if app.Adapter != nil {
		go func() {
			if err := app.Adapter.Connect(app.serveCtx); err != nil {
				app.Logger.Warn("game server connection failed, reconnect scheduled", "error", err)
			}
		}()
	}

	if app.Jobs != nil {
		if err := app.Jobs.Start(app.serveCtx); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
	}

	if app.Bridge != nil {
		if err := app.Bridge.Start(app.serveCtx); err != nil {
			app.Logger.Warn("mqtt bridge unavailable", "error", err)
			app.Bridge = nil
		}
	}

	if app.Updates != nil {
		go func() {
			if err := app.Updates.Start(app.serveCtx); err != nil {
				app.Logger.Error("update server error", "error", err)
			}
		}()
	}

	go func() {
		if err := app.APIServer.Start(app.serveCtx); err != nil {
			app.Logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// printBanner displays the startup banner.
func printBanner(app *App) {
	cfg := app.Config
	fmt.Println()
	fmt.Println("  ==========================================")
	fmt.Printf("    botherd v%s — NPC fleet control plane\n", version)
	fmt.Println("  ==========================================")
	fmt.Println()
	fmt.Printf("  API:   http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("  Push:  ws://localhost:%d/ws\n", cfg.Server.Port)
	fmt.Printf("  Bots:  %d registered, %d active (max %d)\n",
		len(app.Registry.All()), app.Registry.CountActive(), app.Supervisor.MaxBots())
	fmt.Printf("  Roles: %s\n", strings.Join(app.Catalog.Names(), ", "))
	if app.Adapter != nil {
		fmt.Printf("  Game:  %s:%d\n", cfg.Game.Host, cfg.Game.Port)
	} else {
		fmt.Println("  Game:  adapter disabled (control plane only)")
	}
	if app.Updates != nil {
		fmt.Printf("  Feed:  http://localhost:%d/npc/update\n", cfg.Updates.Port)
	}
	fmt.Println()
}

// waitForShutdown waits for a termination signal and tears everything down
// in dependency order: stop taking work, stop the loops, then flush state.
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)

	for {
		sig := <-sigCh
		if handlePlatformSignal(sig, app.Logger) {
			continue
		}
		app.Logger.Info("shutdown signal received", "signal", sig)
		break
	}

	// Stops the API, the update server, and the maintenance runners.
	app.serveCancel()

	if app.Watcher != nil {
		app.Watcher.Stop()
	}
	if app.Bridge != nil {
		if err := app.Bridge.Stop(); err != nil {
			app.Logger.Warn("mqtt bridge stop", "error", err)
		}
	}
	if app.Jobs != nil {
		app.Jobs.Stop()
	}

	app.Cores.StopAll()

	if app.Adapter != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := app.Adapter.Shutdown(shutdownCtx); err != nil {
			app.Logger.Warn("adapter shutdown", "error", err)
		}
		cancel()
	}

	app.pushUnsub()
	app.Hub.Shutdown()

	app.Logger.Info("saving state...")
	if err := app.Learning.Close(); err != nil {
		app.Logger.Error("failed to save learning store", "error", err)
	}
	if err := app.Registry.Close(); err != nil {
		app.Logger.Error("failed to save registry", "error", err)
	}
	if app.Archive != nil {
		if err := app.Archive.Close(); err != nil {
			app.Logger.Warn("archive close", "error", err)
		}
	}

	app.Logger.Info("botherd stopped")
	return nil
}
