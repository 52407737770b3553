package commands

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/cloudsync"
	"github.com/borgitory/borgitory/config"
	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/events"
	"github.com/borgitory/borgitory/jobs"
	"github.com/borgitory/borgitory/logger"
	"github.com/borgitory/borgitory/notify"
	"github.com/borgitory/borgitory/output"
	"github.com/borgitory/borgitory/paths"
	"github.com/borgitory/borgitory/proc"
	"github.com/borgitory/borgitory/sched"
	"github.com/borgitory/borgitory/secrets"
	"github.com/borgitory/borgitory/tasks"
	"github.com/borgitory/borgitory/version"
)

// RunCmd starts the orchestration daemon.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the backup orchestration daemon",
	Long: `Start the borgitory daemon.

The daemon opens the database, sweeps jobs interrupted by a previous
shutdown, starts the admission pools, and begins firing enabled
schedules. It runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		configPath, _ := cmd.Flags().GetString("config")

		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Cleanup()

		return run(configPath)
	},
}

func init() {
	RunCmd.Flags().String("config", "", "Path to an explicit config file (overrides the merged config chain)")
	RunCmd.Flags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
}

func run(configPath string) error {
	log := logger.ComponentLogger("daemon")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	pathsSvc, err := paths.NewService(cfg.Paths.DataDir, cfg.Paths.TempDir)
	if err != nil {
		return errors.Wrap(err, "failed to prepare data directories")
	}

	dbPath := cfg.Database.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(pathsSvc.DataDir(), dbPath)
	}
	database, err := db.OpenWithMigrations(dbPath, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	secretsSvc, err := openSecrets(cfg, pathsSvc)
	if err != nil {
		return errors.Wrap(err, "failed to load master key")
	}

	executor := proc.NewExecutor(log)

	borgClient := borg.NewClient(cfg.Borg.Binary(), cfg.Borg.RelocatedRepoOK, log)
	borgVersion, err := borgClient.DetectVersion(context.Background(), executor)
	if err != nil {
		return errors.Wrap(err, "borg binary is not usable")
	}
	if err := borgClient.EnsureSupported(cfg.Borg.MinVersion); err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster(events.Options{
		QueueSize:        cfg.Events.QueueSize(),
		ReplayCount:      cfg.Events.Replay(),
		KeepaliveTimeout: cfg.Events.KeepaliveTimeout(),
	}, log)
	defer broadcaster.Close()

	outputMgr := output.NewManager(cfg.Jobs.OutputRingSize(), log)

	records := db.NewRecords(database)
	store := jobs.NewStore(database)

	syncSvc := cloudsync.NewService(cloudsync.Options{
		Binary:         cfg.CloudSync.Binary(),
		UploadSlots:    cfg.CloudSync.UploadSlots(),
		ProgressPerSec: cfg.CloudSync.ProgressRate(),
	}, executor, log)
	notifySvc := notify.NewService(notify.Options{}, log)

	registry := jobs.NewExecutorRegistry()
	tasks.RegisterAll(registry, tasks.Dependencies{
		Records: records,
		Secrets: secretsSvc,
		Sync:    syncSvc,
		Notify:  notifySvc,
		Logger:  log,
	})

	manager := jobs.NewManager(jobs.Dependencies{
		Store:    store,
		Records:  records,
		Output:   outputMgr,
		Events:   broadcaster,
		Registry: registry,
		Secrets:  secretsSvc,
		Paths:    pathsSvc,
		Borg:     borgClient,
		Exec:     executor,
		Logger:   log,
	}, jobs.QueueConfig{
		BackupSlots:    cfg.Jobs.BackupPoolSize(),
		OperationSlots: cfg.Jobs.OperationPoolSize(),
		BacklogCap:     cfg.Jobs.BacklogCap(),
		PollInterval:   cfg.Jobs.PollInterval(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start job engine")
	}
	defer manager.Stop()

	var scheduler *sched.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = sched.New(records, manager, tasks.NewBuilder(records), log)
		if err := scheduler.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start scheduler")
		}
		defer scheduler.Stop()

		if watchedFile := config.GetViper().ConfigFileUsed(); watchedFile != "" {
			watcher, err := config.NewWatcher(watchedFile)
			if err != nil {
				log.Warnw("Config file watching unavailable", "file", watchedFile, "error", err)
			} else {
				watcher.OnReload(func(*config.Config) error {
					return scheduler.Reload()
				})
				watcher.Start()
				defer watcher.Stop()
			}
		}
	}

	printStartupSummary(cfg, dbPath, borgVersion.String())
	log.Infow("Daemon started",
		"version", version.Get().Short(),
		"database", dbPath,
		"borg_version", borgVersion.String(),
		"scheduler", cfg.Scheduler.Enabled,
	)

	<-ctx.Done()
	log.Infow("Shutdown signal received, draining")
	pterm.Info.Println("Shutting down, waiting for running jobs to settle")
	return nil
}

// openSecrets loads the master key file, creating it on first run. The
// file holds a 16-byte salt followed by the 32-byte master key and is
// readable only by the owner.
func openSecrets(cfg *config.Config, pathsSvc *paths.Service) (*secrets.Service, error) {
	keyFile := cfg.Secrets.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(pathsSvc.DataDir(), "master.key")
	}

	raw, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		if len(raw) != 48 {
			return nil, errors.Newf("master key file %s is malformed: want 48 bytes, got %d", keyFile, len(raw))
		}
	case os.IsNotExist(err):
		salt, genErr := secrets.GenerateSalt()
		if genErr != nil {
			return nil, genErr
		}
		master := make([]byte, 32)
		if _, genErr := rand.Read(master); genErr != nil {
			return nil, errors.Wrap(genErr, "failed to generate master key")
		}
		raw = append(salt, master...)
		if writeErr := os.WriteFile(keyFile, raw, config.SecretFilePermissions); writeErr != nil {
			return nil, errors.Wrapf(writeErr, "failed to write master key file %s", keyFile)
		}
	default:
		return nil, errors.Wrapf(err, "failed to read master key file %s", keyFile)
	}

	return secrets.NewService(raw[16:], raw[:16])
}

func printStartupSummary(cfg *config.Config, dbPath, borgVersion string) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("Borgitory %s", info.Version)
	pterm.Println()
	pterm.Info.Printf("Database: %s\n", dbPath)
	pterm.Info.Printf("Borg: %s (%s)\n", cfg.Borg.Binary(), borgVersion)
	pterm.Info.Printf("Pools: %d backup / %d operation slots\n",
		cfg.Jobs.BackupPoolSize(), cfg.Jobs.OperationPoolSize())
	if cfg.Scheduler.Enabled {
		pterm.Info.Println("Scheduler: enabled")
	} else {
		pterm.Warning.Println("Scheduler: disabled")
	}
	pterm.Println()
}
