package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/database"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/logging"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/schema"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/services"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	exitOK = iota
	exitUsage
	exitConfig
	exitRepository
)

const usage = `Usage: ekaya-centralrepo [--config PATH] <command> [options]

Commands:
  init      Create the repository database (if needed) and its schema
  upgrade   Upgrade an existing repository to the current schema
  status    Report backend, schema version and connectivity

Global options:
  --config PATH   Settings file (default "config.yaml")
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	global := flag.NewFlagSet("ekaya-centralrepo", flag.ContinueOnError)
	configPath := global.String("config", "config.yaml", "settings file")
	global.SetInterspersed(false)
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(argv); err != nil {
		return exitUsage
	}
	if global.NArg() == 0 {
		global.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "init":
		return runInit(ctx, args, cfg, *configPath, logger)
	case "upgrade":
		return runUpgrade(ctx, args, cfg, *configPath, logger)
	case "status":
		return runStatus(ctx, args, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		global.Usage()
		return exitUsage
	}
}

func runInit(ctx context.Context, args []string, cfg *config.Config, configPath string, logger *zap.Logger) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	backend := fs.String("backend", "", "backend to select and save (sqlite, postgresql_custom, postgresql_multiuser)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *backend != "" {
		b := config.Backend(*backend)
		if !b.Valid() || b == config.BackendDisabled {
			fmt.Fprintf(os.Stderr, "Error: unknown backend %q\n", *backend)
			return exitUsage
		}
		cfg.CentralRepo.Backend = b
		cfg.CentralRepo.DisabledDueToFailure = false
	}

	provisioner, err := database.NewProvisioner(&cfg.CentralRepo, logger)
	if errors.Is(err, apperrors.ErrRepositoryDisabled) {
		fmt.Fprintln(os.Stderr, "Error: central repository is disabled; pass --backend to select one")
		return exitConfig
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	exists, err := provisioner.VerifyDatabaseExists(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", logging.SanitizeError(err))
		return exitRepository
	}
	if !exists {
		if err := provisioner.CreateDatabase(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", logging.SanitizeError(err))
			return exitRepository
		}
		fmt.Println("Created repository database")
	}

	svc := services.NewCentralRepoService(cfg, configPath, redisClient(cfg), logger)
	defer func() { _ = svc.Shutdown() }()
	if _, err := svc.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", logging.SanitizeError(err))
		return exitRepository
	}
	if *backend != "" {
		if err := svc.SaveSettings(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitConfig
		}
	}
	fmt.Printf("Central repository ready (%s, schema %s)\n", cfg.CentralRepo.Backend, schema.Current)
	return exitOK
}

func runUpgrade(ctx context.Context, args []string, cfg *config.Config, configPath string, logger *zap.Logger) int {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	svc := services.NewCentralRepoService(cfg, configPath, redisClient(cfg), logger)
	defer func() { _ = svc.Shutdown() }()
	repo, err := svc.Open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", logging.SanitizeError(err))
		if svc.Settings().DisabledDueToFailure {
			fmt.Fprintln(os.Stderr, "The central repository has been disabled. Fix the problem and run init --backend to re-enable it.")
		}
		return exitRepository
	}
	if repo == nil {
		fmt.Println("Central repository is disabled, nothing to upgrade")
		return exitOK
	}
	fmt.Printf("Central repository is at schema %s\n", schema.Current)
	return exitOK
}

type statusReport struct {
	backend  config.Backend
	identity string
	version  schema.Version
	dbErr    error
	redisErr error
	redisOn  bool
}

func runStatus(ctx context.Context, args []string, cfg *config.Config, logger *zap.Logger) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 10*time.Second, "connectivity check timeout")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	report := statusReport{backend: cfg.CentralRepo.Backend}
	if cfg.CentralRepo.Backend == config.BackendDisabled {
		fmt.Printf("Backend:    disabled (after failure: %v)\n", cfg.CentralRepo.DisabledDueToFailure)
		return exitOK
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	// Checks never fail the group; each records its own error.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report.identity, report.version, report.dbErr = inspectRepository(gctx, cfg, logger)
		return nil
	})
	if client := redisClient(cfg); client != nil {
		report.redisOn = true
		g.Go(func() error {
			defer func() { _ = client.Close() }()
			report.redisErr = client.Ping(gctx).Err()
			return nil
		})
	}
	_ = g.Wait()

	fmt.Printf("Backend:    %s\n", report.backend)
	if report.dbErr != nil {
		fmt.Printf("Repository: unavailable (%s)\n", logging.SanitizeError(report.dbErr))
	} else {
		fmt.Printf("Repository: %s\n", report.identity)
		fmt.Printf("Schema:     %s (software %s)\n", report.version, schema.Current)
	}
	if report.redisOn {
		if report.redisErr != nil {
			fmt.Printf("Redis:      unavailable (%s)\n", logging.SanitizeError(report.redisErr))
		} else {
			fmt.Printf("Redis:      ok\n")
		}
	}
	if report.dbErr != nil || report.redisErr != nil {
		return exitRepository
	}
	return exitOK
}

// inspectRepository opens the backend without migrating and reads the
// stored schema version.
func inspectRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (string, schema.Version, error) {
	manager, err := database.Open(ctx, &cfg.CentralRepo, logger)
	if err != nil {
		return "", schema.Version{}, err
	}
	defer func() { _ = manager.Shutdown() }()

	var version schema.Version
	err = database.Read(ctx, manager, func(q sqlpkg.Querier) error {
		ok, err := schema.IsInitialized(ctx, q, manager.Dialect())
		if err != nil || !ok {
			return err
		}
		version, err = schema.ReadVersion(ctx, q, manager.Dialect())
		return err
	})
	return manager.Identity(), version, err
}

func redisClient(cfg *config.Config) *redis.Client {
	if cfg.Redis.Host == "" {
		return nil
	}
	return database.NewRedisClient(&cfg.Redis)
}
