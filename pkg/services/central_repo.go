package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/audit"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/coordination"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/database"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/logging"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/migrate"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/repositories"
)

// CentralRepoService owns the active repository handle and its settings.
type CentralRepoService interface {
	// Open connects to the configured backend, creating the schema on a
	// new repository or upgrading an existing one. A disabled backend
	// returns nil, nil. If creating or upgrading fails the repository is
	// switched off, the settings are saved that way and the error is
	// returned.
	Open(ctx context.Context) (repositories.CentralRepository, error)
	// Repository returns the open repository, or nil.
	Repository() repositories.CentralRepository
	// Settings returns a copy of the current repository settings.
	Settings() config.CentralRepoConfig
	// UpdateSettings closes the open repository and applies cfg. The next
	// Open uses the new settings.
	UpdateSettings(ctx context.Context, cfg config.CentralRepoConfig) error
	// SaveSettings persists the settings to the configuration file.
	SaveSettings() error
	Shutdown() error
}

type centralRepoService struct {
	mu         sync.Mutex
	cfg        *config.Config
	configPath string
	redis      *redis.Client
	logger     *zap.Logger

	repo repositories.CentralRepository
}

var _ CentralRepoService = (*centralRepoService)(nil)

// NewCentralRepoService creates the lifecycle service. redisClient may be
// nil, in which case upgrades of a shared backend run without the
// cross-process lock. An empty configPath disables SaveSettings.
func NewCentralRepoService(cfg *config.Config, configPath string, redisClient *redis.Client, logger *zap.Logger) CentralRepoService {
	return &centralRepoService{
		cfg:        cfg,
		configPath: configPath,
		redis:      redisClient,
		logger:     logger.Named("central_repo"),
	}
}

func (s *centralRepoService) Open(ctx context.Context) (repositories.CentralRepository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		return s.repo, nil
	}
	settings := &s.cfg.CentralRepo
	if settings.Backend == config.BackendDisabled {
		s.logger.Info("Central repository is disabled",
			zap.Bool("disabled_due_to_failure", settings.DisabledDueToFailure))
		return nil, nil
	}

	manager, err := database.Open(ctx, settings, s.logger)
	if errors.Is(err, apperrors.ErrRepositoryDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open central repository: %w", err)
	}
	auditor := audit.NewSecurityAuditor(s.logger, manager.Identity())

	if err := s.prepareSchema(ctx, manager, auditor); err != nil {
		if ctx.Err() != nil {
			_ = manager.Shutdown()
			return nil, err
		}
		return nil, s.failSafe(ctx, manager, auditor, err)
	}

	s.repo = repositories.NewCentralRepository(manager, settings.BulkThreshold(), auditor, s.logger)
	s.logger.Info("Central repository opened",
		zap.String("backend", string(settings.Backend)),
		zap.String("repository", manager.Identity()))
	return s.repo, nil
}

// prepareSchema creates the schema of a new repository or upgrades an
// existing one under the cross-process lock of a shared backend.
func (s *centralRepoService) prepareSchema(ctx context.Context, manager database.Manager, auditor *audit.SecurityAuditor) error {
	var locker *coordination.Locker
	if s.redis != nil {
		locker = coordination.NewLocker(s.redis, s.cfg.CentralRepo.MigrationLockTimeout, s.logger)
	} else if manager.LockKey() != "" {
		s.logger.Warn("No coordination server configured, preparing shared repository without a lock")
	}
	result, err := migrate.NewMigrator(manager, locker, auditor, s.logger).Prepare(ctx)
	if err != nil {
		return err
	}
	if result.Created {
		s.logger.Info("Created central repository schema", zap.Stringer("version", result.To))
	}
	return nil
}

// failSafe switches the repository off after a failed create or upgrade
// so a half-migrated schema is never used.
func (s *centralRepoService) failSafe(ctx context.Context, manager database.Manager, auditor *audit.SecurityAuditor, cause error) error {
	if err := manager.Shutdown(); err != nil {
		s.logger.Warn("Failed to close repository after failed upgrade", zap.String("error", logging.SanitizeError(err)))
	}
	s.cfg.CentralRepo.Backend = config.BackendDisabled
	s.cfg.CentralRepo.DisabledDueToFailure = true
	auditor.LogRepositoryDisabled(ctx, logging.SanitizeError(cause))

	if s.configPath != "" {
		if err := config.Save(s.configPath, s.cfg); err != nil {
			s.logger.Error("Failed to persist disabled central repository settings",
				zap.String("error", logging.SanitizeError(err)))
		}
	}
	return fmt.Errorf("central repository disabled: %w", cause)
}

func (s *centralRepoService) Repository() repositories.CentralRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo
}

func (s *centralRepoService) Settings() config.CentralRepoConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CentralRepo
}

func (s *centralRepoService) UpdateSettings(ctx context.Context, cfg config.CentralRepoConfig) error {
	candidate := *s.cfg
	candidate.CentralRepo = cfg
	candidate.Normalize()
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidArgument, err)
	}
	cfg = candidate.CentralRepo

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(); err != nil {
		return err
	}
	if cfg.Backend != config.BackendDisabled {
		cfg.DisabledDueToFailure = false
	}
	s.cfg.CentralRepo = cfg
	s.logger.Info("Central repository settings updated", zap.String("backend", string(cfg.Backend)))
	return nil
}

func (s *centralRepoService) SaveSettings() error {
	if s.configPath == "" {
		return fmt.Errorf("%w: no configuration file", apperrors.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return config.Save(s.configPath, s.cfg)
}

func (s *centralRepoService) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *centralRepoService) closeLocked() error {
	if s.repo == nil {
		return nil
	}
	err := s.repo.Shutdown()
	s.repo = nil
	return err
}
