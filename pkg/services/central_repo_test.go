package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/database"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/schema"
)

type testService struct {
	cfg        *config.Config
	configPath string
	service    CentralRepoService
}

func newSQLiteService(t *testing.T) *testService {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	cfg, err := config.Load(configPath, "test")
	require.NoError(t, err)
	cfg.CentralRepo.Backend = config.BackendSQLite
	cfg.CentralRepo.SQLite.Directory = dir
	cfg.CentralRepo.SQLite.FileName = "central_repository.db"

	svc := NewCentralRepoService(cfg, configPath, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = svc.Shutdown() })
	return &testService{cfg: cfg, configPath: configPath, service: svc}
}

func TestCentralRepoService_DisabledBackend(t *testing.T) {
	ts := newSQLiteService(t)
	ts.cfg.CentralRepo.Backend = config.BackendDisabled

	repo, err := ts.service.Open(context.Background())
	require.NoError(t, err)
	assert.Nil(t, repo)
	assert.Nil(t, ts.service.Repository())
}

func TestCentralRepoService_CreatesThenReopens(t *testing.T) {
	ts := newSQLiteService(t)
	ctx := context.Background()

	repo, err := ts.service.Open(ctx)
	require.NoError(t, err)
	require.NotNil(t, repo)

	again, err := ts.service.Open(ctx)
	require.NoError(t, err)
	assert.Same(t, repo, again)

	org, err := repo.NewOrganization(ctx, &models.Organization{Name: "Lifecycle Lab"})
	require.NoError(t, err)
	require.NoError(t, ts.service.Shutdown())
	assert.Nil(t, ts.service.Repository())

	// The second open takes the upgrade path against an existing schema.
	repo, err = ts.service.Open(ctx)
	require.NoError(t, err)
	got, err := repo.GetOrganizationByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lifecycle Lab", got.Name)
}

func TestCentralRepoService_FailedUpgradeDisablesRepository(t *testing.T) {
	ts := newSQLiteService(t)
	ctx := context.Background()

	// A repository written by a newer major version.
	m, err := database.NewSQLiteManager(ctx, &ts.cfg.CentralRepo.SQLite, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, schema.Initialize(ctx, m.DB(), m.Dialect(), zaptest.NewLogger(t)))
	require.NoError(t, schema.UpdateDbInfo(ctx, m.DB(), m.Dialect(), schema.MajorVersionKey, "2"))
	require.NoError(t, m.Shutdown())

	repo, err := ts.service.Open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIncompatibleSchema)
	assert.Nil(t, repo)

	settings := ts.service.Settings()
	assert.Equal(t, config.BackendDisabled, settings.Backend)
	assert.True(t, settings.DisabledDueToFailure)

	saved, err := config.Load(ts.configPath, "test")
	require.NoError(t, err)
	assert.Equal(t, config.BackendDisabled, saved.CentralRepo.Backend)
	assert.True(t, saved.CentralRepo.DisabledDueToFailure)

	// Later opens stay off until the settings change.
	repo, err = ts.service.Open(ctx)
	require.NoError(t, err)
	assert.Nil(t, repo)
}

func TestCentralRepoService_UpdateSettings(t *testing.T) {
	ts := newSQLiteService(t)
	ctx := context.Background()

	first, err := ts.service.Open(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	next := ts.service.Settings()
	next.SQLite.FileName = "other.db"
	next.DisabledDueToFailure = true
	require.NoError(t, ts.service.UpdateSettings(ctx, next))
	assert.Nil(t, ts.service.Repository())
	assert.False(t, ts.service.Settings().DisabledDueToFailure)

	second, err := ts.service.Open(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.FileExists(t, filepath.Join(next.SQLite.Directory, "other.db"))

	bad := next
	bad.Backend = "oracle"
	assert.ErrorIs(t, ts.service.UpdateSettings(ctx, bad), apperrors.ErrInvalidArgument)
	assert.NotNil(t, ts.service.Repository(), "rejected settings leave the open repository alone")

	badName := next
	badName.SQLite.FileName = "../outside.db"
	assert.ErrorIs(t, ts.service.UpdateSettings(ctx, badName), apperrors.ErrInvalidArgument)

	pg := next
	pg.Backend = config.BackendPostgresCustom
	pg.Postgres.Port = 70000
	assert.ErrorIs(t, ts.service.UpdateSettings(ctx, pg), apperrors.ErrInvalidArgument)
	assert.NotNil(t, ts.service.Repository())

	require.NoError(t, ts.service.SaveSettings())
	saved, err := config.Load(ts.configPath, "test")
	require.NoError(t, err)
	assert.Equal(t, "other.db", saved.CentralRepo.SQLite.FileName)
}

func TestCentralRepoService_SaveSettingsWithoutPath(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), "test")
	require.NoError(t, err)
	svc := NewCentralRepoService(cfg, "", nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, svc.SaveSettings(), apperrors.ErrInvalidArgument)
}

func TestCentralRepoService_UpdateSettingsLowerCasesDatabase(t *testing.T) {
	ts := newSQLiteService(t)

	next := ts.service.Settings()
	next.Backend = config.BackendPostgresCustom
	next.Postgres.Database = "Cases_DB"
	require.NoError(t, ts.service.UpdateSettings(context.Background(), next))
	assert.Equal(t, "cases_db", ts.service.Settings().Postgres.Database)
}
