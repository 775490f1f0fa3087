package persona

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/database"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/repositories"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/schema"
)

type testEnv struct {
	repo    repositories.CentralRepository
	service *service
	clock   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	m, err := database.NewSQLiteManager(ctx, &config.SQLiteConfig{Directory: t.TempDir(), FileName: "personas.db"}, logger)
	require.NoError(t, err)
	require.NoError(t, schema.Initialize(ctx, m.DB(), m.Dialect(), logger))
	repo := repositories.NewCentralRepository(m, 0, nil, logger)
	t.Cleanup(func() { _ = repo.Shutdown() })

	env := &testEnv{repo: repo, clock: time.UnixMilli(1_700_000_000_000)}
	env.service = NewService(repo, "examiner1", logger).(*service)
	env.service.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) tick() { e.clock = e.clock.Add(time.Second) }

func (e *testEnv) account(t *testing.T, typeName, uniqueID string) *models.Account {
	t.Helper()
	at, err := e.repo.GetAccountTypeByName(context.Background(), typeName)
	require.NoError(t, err)
	a, err := e.repo.GetOrCreateAccount(context.Background(), at, uniqueID)
	require.NoError(t, err)
	return a
}

func TestCreatePersona(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.service.CreatePersona(ctx, "", "first look", models.PersonaStatusActive)
	require.NoError(t, err)
	assert.Positive(t, p.ID)
	assert.Equal(t, models.DefaultPersonaName, p.Name)
	assert.Equal(t, int64(1_700_000_000_000), p.CreatedDate)
	assert.Equal(t, "examiner1", p.Examiner.LoginName)

	got, err := env.service.GetPersonaByUUID(ctx, p.UUID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "first look", got.Comment)
	assert.Equal(t, models.PersonaStatusActive, got.Status)
	assert.Equal(t, p.Examiner.ID, got.Examiner.ID)

	_, err = env.service.GetPersonaByUUID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = env.service.GetPersonaByUUID(ctx, "x' OR '1'='1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	_, err = env.service.CreatePersona(ctx, "bad", "", models.PersonaStatus(9))
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestPersonaUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.service.CreatePersona(ctx, "Original", "", models.PersonaStatusActive)
	require.NoError(t, err)

	env.tick()
	require.NoError(t, env.service.SetName(ctx, p, "Robert'); DROP TABLE personas;--"))
	require.NoError(t, env.service.SetComment(ctx, p, "it's quoted"))

	got, err := env.service.GetPersonaByUUID(ctx, p.UUID)
	require.NoError(t, err)
	assert.Equal(t, "Robert'); DROP TABLE personas;--", got.Name)
	assert.Equal(t, "it's quoted", got.Comment)
	assert.Equal(t, env.clock.UnixMilli(), got.ModifiedDate)
	assert.Greater(t, got.ModifiedDate, got.CreatedDate)

	require.NoError(t, env.service.Delete(ctx, p))
	got, err = env.service.GetPersonaByUUID(ctx, p.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.PersonaStatusDeleted, got.Status)

	assert.ErrorIs(t, env.service.SetName(ctx, &models.Persona{}, "x"), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, env.service.SetName(ctx, &models.Persona{ID: 999}, "x"), apperrors.ErrNotFound)
}

func TestGetPersonasByName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	literal, err := env.service.CreatePersona(ctx, "Suspect_1", "", models.PersonaStatusActive)
	require.NoError(t, err)
	_, err = env.service.CreatePersona(ctx, "Suspectx1", "", models.PersonaStatusActive)
	require.NoError(t, err)
	_, err = env.service.CreatePersona(ctx, "100% Sure", "", models.PersonaStatusActive)
	require.NoError(t, err)
	gone, err := env.service.CreatePersona(ctx, "suspect_1 old", "", models.PersonaStatusActive)
	require.NoError(t, err)
	require.NoError(t, env.service.Delete(ctx, gone))

	found, err := env.service.GetPersonasByName(ctx, "T_1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, literal.ID, found[0].ID)

	found, err = env.service.GetPersonasByName(ctx, "0%")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "100% Sure", found[0].Name)

	found, err = env.service.GetPersonasByName(ctx, "suspect")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, "a!%b!_c!!d", escapeLike("a%b_c!d"))
	assert.Equal(t, "plain", escapeLike("plain"))
}

func TestPersonaAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	email := env.account(t, "EMAIL", "Bob@Example.com")
	phone := env.account(t, "PHONE", "+1 (555) 123-4567")

	p, err := env.service.CreatePersonaForAccount(ctx, "Bob", "", models.PersonaStatusActive,
		email, "same signature", models.ConfidenceHigh)
	require.NoError(t, err)
	pa, err := env.service.AddAccount(ctx, p, phone, "listed in profile", models.ConfidenceLow)
	require.NoError(t, err)

	links, err := env.service.GetPersonaAccounts(ctx, p)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "bob@example.com", links[0].Account.UniqueID)
	assert.Equal(t, "EMAIL", links[0].Account.Type.TypeName)
	assert.Equal(t, models.ConfidenceHigh, links[0].Confidence)
	assert.Equal(t, "+15551234567", links[1].Account.UniqueID)

	require.NoError(t, env.service.ModifyAccount(ctx, pa, models.ConfidenceModerate, "confirmed by carrier"))
	byAccount, err := env.service.GetAccountPersonas(ctx, phone)
	require.NoError(t, err)
	require.Len(t, byAccount, 1)
	assert.Equal(t, models.ConfidenceModerate, byAccount[0].Confidence)
	assert.Equal(t, "confirmed by carrier", byAccount[0].Justification)

	require.NoError(t, env.service.RemoveAccount(ctx, pa))
	assert.ErrorIs(t, env.service.RemoveAccount(ctx, pa), apperrors.ErrNotFound)
	links, err = env.service.GetPersonaAccounts(ctx, p)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	_, err = env.service.AddAccount(ctx, p, email, "", models.Confidence(0))
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	_, err = env.service.AddAccount(ctx, p, &models.Account{}, "", models.ConfidenceLow)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestAliasesAndMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.service.CreatePersona(ctx, "Carol", "", models.PersonaStatusUnknown)
	require.NoError(t, err)

	alias, err := env.service.AddAlias(ctx, p, "C'arol", "nickname in chat", models.ConfidenceModerate)
	require.NoError(t, err)
	_, err = env.service.AddAlias(ctx, p, "  ", "", models.ConfidenceLow)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	aliases, err := env.service.GetAliases(ctx, p)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, "C'arol", aliases[0].Alias)
	assert.Equal(t, "examiner1", aliases[0].Examiner.LoginName)

	require.NoError(t, env.service.RemoveAlias(ctx, alias))
	aliases, err = env.service.GetAliases(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, aliases)

	m, err := env.service.AddMetadata(ctx, p, "height", "180cm", "passport", models.ConfidenceHigh)
	require.NoError(t, err)
	_, err = env.service.AddMetadata(ctx, p, "height", "175cm", "photo", models.ConfidenceLow)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	_, err = env.service.AddMetadata(ctx, p, "age", "40", "", models.ConfidenceLow)
	require.NoError(t, err)

	metadata, err := env.service.GetMetadata(ctx, p)
	require.NoError(t, err)
	require.Len(t, metadata, 2)
	assert.Equal(t, "age", metadata[0].Name)
	assert.Equal(t, "180cm", metadata[1].Value)

	require.NoError(t, env.service.RemoveMetadata(ctx, m))
	metadata, err = env.service.GetMetadata(ctx, p)
	require.NoError(t, err)
	assert.Len(t, metadata, 1)
}
