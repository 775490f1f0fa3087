package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
)

func TestAccounts_GetOrCreate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	emailType, err := repo.GetAccountTypeByName(ctx, "EMAIL")
	require.NoError(t, err)
	assert.Equal(t, correlation.EmailTypeID, emailType.CorrelationTypeID)

	_, err = repo.GetAccount(ctx, emailType, "alice@example.com")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	first, err := repo.GetOrCreateAccount(ctx, emailType, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", first.UniqueID)

	repo.ClearCaches()
	second, err := repo.GetOrCreateAccount(ctx, emailType, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := repo.GetAccount(ctx, emailType, " ALICE@example.com ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = repo.GetOrCreateAccount(ctx, emailType, "not an address")
	assert.ErrorIs(t, err, apperrors.ErrNormalization)

	_, err = repo.GetOrCreateAccount(ctx, &models.AccountType{TypeName: "EMAIL"}, "alice@example.com")
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestAccountTypes(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	types, err := repo.GetAllAccountTypes(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(types))
	for _, at := range types {
		names = append(names, at.TypeName)
	}
	assert.Contains(t, names, "PHONE")
	assert.Contains(t, names, "FACEBOOK")
	assert.NotContains(t, names, "DEVICE")

	_, err = repo.GetAccountTypeByName(ctx, "CARRIER_PIGEON")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCorrelationTypes_Custom(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	vin, err := correlation.NewType(-1, "VIN", "vin_number", true, true)
	require.NoError(t, err)
	id, err := repo.NewCorrelationType(ctx, vin)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, correlation.CustomTypeIDOffset)

	stored, err := repo.GetCorrelationTypeByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "VIN", stored.DisplayName)
	assert.Equal(t, "vin_number_instances", stored.InstanceTable())

	defined, err := repo.DefinedCorrelationTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, defined, len(correlation.DefaultTypes())+1)

	// The new table accepts instances straight away; values pass through.
	c, ds := seedCase(t, repo, "u1", "C1", 1)
	addInstance(t, repo, stored, "1HGCM82633A004352", c, ds, "/registry", 1)
	found, err := repo.GetArtifactInstancesByTypeValue(ctx, stored, "1HGCM82633A004352")
	require.NoError(t, err)
	require.Len(t, found, 1)

	stored.Enabled = false
	require.NoError(t, repo.UpdateCorrelationType(ctx, stored))
	enabled, err := repo.EnabledCorrelationTypes(ctx)
	require.NoError(t, err)
	for _, typ := range enabled {
		assert.NotEqual(t, id, typ.ID)
	}
	supported, err := repo.SupportedCorrelationTypes(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, supported)

	_, err = repo.GetCorrelationTypeByID(ctx, 99999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestOrganizations(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	lab, err := repo.NewOrganization(ctx, &models.Organization{Name: "State Lab", PocName: "Sam"})
	require.NoError(t, err)
	require.Positive(t, lab.ID)

	_, err = repo.NewOrganization(ctx, &models.Organization{Name: "State Lab"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	lab.PocEmail = "sam@lab.example"
	require.NoError(t, repo.UpdateOrganization(ctx, lab))
	got, err := repo.GetOrganizationByID(ctx, lab.ID)
	require.NoError(t, err)
	assert.Equal(t, "sam@lab.example", got.PocEmail)

	c, err := repo.NewCase(ctx, &models.Case{CaseUID: "u1", DisplayName: "C1", Org: lab})
	require.NoError(t, err)
	assert.ErrorIs(t, repo.DeleteOrganization(ctx, lab), apperrors.ErrConflict)

	c.Org = nil
	require.NoError(t, repo.UpdateCase(ctx, c))
	require.NoError(t, repo.DeleteOrganization(ctx, lab))
	_, err = repo.GetOrganizationByID(ctx, lab.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetOrInsertExaminer(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.GetOrInsertExaminer(ctx, "jdoe")
	require.NoError(t, err)
	second, err := repo.GetOrInsertExaminer(ctx, " jdoe ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = repo.GetOrInsertExaminer(ctx, "  ")
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}
