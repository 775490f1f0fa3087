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

func newHashSet(t *testing.T, repo CentralRepository, name string, status models.ReferenceStatus) *models.ReferenceSet {
	t.Helper()
	set, err := repo.NewReferenceSet(context.Background(), &models.ReferenceSet{
		Name:        name,
		Version:     "1.0",
		KnownStatus: status,
		Type:        builtIn(t, correlation.FilesTypeID),
	})
	require.NoError(t, err)
	require.Positive(t, set.ID)
	return set
}

func TestReferenceSet_Lifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	files := builtIn(t, correlation.FilesTypeID)

	set := newHashSet(t, repo, "Malware", models.ReferenceStatusBad)
	assert.NotEmpty(t, set.ImportDate)

	got, err := repo.GetReferenceSetByID(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, "Malware", got.Name)
	assert.Equal(t, models.ReferenceStatusBad, got.KnownStatus)
	assert.Equal(t, correlation.FilesTypeID, got.Type.ID)

	org, err := repo.GetReferenceSetOrganization(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultOrganizationName, org.Name)

	exists, err := repo.ReferenceSetExists(ctx, "Malware", "1.0")
	require.NoError(t, err)
	assert.True(t, exists)
	valid, err := repo.ReferenceSetIsValid(ctx, set.ID, "Malware", "2.0")
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = repo.NewReferenceSet(ctx, &models.ReferenceSet{Name: "Malware", Version: "1.0", KnownStatus: models.ReferenceStatusBad, Type: files})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	sets, err := repo.GetAllReferenceSets(ctx, files)
	require.NoError(t, err)
	require.Len(t, sets, 1)

	require.NoError(t, repo.DeleteReferenceSet(ctx, set.ID))
	_, err = repo.GetReferenceSetByID(ctx, set.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteReferenceSet(ctx, set.ID), apperrors.ErrNotFound)
}

func TestReferenceSet_RejectsUnsupportedType(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.NewReferenceSet(context.Background(), &models.ReferenceSet{
		Name: "Domains", Version: "1", KnownStatus: models.ReferenceStatusBad, Type: builtIn(t, correlation.DomainTypeID),
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestReferenceEntries_HashLookups(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	files := builtIn(t, correlation.FilesTypeID)

	bad := newHashSet(t, repo, "Notable", models.ReferenceStatusBad)
	good := newHashSet(t, repo, "NSRL", models.ReferenceStatusKnown)

	require.NoError(t, repo.BulkInsertReferenceTypeEntries(ctx, files, []*models.ReferenceInstance{
		{ReferenceSetID: bad.ID, Value: testHash, KnownStatus: models.ReferenceStatusBad, Comment: "dropper"},
		{ReferenceSetID: bad.ID, Value: "00112233445566778899AABBCCDDEEFF", KnownStatus: models.ReferenceStatusBad},
	}))
	entry, err := models.NewReferenceInstance(files, good.ID, "ffeeddccbbaa99887766554433221100", models.ReferenceStatusKnown, "")
	require.NoError(t, err)
	require.NoError(t, repo.AddReferenceInstance(ctx, files, entry))

	in, err := repo.IsFileHashInReferenceSet(ctx, "aabbccddeeff00112233445566778899", bad.ID)
	require.NoError(t, err)
	assert.True(t, in)
	in, err = repo.IsFileHashInReferenceSet(ctx, testHash, good.ID)
	require.NoError(t, err)
	assert.False(t, in)

	hit, err := repo.LookupHash(ctx, testHash, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, "aabbccddeeff00112233445566778899", hit.Hash)
	assert.Equal(t, models.ReferenceStatusBad, hit.KnownStatus)
	assert.Equal(t, []string{"dropper"}, hit.Comments)

	_, err = repo.LookupHash(ctx, testHash, good.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	knownBad, err := repo.IsArtifactKnownBadByReference(ctx, files, testHash)
	require.NoError(t, err)
	assert.True(t, knownBad)
	knownBad, err = repo.IsArtifactKnownBadByReference(ctx, files, "ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)
	assert.False(t, knownBad)

	knownBad, err = repo.IsArtifactKnownBadByReference(ctx, builtIn(t, correlation.DomainTypeID), "example.com")
	require.NoError(t, err)
	assert.False(t, knownBad)

	entries, err := repo.GetReferenceInstancesByTypeValue(ctx, files, testHash)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bad.ID, entries[0].ReferenceSetID)

	// Entries go with their set.
	require.NoError(t, repo.DeleteReferenceSet(ctx, bad.ID))
	entries, err = repo.GetReferenceInstancesByTypeValue(ctx, files, testHash)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReferenceEntries_BulkIsAllOrNothing(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	files := builtIn(t, correlation.FilesTypeID)
	set := newHashSet(t, repo, "Partial", models.ReferenceStatusBad)

	err := repo.BulkInsertReferenceTypeEntries(ctx, files, []*models.ReferenceInstance{
		{ReferenceSetID: set.ID, Value: testHash, KnownStatus: models.ReferenceStatusBad},
		{ReferenceSetID: set.ID, Value: "zz", KnownStatus: models.ReferenceStatusBad},
	})
	require.ErrorIs(t, err, apperrors.ErrNormalization)

	in, err := repo.IsFileHashInReferenceSet(ctx, testHash, set.ID)
	require.NoError(t, err)
	assert.False(t, in)
}
