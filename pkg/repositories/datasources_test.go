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

func TestNewDataSource_DistinctSourcesInOneCase(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	c, err := repo.NewCase(ctx, &models.Case{CaseUID: "u1", DisplayName: "C1"})
	require.NoError(t, err)

	ds1, err := repo.NewDataSource(ctx, &models.DataSource{CaseID: c.ID, DeviceID: "dev1", Name: "ds1", ObjectID: 11})
	require.NoError(t, err)
	ds2, err := repo.NewDataSource(ctx, &models.DataSource{CaseID: c.ID, DeviceID: "dev2", Name: "ds2", ObjectID: 12})
	require.NoError(t, err)

	assert.NotEqual(t, ds1.ID, ds2.ID)
	assert.Equal(t, "dev1", ds1.DeviceID)
	assert.Equal(t, "dev2", ds2.DeviceID)
	assert.Equal(t, "ds2", ds2.Name)

	again, err := repo.NewDataSource(ctx, &models.DataSource{CaseID: c.ID, DeviceID: "dev1", Name: "ds1", ObjectID: 11})
	require.NoError(t, err)
	assert.Equal(t, ds1.ID, again.ID, "re-adding a source returns the stored row")

	all, err := repo.GetDataSources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNewDataSource_RequiresObjectID(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	c, err := repo.NewCase(ctx, &models.Case{CaseUID: "u1", DisplayName: "C1"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		objectID int64
	}{
		{"zero", 0},
		{"negative", -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.NewDataSource(ctx, &models.DataSource{CaseID: c.ID, DeviceID: "dev1", Name: "ds1", ObjectID: tt.objectID})
			assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
		})
	}

	all, err := repo.GetDataSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAddArtifactInstance_DataSourceWithoutObjectID(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	c, _ := seedCase(t, repo, "u1", "C1", 1)

	inst, err := models.NewAttributeInstance(builtIn(t, correlation.FilesTypeID), testHash,
		*c, models.DataSource{DeviceID: "dev-x", Name: "unnumbered"}, "/a", "", models.KnownStatusUnknown, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.AddArtifactInstance(ctx, inst), apperrors.ErrInvalidArgument)
}
