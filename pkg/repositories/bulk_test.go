package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
)

func bulkInstance(t *testing.T, typ correlation.Type, raw string, c *models.Case, ds *models.DataSource, objectID int64) *models.AttributeInstance {
	t.Helper()
	inst, err := models.NewAttributeInstance(typ, raw, *c, *ds, fmt.Sprintf("/bulk/%d", objectID), "", models.KnownStatusUnknown, objectID)
	require.NoError(t, err)
	return inst
}

func TestBulk_CommitsAtThreshold(t *testing.T) {
	repo := newTestRepository(t, withBulkThreshold(3))
	ctx := context.Background()
	domain := builtIn(t, correlation.DomainTypeID)
	usb := builtIn(t, correlation.USBTypeID)
	c, ds := seedCase(t, repo, "u1", "C1", 1)

	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, domain, "a.example.com", c, ds, 1)))
	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, usb, "046d:c52b", c, ds, 2)))
	assert.Equal(t, 2, repo.PendingBulkInstances())

	n, err := repo.CountArtifactInstancesByTypeValue(ctx, domain, "a.example.com")
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is written below the threshold")

	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, domain, "A.Example.com", c, ds, 3)))
	assert.Zero(t, repo.PendingBulkInstances())

	n, err = repo.CountArtifactInstancesByTypeValue(ctx, domain, "a.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = repo.CountArtifactInstancesByTypeValue(ctx, usb, "046D:C52B")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBulk_SkipsOverLongValues(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ssid := builtIn(t, correlation.SSIDTypeID)
	c, ds := seedCase(t, repo, "u1", "C1", 1)

	long := strings.Repeat("w", 300)
	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, ssid, long, c, ds, 1)))
	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, ssid, "Home WiFi", c, ds, 2)))
	require.NoError(t, repo.CommitAttributeInstancesBulk(ctx))
	assert.Zero(t, repo.PendingBulkInstances())

	n, err := repo.CountArtifactInstancesByTypeValue(ctx, ssid, "Home WiFi")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.CountArtifactInstancesByTypeValue(ctx, ssid, long)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The single-row path rejects the same value outright.
	err = repo.AddArtifactInstance(ctx, bulkInstance(t, ssid, long, c, ds, 3))
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestBulk_RejectsBadValueOnAdd(t *testing.T) {
	repo := newTestRepository(t)
	c, ds := seedCase(t, repo, "u1", "C1", 1)

	inst := &models.AttributeInstance{Type: builtIn(t, correlation.EmailTypeID), Value: "no-at-sign", Case: *c, DataSource: *ds}
	err := repo.AddAttributeInstanceBulk(context.Background(), inst)
	assert.ErrorIs(t, err, apperrors.ErrNormalization)
	assert.Zero(t, repo.PendingBulkInstances())
}

func TestBulk_CancelledCommitKeepsQueue(t *testing.T) {
	repo := newTestRepository(t)
	domain := builtIn(t, correlation.DomainTypeID)
	c, ds := seedCase(t, repo, "u1", "C1", 1)

	require.NoError(t, repo.AddAttributeInstanceBulk(context.Background(), bulkInstance(t, domain, "a.example.com", c, ds, 1)))
	require.NoError(t, repo.AddAttributeInstanceBulk(context.Background(), bulkInstance(t, builtIn(t, correlation.USBTypeID), "046d:c52b", c, ds, 2)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := repo.CommitAttributeInstancesBulk(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, repo.PendingBulkInstances())

	require.NoError(t, repo.CommitAttributeInstancesBulk(context.Background()))
	assert.Zero(t, repo.PendingBulkInstances())
	n, err := repo.CountArtifactInstancesByTypeValue(context.Background(), domain, "a.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBulk_FailedBatchIsReported(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	domain := builtIn(t, correlation.DomainTypeID)
	usb := builtIn(t, correlation.USBTypeID)
	c, ds := seedCase(t, repo, "u1", "C1", 1)

	orphan := bulkInstance(t, domain, "orphan.example.com", &models.Case{CaseUID: "no-such-case"}, ds, 2)
	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, domain, "kept.example.com", c, ds, 1)))
	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, orphan))
	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, usb, "046d:c52b", c, ds, 3)))

	err := repo.CommitAttributeInstancesBulk(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	var commitErr *BulkCommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, domain.InstanceTable(), commitErr.Table)
	assert.Equal(t, 2, commitErr.Dropped)
	assert.Equal(t, 1, repo.PendingBulkInstances(), "later tables stay queued")

	// The failed transaction wrote nothing.
	n, err := repo.CountArtifactInstancesByTypeValue(ctx, domain, "kept.example.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, repo.CommitAttributeInstancesBulk(ctx))
	assert.Zero(t, repo.PendingBulkInstances())
	n, err = repo.CountArtifactInstancesByTypeValue(ctx, usb, "046d:c52b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBulk_UnavailableRepositoryKeepsFailedBatch(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	domain := builtIn(t, correlation.DomainTypeID)
	c, ds := seedCase(t, repo, "u1", "C1", 1)

	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, domain, "a.example.com", c, ds, 1)))
	require.NoError(t, repo.AddAttributeInstanceBulk(ctx, bulkInstance(t, builtIn(t, correlation.USBTypeID), "046d:c52b", c, ds, 2)))

	repo.manager.SetDisabled(true)
	err := repo.CommitAttributeInstancesBulk(ctx)
	require.ErrorIs(t, err, apperrors.ErrRepositoryDisabled)
	var commitErr *BulkCommitError
	assert.False(t, errors.As(err, &commitErr))
	assert.Equal(t, 2, repo.PendingBulkInstances())

	repo.manager.SetDisabled(false)
	require.NoError(t, repo.CommitAttributeInstancesBulk(ctx))
	assert.Zero(t, repo.PendingBulkInstances())
	n, err := repo.CountArtifactInstancesByTypeValue(ctx, domain, "a.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBulk_RejectsKnownStatusOnAdd(t *testing.T) {
	repo := newTestRepository(t)
	c, ds := seedCase(t, repo, "u1", "C1", 1)

	inst := bulkInstance(t, builtIn(t, correlation.DomainTypeID), "a.example.com", c, ds, 1)
	inst.KnownStatus = models.KnownStatus(1)
	err := repo.AddAttributeInstanceBulk(context.Background(), inst)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	assert.Zero(t, repo.PendingBulkInstances())
}

func TestBulkBuffer_RequeueKeepsOrder(t *testing.T) {
	b := newBulkBuffer()
	files := correlation.Type{ID: correlation.FilesTypeID}
	domain := correlation.Type{ID: correlation.DomainTypeID}

	b.add(&models.AttributeInstance{Type: domain, Value: "d1"})
	b.add(&models.AttributeInstance{Type: files, Value: "f1"})
	batches := b.take()
	require.Len(t, batches, 2)
	assert.Equal(t, correlation.FilesTypeID, batches[0].t.ID)
	assert.Zero(t, b.len())

	b.add(&models.AttributeInstance{Type: domain, Value: "d2"})
	b.requeue(batches[1:])
	assert.Equal(t, 2, b.len())
	again := b.take()
	require.Len(t, again, 1)
	assert.Equal(t, "d1", again[0].instances[0].Value)
	assert.Equal(t, "d2", again[0].instances[1].Value)

	b.add(&models.AttributeInstance{Type: files})
	assert.Equal(t, 1, b.reset())
	assert.Zero(t, b.len())
}
