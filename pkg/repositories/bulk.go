package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// BulkRepository batches instance inserts during ingest.
type BulkRepository interface {
	// AddAttributeInstanceBulk queues inst. Once the queue reaches the
	// configured threshold it is committed before returning.
	AddAttributeInstanceBulk(ctx context.Context, inst *models.AttributeInstance) error
	// CommitAttributeInstancesBulk writes every queued instance, one
	// transaction per instance table. Cancellation is honored between
	// tables; tables not yet written stay queued. A table whose commit
	// fails for a transient reason stays queued too. Any other failure
	// drops that table's batch and returns a *BulkCommitError.
	CommitAttributeInstancesBulk(ctx context.Context) error
	// PendingBulkInstances returns the number of queued instances.
	PendingBulkInstances() int
}

type bulkBatch struct {
	t         correlation.Type
	instances []*models.AttributeInstance
}

// bulkBuffer holds queued instances grouped by correlation type id.
type bulkBuffer struct {
	mu      sync.Mutex
	batches map[int]*bulkBatch
	count   int
}

func newBulkBuffer() *bulkBuffer {
	return &bulkBuffer{batches: make(map[int]*bulkBatch)}
}

func (b *bulkBuffer) add(inst *models.AttributeInstance) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[inst.Type.ID]
	if !ok {
		batch = &bulkBatch{t: inst.Type}
		b.batches[inst.Type.ID] = batch
	}
	batch.instances = append(batch.instances, inst)
	b.count++
	return b.count
}

// take removes and returns every batch ordered by type id.
func (b *bulkBuffer) take() []*bulkBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	batches := make([]*bulkBatch, 0, len(b.batches))
	for _, batch := range b.batches {
		batches = append(batches, batch)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].t.ID < batches[j].t.ID })
	b.batches = make(map[int]*bulkBatch)
	b.count = 0
	return batches
}

// requeue puts back batches that were taken but not written.
func (b *bulkBuffer) requeue(batches []*bulkBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, batch := range batches {
		if existing, ok := b.batches[batch.t.ID]; ok {
			existing.instances = append(batch.instances, existing.instances...)
		} else {
			b.batches[batch.t.ID] = batch
		}
		b.count += len(batch.instances)
	}
}

func (b *bulkBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// reset discards everything queued and returns how much was dropped.
func (b *bulkBuffer) reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.count
	b.batches = make(map[int]*bulkBatch)
	b.count = 0
	return n
}

// AddAttributeInstanceBulk normalizes inst and queues it. Over-long values
// are queued as well and dropped with a warning at commit time.
func (r *centralRepository) AddAttributeInstanceBulk(ctx context.Context, inst *models.AttributeInstance) error {
	if err := normalizeInstance(inst); err != nil {
		return err
	}
	if len(inst.Value) < models.MaxValueLength {
		if err := inst.Validate(); err != nil {
			return err
		}
	}
	if r.bulk.add(inst) >= r.bulkThreshold {
		return r.CommitAttributeInstancesBulk(ctx)
	}
	return nil
}

func (r *centralRepository) PendingBulkInstances() int { return r.bulk.len() }

func (r *centralRepository) CommitAttributeInstancesBulk(ctx context.Context) error {
	batches := r.bulk.take()
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			r.bulk.requeue(batches[i:])
			return mapError("commit bulk instances", err)
		}
		err := r.commitBatch(ctx, batch)
		if err == nil {
			continue
		}
		if retryableCommit(err) {
			r.bulk.requeue(batches[i:])
			return err
		}
		r.bulk.requeue(batches[i+1:])
		r.logger.Error("Dropped bulk instances after failed commit",
			zap.String("table", batch.t.InstanceTable()),
			zap.Int("count", len(batch.instances)),
			zap.Error(err))
		return &BulkCommitError{Table: batch.t.InstanceTable(), Dropped: len(batch.instances), Err: err}
	}
	return nil
}

// BulkCommitError reports a batch that was rolled back and will not be
// retried. Batches after it stay queued.
type BulkCommitError struct {
	Table   string
	Dropped int
	Err     error
}

func (e *BulkCommitError) Error() string {
	return fmt.Sprintf("bulk commit of %s dropped %d instances: %v", e.Table, e.Dropped, e.Err)
}

func (e *BulkCommitError) Unwrap() error { return e.Err }

// retryableCommit reports whether a failed batch can be committed later
// unchanged.
func retryableCommit(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, apperrors.ErrConnectivity) ||
		errors.Is(err, apperrors.ErrRepositoryDisabled)
}

// commitBatch writes one batch in a single transaction through one
// prepared insert.
func (r *centralRepository) commitBatch(ctx context.Context, batch *bulkBatch) error {
	written, skipped := 0, 0
	err := r.writeTx(ctx, "commit bulk "+batch.t.InstanceTable(), func(q sqlpkg.Querier) error {
		stmt, err := sqlpkg.Prepare(ctx, q, r.instanceInsert(batch.t))
		if err != nil {
			return fmt.Errorf("failed to prepare %s insert: %w", batch.t.DisplayName, err)
		}
		defer stmt.Close()

		for _, inst := range batch.instances {
			if len(inst.Value) >= models.MaxValueLength {
				skipped++
				r.logger.Warn("Skipping over-long correlation value",
					zap.String("type", batch.t.DisplayName),
					zap.Int("length", len(inst.Value)),
					zap.String("file_path", inst.FilePath))
				continue
			}
			if err := r.resolveOwners(ctx, q, inst, false); err != nil {
				return fmt.Errorf("failed to resolve owners of %s instance: %w", batch.t.DisplayName, err)
			}
			if _, err := stmt.ExecContext(ctx, instanceArgs(inst)...); err != nil {
				return fmt.Errorf("failed to insert %s instance: %w", batch.t.DisplayName, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Debug("Committed bulk instances",
		zap.String("table", batch.t.InstanceTable()),
		zap.Int("written", written),
		zap.Int("skipped", skipped))
	return nil
}
