package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// ReferenceSetRepository manages curated reference sets and their values.
// Only types that support reference sets (file hashes) can hold them.
type ReferenceSetRepository interface {
	// NewReferenceSet stores set. A zero OrgID selects the default
	// organization; an existing (name, version) returns ErrConflict.
	NewReferenceSet(ctx context.Context, set *models.ReferenceSet) (*models.ReferenceSet, error)
	GetReferenceSetByID(ctx context.Context, id int64) (*models.ReferenceSet, error)
	GetAllReferenceSets(ctx context.Context, t correlation.Type) ([]*models.ReferenceSet, error)
	ReferenceSetExists(ctx context.Context, name, version string) (bool, error)
	// ReferenceSetIsValid reports whether id names the set (name, version).
	ReferenceSetIsValid(ctx context.Context, id int64, name, version string) (bool, error)
	// DeleteReferenceSet removes the set's entries, then the set.
	DeleteReferenceSet(ctx context.Context, id int64) error

	AddReferenceInstance(ctx context.Context, t correlation.Type, inst *models.ReferenceInstance) error
	// BulkInsertReferenceTypeEntries stores entries in one transaction.
	// If any value fails normalization nothing is stored.
	BulkInsertReferenceTypeEntries(ctx context.Context, t correlation.Type, entries []*models.ReferenceInstance) error
	GetReferenceInstancesByTypeValue(ctx context.Context, t correlation.Type, value string) ([]*models.ReferenceInstance, error)
	IsValueInReferenceSet(ctx context.Context, t correlation.Type, value string, setID int64) (bool, error)
	IsFileHashInReferenceSet(ctx context.Context, hash string, setID int64) (bool, error)
	// LookupHash returns the status and comments of hash in one set, or
	// ErrNotFound.
	LookupHash(ctx context.Context, hash string, setID int64) (*models.HashHit, error)
	// IsArtifactKnownBadByReference reports whether any notable reference
	// set holds value. Types without reference sets always report false.
	IsArtifactKnownBadByReference(ctx context.Context, t correlation.Type, value string) (bool, error)
}

const selectReferenceSetSQL = `SELECT id, org_id, set_name, version, known_status, read_only, type, import_date FROM reference_sets`

func filesType() correlation.Type {
	t, _ := correlation.FindType(correlation.BuiltInTypes(), correlation.FilesTypeID)
	return t
}

func checkReferenceType(t correlation.Type) error {
	if err := checkType(t); err != nil {
		return err
	}
	if !t.SupportsReferenceSets() {
		return fmt.Errorf("%w: %s does not support reference sets", apperrors.ErrInvalidArgument, t.DisplayName)
	}
	return nil
}

func (r *centralRepository) NewReferenceSet(ctx context.Context, set *models.ReferenceSet) (*models.ReferenceSet, error) {
	if set == nil || strings.TrimSpace(set.Name) == "" {
		return nil, fmt.Errorf("%w: reference set has no name", apperrors.ErrInvalidArgument)
	}
	if err := checkReferenceType(set.Type); err != nil {
		return nil, err
	}
	if _, err := models.ParseReferenceStatus(int(set.KnownStatus)); err != nil {
		return nil, err
	}

	stored := *set
	if stored.ImportDate == "" {
		stored.ImportDate = time.Now().Format(models.ImportDateLayout)
	}
	err := r.write(ctx, "create reference set", func(q sqlpkg.Querier) error {
		if stored.OrgID == 0 {
			if err := q.QueryRowContext(ctx, "SELECT id FROM organizations WHERE org_name = ?",
				models.DefaultOrganizationName).Scan(&stored.OrgID); err != nil {
				return fmt.Errorf("failed to find default organization: %w", err)
			}
		}
		id, err := r.dialect.InsertReturningID(ctx, q,
			"INSERT INTO reference_sets (org_id, set_name, version, known_status, read_only, type, import_date) VALUES (?, ?, ?, ?, ?, ?, ?)",
			stored.OrgID, stored.Name, stored.Version, int(stored.KnownStatus), stored.ReadOnly, stored.Type.ID, stored.ImportDate)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("reference set %s %s: %w", stored.Name, stored.Version, apperrors.ErrConflict)
			}
			return err
		}
		stored.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *centralRepository) GetReferenceSetByID(ctx context.Context, id int64) (*models.ReferenceSet, error) {
	var set *models.ReferenceSet
	err := r.read(ctx, "get reference set", func(q sqlpkg.Querier) error {
		sets, err := r.selectReferenceSets(ctx, q, " WHERE id = ?", id)
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			return fmt.Errorf("reference set %d: %w", id, apperrors.ErrNotFound)
		}
		set = sets[0]
		return nil
	})
	return set, err
}

func (r *centralRepository) GetAllReferenceSets(ctx context.Context, t correlation.Type) ([]*models.ReferenceSet, error) {
	var sets []*models.ReferenceSet
	err := r.read(ctx, "list reference sets", func(q sqlpkg.Querier) error {
		var err error
		sets, err = r.selectReferenceSets(ctx, q, " WHERE type = ? ORDER BY id", t.ID)
		return err
	})
	return sets, err
}

func (r *centralRepository) ReferenceSetExists(ctx context.Context, name, version string) (bool, error) {
	var exists bool
	err := r.read(ctx, "check reference set", func(q sqlpkg.Querier) error {
		var err error
		exists, err = sqlpkg.Exists(ctx, q, "SELECT count(*) FROM reference_sets WHERE set_name = ? AND version = ?", name, version)
		return err
	})
	return exists, err
}

func (r *centralRepository) ReferenceSetIsValid(ctx context.Context, id int64, name, version string) (bool, error) {
	var valid bool
	err := r.read(ctx, "validate reference set", func(q sqlpkg.Querier) error {
		var err error
		valid, err = sqlpkg.Exists(ctx, q,
			"SELECT count(*) FROM reference_sets WHERE id = ? AND set_name = ? AND version = ?", id, name, version)
		return err
	})
	return valid, err
}

func (r *centralRepository) DeleteReferenceSet(ctx context.Context, id int64) error {
	return r.writeTx(ctx, "delete reference set", func(q sqlpkg.Querier) error {
		sets, err := r.selectReferenceSets(ctx, q, " WHERE id = ?", id)
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			return fmt.Errorf("reference set %d: %w", id, apperrors.ErrNotFound)
		}
		if t := sets[0].Type; t.SupportsReferenceSets() {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+t.ReferenceTable()+" WHERE reference_set_id = ?", id); err != nil {
				return err
			}
		}
		_, err = q.ExecContext(ctx, "DELETE FROM reference_sets WHERE id = ?", id)
		return err
	})
}

func (r *centralRepository) insertReference(ctx context.Context, q sqlpkg.Querier, t correlation.Type, inst *models.ReferenceInstance) error {
	_, err := q.ExecContext(ctx,
		r.dialect.InsertIgnore(t.ReferenceTable(), "reference_set_id, value, known_status, comment", "?, ?, ?, ?"),
		inst.ReferenceSetID, inst.Value, int(inst.KnownStatus), nullString(inst.Comment))
	if err != nil {
		return fmt.Errorf("failed to insert %s reference: %w", t.DisplayName, err)
	}
	return nil
}

func prepareReference(t correlation.Type, inst *models.ReferenceInstance) error {
	if inst == nil || inst.ReferenceSetID <= 0 {
		return fmt.Errorf("%w: reference entry has no set", apperrors.ErrInvalidArgument)
	}
	value, err := correlation.NormalizeType(t, inst.Value)
	if err != nil {
		return err
	}
	inst.Value = value
	_, err = models.ParseReferenceStatus(int(inst.KnownStatus))
	return err
}

func (r *centralRepository) AddReferenceInstance(ctx context.Context, t correlation.Type, inst *models.ReferenceInstance) error {
	if err := checkReferenceType(t); err != nil {
		return err
	}
	if err := prepareReference(t, inst); err != nil {
		return err
	}
	return r.write(ctx, "add reference entry", func(q sqlpkg.Querier) error {
		return r.insertReference(ctx, q, t, inst)
	})
}

func (r *centralRepository) BulkInsertReferenceTypeEntries(ctx context.Context, t correlation.Type, entries []*models.ReferenceInstance) error {
	if err := checkReferenceType(t); err != nil {
		return err
	}
	for _, inst := range entries {
		if err := prepareReference(t, inst); err != nil {
			return err
		}
	}
	if len(entries) == 0 {
		return nil
	}
	return r.writeTx(ctx, "bulk insert reference entries", func(q sqlpkg.Querier) error {
		for _, inst := range entries {
			if err := r.insertReference(ctx, q, t, inst); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *centralRepository) GetReferenceInstancesByTypeValue(ctx context.Context, t correlation.Type, value string) ([]*models.ReferenceInstance, error) {
	if err := checkReferenceType(t); err != nil {
		return nil, err
	}
	value, err := correlation.NormalizeType(t, value)
	if err != nil {
		return nil, err
	}
	var entries []*models.ReferenceInstance
	err = r.read(ctx, "get reference entries", func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx,
			"SELECT id, reference_set_id, value, known_status, comment FROM "+t.ReferenceTable()+" WHERE value = ? ORDER BY id", value)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e       models.ReferenceInstance
				setID   sql.NullInt64
				status  int
				comment sql.NullString
			)
			if err := rows.Scan(&e.ID, &setID, &e.Value, &status, &comment); err != nil {
				return fmt.Errorf("failed to scan reference entry: %w", err)
			}
			e.ReferenceSetID = setID.Int64
			e.KnownStatus = models.ReferenceStatus(status)
			e.Comment = comment.String
			entries = append(entries, &e)
		}
		return rows.Err()
	})
	return entries, err
}

func (r *centralRepository) IsValueInReferenceSet(ctx context.Context, t correlation.Type, value string, setID int64) (bool, error) {
	if err := checkReferenceType(t); err != nil {
		return false, err
	}
	value, err := correlation.NormalizeType(t, value)
	if err != nil {
		return false, err
	}
	var found bool
	err = r.read(ctx, "check reference value", func(q sqlpkg.Querier) error {
		var err error
		found, err = sqlpkg.Exists(ctx, q,
			"SELECT count(*) FROM "+t.ReferenceTable()+" WHERE value = ? AND reference_set_id = ?", value, setID)
		return err
	})
	return found, err
}

func (r *centralRepository) IsFileHashInReferenceSet(ctx context.Context, hash string, setID int64) (bool, error) {
	return r.IsValueInReferenceSet(ctx, filesType(), hash, setID)
}

func (r *centralRepository) LookupHash(ctx context.Context, hash string, setID int64) (*models.HashHit, error) {
	t := filesType()
	value, err := correlation.NormalizeType(t, hash)
	if err != nil {
		return nil, err
	}
	var hit *models.HashHit
	err = r.read(ctx, "look up hash", func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx,
			"SELECT known_status, comment FROM "+t.ReferenceTable()+" WHERE value = ? AND reference_set_id = ? ORDER BY id", value, setID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status  int
				comment sql.NullString
			)
			if err := rows.Scan(&status, &comment); err != nil {
				return fmt.Errorf("failed to scan hash hit: %w", err)
			}
			if hit == nil {
				hit = &models.HashHit{Hash: value, KnownStatus: models.ReferenceStatus(status)}
			}
			if comment.Valid && comment.String != "" {
				hit.Comments = append(hit.Comments, comment.String)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if hit == nil {
			return fmt.Errorf("hash %s in set %d: %w", value, setID, apperrors.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hit, nil
}

func (r *centralRepository) IsArtifactKnownBadByReference(ctx context.Context, t correlation.Type, value string) (bool, error) {
	if err := checkType(t); err != nil {
		return false, err
	}
	value, err := correlation.NormalizeType(t, value)
	if err != nil {
		return false, err
	}
	if !t.SupportsReferenceSets() {
		return false, nil
	}
	var bad bool
	err = r.read(ctx, "check notable reference", func(q sqlpkg.Querier) error {
		var err error
		bad, err = sqlpkg.Exists(ctx, q,
			"SELECT count(*) FROM "+t.ReferenceTable()+" WHERE value = ? AND known_status = ?",
			value, int(models.ReferenceStatusBad))
		return err
	})
	return bad, err
}

// selectReferenceSets runs selectReferenceSetSQL with the literal suffix
// and resolves each row's correlation type.
func (r *centralRepository) selectReferenceSets(ctx context.Context, q sqlpkg.Querier, suffix string, args ...any) ([]*models.ReferenceSet, error) {
	rows, err := q.QueryContext(ctx, selectReferenceSetSQL+suffix, args...)
	if err != nil {
		return nil, err
	}
	type row struct {
		set    models.ReferenceSet
		typeID int
	}
	var scanned []row
	for rows.Next() {
		var (
			rr     row
			status int
		)
		if err := rows.Scan(&rr.set.ID, &rr.set.OrgID, &rr.set.Name, &rr.set.Version, &status,
			&rr.set.ReadOnly, &rr.typeID, &rr.set.ImportDate); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan reference set: %w", err)
		}
		rr.set.KnownStatus = models.ReferenceStatus(status)
		scanned = append(scanned, rr)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Types are resolved after the cursor is closed so the borrowed
	// connection is free for the lookups.
	sets := make([]*models.ReferenceSet, 0, len(scanned))
	for _, rr := range scanned {
		t, err := r.lookupType(ctx, q, rr.typeID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		rr.set.Type = t
		set := rr.set
		sets = append(sets, &set)
	}
	return sets, nil
}
