package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// InstanceRepository stores correlation attribute instances and answers
// the occurrence and frequency questions asked of them. Every call that
// takes a raw value normalizes it first; a value that fails normalization
// returns an apperrors.NormalizationError and nothing is read or written.
type InstanceRepository interface {
	// AddArtifactInstance stores inst. Storing the same (data source,
	// value, path) twice keeps one row.
	AddArtifactInstance(ctx context.Context, inst *models.AttributeInstance) error
	GetAttributeInstance(ctx context.Context, t correlation.Type, c *models.Case, ds *models.DataSource, value, filePath string) (*models.AttributeInstance, error)
	GetAttributeInstanceByObjectID(ctx context.Context, t correlation.Type, c *models.Case, ds *models.DataSource, fileObjectID int64) (*models.AttributeInstance, error)
	GetArtifactInstancesByTypeValue(ctx context.Context, t correlation.Type, value string) ([]*models.AttributeInstance, error)
	GetArtifactInstancesByTypeValues(ctx context.Context, t correlation.Type, values []string) ([]*models.AttributeInstance, error)
	GetArtifactInstancesByTypeValuesAndCases(ctx context.Context, t correlation.Type, values []string, caseIDs []int64) ([]*models.AttributeInstance, error)

	CountArtifactInstancesByTypeValue(ctx context.Context, t correlation.Type, value string) (int64, error)
	CountUniqueCaseDataSourceTuplesHavingTypeValue(ctx context.Context, t correlation.Type, value string) (int64, error)
	CountUniqueDataSources(ctx context.Context) (int64, error)
	// FrequencyPercentage is the share, 0 to 100, of all data sources that
	// contain value.
	FrequencyPercentage(ctx context.Context, t correlation.Type, value string) (int, error)
	// CountCasesWithOtherInstances counts distinct cases holding the value
	// of inst, ignoring inst itself.
	CountCasesWithOtherInstances(ctx context.Context, inst *models.AttributeInstance) (int64, error)
	// CountArtifactInstancesByCaseDataSource sums instances of every
	// defined type in one data source.
	CountArtifactInstancesByCaseDataSource(ctx context.Context, ds *models.DataSource) (int64, error)
	CountArtifactInstancesKnownBad(ctx context.Context, t correlation.Type, value string) (int64, error)
	// ListCasesHavingArtifactInstances returns the names of cases holding
	// value, sorted.
	ListCasesHavingArtifactInstances(ctx context.Context, t correlation.Type, value string) ([]string, error)
	ListCasesHavingArtifactInstancesKnownBad(ctx context.Context, t correlation.Type, value string) ([]string, error)

	// SetAttributeInstanceKnownStatus updates the stored status of inst,
	// inserting inst (and its data source) when it is not stored yet.
	SetAttributeInstanceKnownStatus(ctx context.Context, inst *models.AttributeInstance, status models.KnownStatus) error
	UpdateAttributeInstanceComment(ctx context.Context, inst *models.AttributeInstance) error
}

const instanceColumns = "case_id, data_source_id, value, file_path, known_status, comment, file_obj_id"

// instanceSelect reads an instance joined with its case and data source.
func instanceSelect(t correlation.Type) string {
	account := "NULL"
	if t.HasAccount() {
		account = "i.account_id"
	}
	return "SELECT i.id, i.value, i.file_path, i.known_status, i.comment, i.file_obj_id, " + account + `,
	c.id, c.case_uid, c.case_name, c.creation_date,
	ds.id, ds.case_id, ds.device_id, ds.name, ds.datasource_obj_id, ds.md5, ds.sha1, ds.sha256
	FROM ` + t.InstanceTable() + ` i
	JOIN cases c ON i.case_id = c.id
	JOIN data_sources ds ON i.data_source_id = ds.id`
}

func checkType(t correlation.Type) error {
	if t.Table.IsZero() {
		return fmt.Errorf("%w: correlation type %d has no table", apperrors.ErrSchema, t.ID)
	}
	return nil
}

func normalizeValues(t correlation.Type, values []string) ([]string, error) {
	normalized := make([]string, 0, len(values))
	for _, v := range values {
		n, err := correlation.NormalizeType(t, v)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, n)
	}
	return normalized, nil
}

// normalizeInstance re-applies the normalization rules, which are
// idempotent, so a hand-built instance cannot store a raw value.
func normalizeInstance(inst *models.AttributeInstance) error {
	if inst == nil {
		return fmt.Errorf("%w: instance is nil", apperrors.ErrInvalidArgument)
	}
	if err := checkType(inst.Type); err != nil {
		return err
	}
	value, err := correlation.NormalizeType(inst.Type, inst.Value)
	if err != nil {
		return err
	}
	inst.Value = value
	inst.FilePath = strings.ToLower(strings.TrimSpace(inst.FilePath))
	return nil
}

func prepareInstance(inst *models.AttributeInstance) error {
	if err := normalizeInstance(inst); err != nil {
		return err
	}
	return inst.Validate()
}

func (r *centralRepository) resolveOwners(ctx context.Context, q sqlpkg.Querier, inst *models.AttributeInstance, createDataSource bool) error {
	if err := r.resolveCase(ctx, q, &inst.Case); err != nil {
		return err
	}
	return r.resolveDataSource(ctx, q, inst.Case.ID, &inst.DataSource, createDataSource)
}

// instanceInsert renders the insert-ignore statement for instances of t.
// Its placeholders line up with instanceArgs.
func (r *centralRepository) instanceInsert(t correlation.Type) string {
	columns, n := instanceColumns, 7
	if t.HasAccount() {
		columns += ", account_id"
		n++
	}
	return r.dialect.InsertIgnore(t.InstanceTable(), columns, placeholders(n))
}

func instanceArgs(inst *models.AttributeInstance) []any {
	args := []any{inst.Case.ID, inst.DataSource.ID, inst.Value, inst.FilePath, int(inst.KnownStatus), nullString(inst.Comment), inst.FileObjectID}
	if inst.Type.HasAccount() {
		args = append(args, inst.AccountID)
	}
	return args
}

func (r *centralRepository) insertInstance(ctx context.Context, q sqlpkg.Querier, inst *models.AttributeInstance) error {
	_, err := q.ExecContext(ctx, r.instanceInsert(inst.Type), instanceArgs(inst)...)
	if err != nil {
		return fmt.Errorf("failed to insert %s instance: %w", inst.Type.DisplayName, err)
	}
	return nil
}

func (r *centralRepository) AddArtifactInstance(ctx context.Context, inst *models.AttributeInstance) error {
	if err := prepareInstance(inst); err != nil {
		return err
	}
	return r.write(ctx, "add instance", func(q sqlpkg.Querier) error {
		if err := r.resolveOwners(ctx, q, inst, false); err != nil {
			return err
		}
		return r.insertInstance(ctx, q, inst)
	})
}

func (r *centralRepository) GetAttributeInstance(ctx context.Context, t correlation.Type, c *models.Case, ds *models.DataSource, value, filePath string) (*models.AttributeInstance, error) {
	if err := checkOwners(c, ds); err != nil {
		return nil, err
	}
	if err := checkType(t); err != nil {
		return nil, err
	}
	value, err := correlation.NormalizeType(t, value)
	if err != nil {
		return nil, err
	}
	instances, err := r.queryInstances(ctx, "get instance", t,
		"i.case_id = ? AND i.data_source_id = ? AND i.value = ? AND i.file_path = ?",
		c.ID, ds.ID, value, strings.ToLower(strings.TrimSpace(filePath)))
	return firstInstance(instances, err)
}

func (r *centralRepository) GetAttributeInstanceByObjectID(ctx context.Context, t correlation.Type, c *models.Case, ds *models.DataSource, fileObjectID int64) (*models.AttributeInstance, error) {
	if err := checkOwners(c, ds); err != nil {
		return nil, err
	}
	if err := checkType(t); err != nil {
		return nil, err
	}
	instances, err := r.queryInstances(ctx, "get instance by object id", t,
		"i.case_id = ? AND i.data_source_id = ? AND i.file_obj_id = ?", c.ID, ds.ID, fileObjectID)
	return firstInstance(instances, err)
}

func (r *centralRepository) GetArtifactInstancesByTypeValue(ctx context.Context, t correlation.Type, value string) ([]*models.AttributeInstance, error) {
	return r.GetArtifactInstancesByTypeValues(ctx, t, []string{value})
}

func (r *centralRepository) GetArtifactInstancesByTypeValues(ctx context.Context, t correlation.Type, values []string) ([]*models.AttributeInstance, error) {
	return r.GetArtifactInstancesByTypeValuesAndCases(ctx, t, values, nil)
}

// GetArtifactInstancesByTypeValuesAndCases with no caseIDs searches every
// case.
func (r *centralRepository) GetArtifactInstancesByTypeValuesAndCases(ctx context.Context, t correlation.Type, values []string, caseIDs []int64) ([]*models.AttributeInstance, error) {
	if err := checkType(t); err != nil {
		return nil, err
	}
	normalized, err := normalizeValues(t, values)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	where := "i.value IN (" + placeholders(len(normalized)) + ")"
	args := make([]any, 0, len(normalized)+len(caseIDs))
	for _, v := range normalized {
		args = append(args, v)
	}
	if len(caseIDs) > 0 {
		where += " AND i.case_id IN (" + placeholders(len(caseIDs)) + ")"
		for _, id := range caseIDs {
			args = append(args, id)
		}
	}
	return r.queryInstances(ctx, "get instances by value", t, where+" ORDER BY i.id", args...)
}

func (r *centralRepository) CountArtifactInstancesByTypeValue(ctx context.Context, t correlation.Type, value string) (int64, error) {
	return r.countByValue(ctx, "count instances", t, value, "SELECT count(*) FROM %s WHERE value = ?")
}

func (r *centralRepository) CountUniqueCaseDataSourceTuplesHavingTypeValue(ctx context.Context, t correlation.Type, value string) (int64, error) {
	return r.countByValue(ctx, "count data sources with value", t, value,
		"SELECT count(*) FROM (SELECT DISTINCT case_id, data_source_id FROM %s WHERE value = ?) AS tuples")
}

func (r *centralRepository) CountArtifactInstancesKnownBad(ctx context.Context, t correlation.Type, value string) (int64, error) {
	return r.countByValue(ctx, "count notable instances", t, value,
		"SELECT count(*) FROM %s WHERE value = ? AND known_status = ?", int(models.KnownStatusBad))
}

// countByValue normalizes value and runs a count query whose %s is the
// type's instance table.
func (r *centralRepository) countByValue(ctx context.Context, op string, t correlation.Type, value, query string, extra ...any) (int64, error) {
	if err := checkType(t); err != nil {
		return 0, err
	}
	value, err := correlation.NormalizeType(t, value)
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.read(ctx, op, func(q sqlpkg.Querier) error {
		return q.QueryRowContext(ctx, fmt.Sprintf(query, t.InstanceTable()), append([]any{value}, extra...)...).Scan(&n)
	})
	return n, err
}

func (r *centralRepository) CountUniqueDataSources(ctx context.Context) (int64, error) {
	var n int64
	err := r.read(ctx, "count data sources", func(q sqlpkg.Querier) error {
		return q.QueryRowContext(ctx, "SELECT count(*) FROM data_sources").Scan(&n)
	})
	return n, err
}

func (r *centralRepository) FrequencyPercentage(ctx context.Context, t correlation.Type, value string) (int, error) {
	if err := checkType(t); err != nil {
		return 0, err
	}
	value, err := correlation.NormalizeType(t, value)
	if err != nil {
		return 0, err
	}
	var withValue, total int64
	err = r.read(ctx, "compute frequency", func(q sqlpkg.Querier) error {
		if err := q.QueryRowContext(ctx,
			"SELECT count(*) FROM (SELECT DISTINCT case_id, data_source_id FROM "+t.InstanceTable()+" WHERE value = ?) AS tuples",
			value).Scan(&withValue); err != nil {
			return err
		}
		return q.QueryRowContext(ctx, "SELECT count(*) FROM data_sources").Scan(&total)
	})
	if err != nil {
		return 0, err
	}
	return percentage(withValue, total), nil
}

func percentage(part, total int64) int {
	if total <= 0 || part <= 0 {
		return 0
	}
	if part >= total {
		return 100
	}
	return int(part * 100 / total)
}

func (r *centralRepository) CountCasesWithOtherInstances(ctx context.Context, inst *models.AttributeInstance) (int64, error) {
	if inst == nil {
		return 0, fmt.Errorf("%w: instance is nil", apperrors.ErrInvalidArgument)
	}
	if err := checkType(inst.Type); err != nil {
		return 0, err
	}
	value, err := correlation.NormalizeType(inst.Type, inst.Value)
	if err != nil {
		return 0, err
	}

	table := inst.Type.InstanceTable()
	query := "SELECT count(*) FROM (SELECT DISTINCT case_id FROM " + table + " WHERE value = ?) AS other_cases"
	args := []any{value}
	if inst.Case.ID > 0 && inst.DataSource.ID > 0 {
		// Legacy rows carry NULL object or data source ids and must count.
		query = "SELECT count(*) FROM (SELECT DISTINCT case_id FROM " + table +
			" WHERE value = ? AND NOT (COALESCE(file_obj_id, -1) = ? AND case_id = ? AND COALESCE(data_source_id, -1) = ?)) AS other_cases"
		args = append(args, inst.FileObjectID, inst.Case.ID, inst.DataSource.ID)
	}

	var n int64
	err = r.read(ctx, "count other cases", func(q sqlpkg.Querier) error {
		return q.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n, err
}

func (r *centralRepository) CountArtifactInstancesByCaseDataSource(ctx context.Context, ds *models.DataSource) (int64, error) {
	if ds == nil || ds.ID <= 0 {
		return 0, fmt.Errorf("%w: data source has not been stored", apperrors.ErrInvalidArgument)
	}
	var total int64
	err := r.read(ctx, "count data source instances", func(q sqlpkg.Querier) error {
		types, err := r.registry.DefinedTypes(ctx, q)
		if err != nil {
			return err
		}
		for _, t := range types {
			var n int64
			if err := q.QueryRowContext(ctx,
				"SELECT count(*) FROM "+t.InstanceTable()+" WHERE case_id = ? AND data_source_id = ?",
				ds.CaseID, ds.ID).Scan(&n); err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (r *centralRepository) ListCasesHavingArtifactInstances(ctx context.Context, t correlation.Type, value string) ([]string, error) {
	return r.listCases(ctx, t, value, false)
}

func (r *centralRepository) ListCasesHavingArtifactInstancesKnownBad(ctx context.Context, t correlation.Type, value string) ([]string, error) {
	return r.listCases(ctx, t, value, true)
}

func (r *centralRepository) listCases(ctx context.Context, t correlation.Type, value string, knownBad bool) ([]string, error) {
	if err := checkType(t); err != nil {
		return nil, err
	}
	value, err := correlation.NormalizeType(t, value)
	if err != nil {
		return nil, err
	}
	query := "SELECT DISTINCT c.case_name FROM " + t.InstanceTable() + " i JOIN cases c ON i.case_id = c.id WHERE i.value = ?"
	args := []any{value}
	if knownBad {
		query += " AND i.known_status = ?"
		args = append(args, int(models.KnownStatusBad))
	}

	var names []string
	err = r.read(ctx, "list cases with value", func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx, query+" ORDER BY c.case_name", args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	return names, err
}

func (r *centralRepository) SetAttributeInstanceKnownStatus(ctx context.Context, inst *models.AttributeInstance, status models.KnownStatus) error {
	if _, err := models.ParseKnownStatus(int(status)); err != nil {
		return err
	}
	if err := prepareInstance(inst); err != nil {
		return err
	}
	err := r.writeTx(ctx, "set known status", func(q sqlpkg.Querier) error {
		if err := r.resolveOwners(ctx, q, inst, true); err != nil {
			return err
		}
		table := inst.Type.InstanceTable()
		var id int64
		err := q.QueryRowContext(ctx,
			"SELECT id FROM "+table+" WHERE case_id = ? AND data_source_id = ? AND value = ? AND file_path = ?",
			inst.Case.ID, inst.DataSource.ID, inst.Value, inst.FilePath).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			stored := *inst
			stored.KnownStatus = status
			return r.insertInstance(ctx, q, &stored)
		case err != nil:
			return err
		}
		inst.ID = id
		_, err = q.ExecContext(ctx, "UPDATE "+table+" SET known_status = ? WHERE id = ?", int(status), id)
		return err
	})
	if err != nil {
		return err
	}
	inst.KnownStatus = status
	return nil
}

func (r *centralRepository) UpdateAttributeInstanceComment(ctx context.Context, inst *models.AttributeInstance) error {
	if err := prepareInstance(inst); err != nil {
		return err
	}
	return r.write(ctx, "update instance comment", func(q sqlpkg.Querier) error {
		if err := r.resolveOwners(ctx, q, inst, false); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx,
			"UPDATE "+inst.Type.InstanceTable()+" SET comment = ? WHERE case_id = ? AND data_source_id = ? AND value = ? AND file_path = ?",
			nullString(inst.Comment), inst.Case.ID, inst.DataSource.ID, inst.Value, inst.FilePath)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%s instance %q: %w", inst.Type.DisplayName, inst.Value, apperrors.ErrNotFound)
		}
		return nil
	})
}

func checkOwners(c *models.Case, ds *models.DataSource) error {
	if c == nil || c.ID <= 0 || ds == nil || ds.ID <= 0 {
		return fmt.Errorf("%w: instance lookup needs a stored case and data source", apperrors.ErrInvalidArgument)
	}
	return nil
}

func (r *centralRepository) queryInstances(ctx context.Context, op string, t correlation.Type, where string, args ...any) ([]*models.AttributeInstance, error) {
	var instances []*models.AttributeInstance
	err := r.read(ctx, op, func(q sqlpkg.Querier) error {
		var err error
		instances, err = selectInstances(ctx, q, t, where, args...)
		return err
	})
	return instances, err
}

func selectInstances(ctx context.Context, q sqlpkg.Querier, t correlation.Type, where string, args ...any) ([]*models.AttributeInstance, error) {
	query := instanceSelect(t)
	if where != "" {
		query += " WHERE " + where
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*models.AttributeInstance
	for rows.Next() {
		inst, err := scanInstance(rows, t)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func firstInstance(instances []*models.AttributeInstance, err error) (*models.AttributeInstance, error) {
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("instance: %w", apperrors.ErrNotFound)
	}
	return instances[0], nil
}

func scanInstance(rows *sql.Rows, t correlation.Type) (*models.AttributeInstance, error) {
	var (
		inst              models.AttributeInstance
		status            int
		comment           sql.NullString
		fileObjectID      sql.NullInt64
		accountID         sql.NullInt64
		dsObjectID        sql.NullInt64
		md5, sha1, sha256 sql.NullString
	)
	err := rows.Scan(&inst.ID, &inst.Value, &inst.FilePath, &status, &comment, &fileObjectID, &accountID,
		&inst.Case.ID, &inst.Case.CaseUID, &inst.Case.DisplayName, &inst.Case.CreationDate,
		&inst.DataSource.ID, &inst.DataSource.CaseID, &inst.DataSource.DeviceID, &inst.DataSource.Name,
		&dsObjectID, &md5, &sha1, &sha256)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s instance: %w", t.DisplayName, err)
	}
	inst.Type = t
	inst.KnownStatus = storedKnownStatus(status)
	inst.Comment = comment.String
	inst.FileObjectID = fileObjectID.Int64
	if accountID.Valid {
		id := accountID.Int64
		inst.AccountID = &id
	}
	inst.DataSource.ObjectID = dsObjectID.Int64
	inst.DataSource.MD5 = md5.String
	inst.DataSource.SHA1 = sha1.String
	inst.DataSource.SHA256 = sha256.String
	return &inst, nil
}

// storedKnownStatus reads rows written by older clients, which could
// store "known"; anything but notable reads back as unknown.
func storedKnownStatus(v int) models.KnownStatus {
	if models.KnownStatus(v) == models.KnownStatusBad {
		return models.KnownStatusBad
	}
	return models.KnownStatusUnknown
}
