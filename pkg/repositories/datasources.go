package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// DataSourceRepository manages the data sources of each case.
type DataSourceRepository interface {
	// NewDataSource inserts ds unless it exists and returns the stored row.
	NewDataSource(ctx context.Context, ds *models.DataSource) (*models.DataSource, error)
	// GetDataSource finds a data source by its evidence-store object id.
	GetDataSource(ctx context.Context, c *models.Case, objectID int64) (*models.DataSource, error)
	GetDataSourceByID(ctx context.Context, c *models.Case, id int64) (*models.DataSource, error)
	GetDataSources(ctx context.Context) ([]*models.DataSource, error)
	UpdateDataSourceName(ctx context.Context, ds *models.DataSource, name string) error
	UpdateDataSourceMD5(ctx context.Context, ds *models.DataSource, md5 string) error
	UpdateDataSourceSHA1(ctx context.Context, ds *models.DataSource, sha1 string) error
	UpdateDataSourceSHA256(ctx context.Context, ds *models.DataSource, sha256 string) error
	// AddDataSourceObjectID backfills the object id of a row created
	// before object ids were tracked.
	AddDataSourceObjectID(ctx context.Context, rowID, objectID int64) error
}

const selectDataSourceSQL = `SELECT id, case_id, device_id, name, datasource_obj_id, md5, sha1, sha256 FROM data_sources`

func dataSourceKey(caseID, n int64) string { return fmt.Sprintf("%d/%d", caseID, n) }

func (r *centralRepository) NewDataSource(ctx context.Context, ds *models.DataSource) (*models.DataSource, error) {
	if ds == nil || ds.CaseID <= 0 {
		return nil, fmt.Errorf("%w: data source has no case", apperrors.ErrInvalidArgument)
	}
	if err := checkNewDataSource(ds); err != nil {
		return nil, err
	}

	var stored *models.DataSource
	err := r.write(ctx, "create data source", func(q sqlpkg.Querier) error {
		var err error
		stored, err = r.insertDataSource(ctx, q, ds)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.cacheDataSource(*stored)
	return stored, nil
}

// insertDataSource inserts ds, ignoring an existing row, and reads back
// whichever row now holds its key.
func (r *centralRepository) insertDataSource(ctx context.Context, q sqlpkg.Querier, ds *models.DataSource) (*models.DataSource, error) {
	if err := checkNewDataSource(ds); err != nil {
		return nil, err
	}
	_, err := q.ExecContext(ctx,
		r.dialect.InsertIgnore("data_sources", "case_id, device_id, name, datasource_obj_id, md5, sha1, sha256", placeholders(7)),
		ds.CaseID, ds.DeviceID, ds.Name, ds.ObjectID, nullString(ds.MD5), nullString(ds.SHA1), nullString(ds.SHA256))
	if err != nil {
		return nil, fmt.Errorf("failed to insert data source %s: %w", ds.Name, err)
	}
	return r.dataSourceWhere(ctx, q, "case_id = ? AND datasource_obj_id = ?", ds.CaseID, ds.ObjectID)
}

// checkNewDataSource rejects a data source that cannot be stored. Rows are
// keyed on case and object id, so a missing object id would merge distinct
// sources of one case.
func checkNewDataSource(ds *models.DataSource) error {
	if strings.TrimSpace(ds.DeviceID) == "" || strings.TrimSpace(ds.Name) == "" {
		return fmt.Errorf("%w: data source needs a device id and a name", apperrors.ErrInvalidArgument)
	}
	if ds.ObjectID <= 0 {
		return fmt.Errorf("%w: data source %s has no object id", apperrors.ErrInvalidArgument, ds.Name)
	}
	return nil
}

func (r *centralRepository) GetDataSource(ctx context.Context, c *models.Case, objectID int64) (*models.DataSource, error) {
	if c == nil || c.ID <= 0 {
		return nil, fmt.Errorf("%w: data source lookup needs a stored case", apperrors.ErrInvalidArgument)
	}
	if cached, ok := r.dataSourcesByObj.Get(dataSourceKey(c.ID, objectID)); ok {
		return &cached, nil
	}
	var ds *models.DataSource
	err := r.read(ctx, "get data source", func(q sqlpkg.Querier) error {
		var err error
		ds, err = r.dataSourceWhere(ctx, q, "case_id = ? AND datasource_obj_id = ?", c.ID, objectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.cacheDataSource(*ds)
	return ds, nil
}

func (r *centralRepository) GetDataSourceByID(ctx context.Context, c *models.Case, id int64) (*models.DataSource, error) {
	if c == nil || c.ID <= 0 {
		return nil, fmt.Errorf("%w: data source lookup needs a stored case", apperrors.ErrInvalidArgument)
	}
	if cached, ok := r.dataSourcesByID.Get(dataSourceKey(c.ID, id)); ok {
		return &cached, nil
	}
	var ds *models.DataSource
	err := r.read(ctx, "get data source", func(q sqlpkg.Querier) error {
		var err error
		ds, err = r.dataSourceWhere(ctx, q, "case_id = ? AND id = ?", c.ID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.cacheDataSource(*ds)
	return ds, nil
}

func (r *centralRepository) GetDataSources(ctx context.Context) ([]*models.DataSource, error) {
	var sources []*models.DataSource
	err := r.read(ctx, "list data sources", func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx, selectDataSourceSQL+" ORDER BY id")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ds, err := scanDataSource(rows)
			if err != nil {
				return err
			}
			sources = append(sources, ds)
		}
		return rows.Err()
	})
	return sources, err
}

func (r *centralRepository) UpdateDataSourceName(ctx context.Context, ds *models.DataSource, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: data source name is empty", apperrors.ErrInvalidArgument)
	}
	if err := r.updateDataSourceColumn(ctx, ds, "name", name); err != nil {
		return err
	}
	ds.Name = name
	return nil
}

func (r *centralRepository) UpdateDataSourceMD5(ctx context.Context, ds *models.DataSource, md5 string) error {
	if err := r.updateDataSourceColumn(ctx, ds, "md5", md5); err != nil {
		return err
	}
	ds.MD5 = md5
	return nil
}

func (r *centralRepository) UpdateDataSourceSHA1(ctx context.Context, ds *models.DataSource, sha1 string) error {
	if err := r.updateDataSourceColumn(ctx, ds, "sha1", sha1); err != nil {
		return err
	}
	ds.SHA1 = sha1
	return nil
}

func (r *centralRepository) UpdateDataSourceSHA256(ctx context.Context, ds *models.DataSource, sha256 string) error {
	if err := r.updateDataSourceColumn(ctx, ds, "sha256", sha256); err != nil {
		return err
	}
	ds.SHA256 = sha256
	return nil
}

// updateDataSourceColumn sets one column. column is always a literal from
// the methods above.
func (r *centralRepository) updateDataSourceColumn(ctx context.Context, ds *models.DataSource, column, value string) error {
	if ds == nil || ds.ID <= 0 {
		return fmt.Errorf("%w: data source has not been stored", apperrors.ErrInvalidArgument)
	}
	err := r.write(ctx, "update data source "+column, func(q sqlpkg.Querier) error {
		res, err := q.ExecContext(ctx, "UPDATE data_sources SET "+column+" = ? WHERE id = ?", nullString(value), ds.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("data source %d: %w", ds.ID, apperrors.ErrNotFound)
		}
		return nil
	})
	r.evictDataSource(ds)
	return err
}

func (r *centralRepository) AddDataSourceObjectID(ctx context.Context, rowID, objectID int64) error {
	err := r.write(ctx, "add data source object id", func(q sqlpkg.Querier) error {
		res, err := q.ExecContext(ctx, "UPDATE data_sources SET datasource_obj_id = ? WHERE id = ?", objectID, rowID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("data source %d: %w", rowID, apperrors.ErrNotFound)
		}
		return nil
	})
	// The row's case is unknown here, so drop every cached data source.
	r.dataSourcesByObj.Purge()
	r.dataSourcesByID.Purge()
	return err
}

func (r *centralRepository) dataSourceWhere(ctx context.Context, q sqlpkg.Querier, where string, args ...any) (*models.DataSource, error) {
	rows, err := q.QueryContext(ctx, selectDataSourceSQL+" WHERE "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("data source %v: %w", args, apperrors.ErrNotFound)
	}
	return scanDataSource(rows)
}

// resolveDataSource fills in ds.ID for a data source known only by case
// and object id, creating the row when createMissing is set.
func (r *centralRepository) resolveDataSource(ctx context.Context, q sqlpkg.Querier, caseID int64, ds *models.DataSource, createMissing bool) error {
	if ds.ID > 0 {
		return nil
	}
	ds.CaseID = caseID
	if ds.ObjectID <= 0 {
		return fmt.Errorf("%w: data source %s has no id or object id", apperrors.ErrInvalidArgument, ds.Name)
	}
	if cached, ok := r.dataSourcesByObj.Get(dataSourceKey(caseID, ds.ObjectID)); ok {
		*ds = cached
		return nil
	}
	stored, err := r.dataSourceWhere(ctx, q, "case_id = ? AND datasource_obj_id = ?", caseID, ds.ObjectID)
	if errIsNotFound(err) && createMissing {
		stored, err = r.insertDataSource(ctx, q, ds)
	}
	if err != nil {
		return err
	}
	*ds = *stored
	r.cacheDataSource(*stored)
	return nil
}

func (r *centralRepository) cacheDataSource(ds models.DataSource) {
	r.dataSourcesByObj.Add(dataSourceKey(ds.CaseID, ds.ObjectID), ds)
	r.dataSourcesByID.Add(dataSourceKey(ds.CaseID, ds.ID), ds)
}

func (r *centralRepository) evictDataSource(ds *models.DataSource) {
	r.dataSourcesByObj.Remove(dataSourceKey(ds.CaseID, ds.ObjectID))
	r.dataSourcesByID.Remove(dataSourceKey(ds.CaseID, ds.ID))
}

func scanDataSource(rows *sql.Rows) (*models.DataSource, error) {
	var (
		ds                models.DataSource
		objectID          sql.NullInt64
		md5, sha1, sha256 sql.NullString
	)
	if err := rows.Scan(&ds.ID, &ds.CaseID, &ds.DeviceID, &ds.Name, &objectID, &md5, &sha1, &sha256); err != nil {
		return nil, fmt.Errorf("failed to scan data source: %w", err)
	}
	ds.ObjectID = objectID.Int64
	ds.MD5 = md5.String
	ds.SHA1 = sha1.String
	ds.SHA256 = sha256.String
	return &ds, nil
}
