package migrate

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/schema"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

type step struct {
	target schema.Version
	apply  func(*upgrade, context.Context) error
}

// steps run in order; each applies only when the stored version is below
// its target.
var steps = []step{
	{schema.Version{Major: 1, Minor: 1}, (*upgrade).to1_1},
	{schema.Version{Major: 1, Minor: 2}, (*upgrade).to1_2},
	{schema.Version{Major: 1, Minor: 3}, (*upgrade).to1_3},
	{schema.Version{Major: 1, Minor: 4}, (*upgrade).to1_4},
	{schema.Version{Major: 1, Minor: 5}, (*upgrade).to1_5},
	{schema.Version{Major: 1, Minor: 6}, (*upgrade).to1_6},
}

type upgrade struct {
	q      sqlpkg.Querier
	d      sqlpkg.Dialect
	b      *schema.Builder
	logger *zap.Logger
}

func (u *upgrade) exec(ctx context.Context, stmts ...string) error {
	return schema.ExecAll(ctx, u.q, stmts)
}

// addColumn adds column to table unless it is already there. It reports
// whether the column was added.
func (u *upgrade) addColumn(ctx context.Context, table, column, definition string) (bool, error) {
	exists, err := sqlpkg.ColumnExists(ctx, u.q, u.d, table, column)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
	}
	if exists {
		return false, nil
	}
	return true, u.exec(ctx, "ALTER TABLE "+table+" ADD COLUMN "+column+" "+definition)
}

func (u *upgrade) tableExists(ctx context.Context, table string) (bool, error) {
	exists, err := sqlpkg.TableExists(ctx, u.q, u.d, table)
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	return exists, nil
}

// addTypes registers types and creates their tables and indices.
func (u *upgrade) addTypes(ctx context.Context, types []correlation.Type) error {
	if err := schema.InsertCorrelationTypes(ctx, u.q, u.d, types); err != nil {
		return err
	}
	for _, t := range types {
		if err := u.exec(ctx, u.b.TypeStatements(t)...); err != nil {
			return err
		}
	}
	return nil
}

func builtIns(ids ...int) []correlation.Type {
	all := correlation.BuiltInTypes()
	types := make([]correlation.Type, 0, len(ids))
	for _, id := range ids {
		if t, ok := correlation.FindType(all, id); ok {
			types = append(types, t)
		}
	}
	return types
}

// 1.1 gave reference sets a status, a read-only flag and a type, and
// introduced the default organization.
func (u *upgrade) to1_1(ctx context.Context) error {
	for _, c := range [][2]string{
		{"known_status", "INTEGER"},
		{"read_only", "BOOLEAN"},
		{"type", "INTEGER"},
	} {
		if _, err := u.addColumn(ctx, "reference_sets", c[0], c[1]); err != nil {
			return err
		}
	}
	return schema.InsertDefaultOrganization(ctx, u.q, u.d)
}

// 1.2 added data source object ids and hashes, five device-oriented
// types, per-instance file object ids, and rebuilt db_info with a unique
// name column.
func (u *upgrade) to1_2(ctx context.Context) error {
	if _, err := u.addColumn(ctx, "data_sources", "datasource_obj_id", u.d.BigInt()); err != nil {
		return err
	}
	if err := u.exec(ctx, "CREATE INDEX IF NOT EXISTS datasource_object_id ON data_sources (datasource_obj_id)"); err != nil {
		return err
	}

	if err := u.addTypes(ctx, builtIns(correlation.SSIDTypeID, correlation.MACTypeID,
		correlation.IMEITypeID, correlation.IMSITypeID, correlation.ICCIDTypeID)); err != nil {
		return err
	}

	for _, t := range builtIns(correlation.FilesTypeID, correlation.DomainTypeID, correlation.EmailTypeID,
		correlation.PhoneTypeID, correlation.USBTypeID) {
		exists, err := u.tableExists(ctx, t.InstanceTable())
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if _, err := u.addColumn(ctx, t.InstanceTable(), "file_obj_id", u.d.BigInt()); err != nil {
			return err
		}
		if err := u.exec(ctx, u.b.InstanceObjectIDIndex(t.Table)); err != nil {
			return err
		}
	}

	for _, hash := range []string{"md5", "sha1", "sha256"} {
		if _, err := u.addColumn(ctx, "data_sources", hash, "TEXT DEFAULT NULL"); err != nil {
			return err
		}
	}

	return u.rebuildDbInfo(ctx, schema.Version{Major: 1, Minor: 2})
}

// rebuildDbInfo recreates db_info with the unique name constraint,
// keeping the creation version (0.0 when it was never recorded).
func (u *upgrade) rebuildDbInfo(ctx context.Context, v schema.Version) error {
	creation, err := schema.ReadCreationVersion(ctx, u.q, u.d)
	if err != nil {
		return err
	}
	if err := u.exec(ctx, "DROP TABLE db_info", u.b.DbInfoTable()); err != nil {
		return err
	}
	for _, row := range [][2]string{
		{schema.MajorVersionKey, strconv.Itoa(v.Major)},
		{schema.MinorVersionKey, strconv.Itoa(v.Minor)},
		{schema.CreationMajorVersionKey, strconv.Itoa(creation.Major)},
		{schema.CreationMinorVersionKey, strconv.Itoa(creation.Minor)},
	} {
		if err := schema.NewDbInfo(ctx, u.q, u.d, row[0], row[1]); err != nil {
			return err
		}
	}
	return nil
}

// 1.3 made data sources unique by device and name as well as object id.
func (u *upgrade) to1_3(ctx context.Context) error {
	if u.d.SupportsAddConstraint() {
		return u.exec(ctx,
			"ALTER TABLE data_sources DROP CONSTRAINT IF EXISTS datasource_unique",
			"ALTER TABLE data_sources ADD CONSTRAINT datasource_unique UNIQUE (case_id, device_id, name, datasource_obj_id)",
		)
	}

	// SQLite cannot alter a constraint: copy into a new table and swap.
	// Renaming the new table into place, rather than renaming the old one
	// away, keeps foreign keys in the instance tables pointing at
	// data_sources.
	const columns = "id, case_id, device_id, name, datasource_obj_id, md5, sha1, sha256"
	stmts := []string{
		"DROP INDEX IF EXISTS data_sources_name",
		"DROP INDEX IF EXISTS data_sources_object_id",
		"DROP TABLE IF EXISTS data_sources_new",
		u.b.UpgradedDataSourcesTable("data_sources_new"),
		"INSERT INTO data_sources_new (" + columns + ") SELECT " + columns + " FROM data_sources",
		"DROP TABLE data_sources",
		"ALTER TABLE data_sources_new RENAME TO data_sources",
	}
	return u.exec(ctx, append(stmts, u.b.DataSourcesIndexes()...)...)
}

// 1.4 introduced accounts. Account-derived types get their own tables;
// email and phone predate accounts and gain an account_id column.
func (u *upgrade) to1_4(ctx context.Context) error {
	if err := u.exec(ctx, u.b.AccountTypesTable(), u.b.AccountsTable()); err != nil {
		return err
	}
	if err := u.addTypes(ctx, correlation.AccountDerivedTypes()); err != nil {
		return err
	}
	if err := schema.InsertDefaultAccountTypes(ctx, u.q, u.d); err != nil {
		return err
	}

	for _, t := range builtIns(correlation.EmailTypeID, correlation.PhoneTypeID) {
		table := t.InstanceTable()
		added, err := u.addColumn(ctx, table, "account_id", u.d.BigInt()+" DEFAULT NULL")
		if err != nil {
			return err
		}
		if !added {
			continue
		}
		if u.d.SupportsAddConstraint() {
			if err := u.exec(ctx, "ALTER TABLE "+table+" ADD CONSTRAINT "+table+"_account_id_fk "+
				"FOREIGN KEY (account_id) REFERENCES accounts(id)"); err != nil {
				return err
			}
		} else {
			u.logger.Debug("Backend cannot add constraints, account_id left without foreign key",
				zap.String("table", table))
		}
	}
	return nil
}

// 1.5 introduced personas.
func (u *upgrade) to1_5(ctx context.Context) error {
	if err := u.exec(ctx, u.b.PersonaTables()...); err != nil {
		return err
	}
	return schema.InsertDefaultPersonaContent(ctx, u.q, u.d)
}

// 1.6 added installed programs and OS accounts.
func (u *upgrade) to1_6(ctx context.Context) error {
	return u.addTypes(ctx, builtIns(correlation.InstalledProgsTypeID, correlation.OSAccountTypeID))
}
