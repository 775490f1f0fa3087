package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/database"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/schema"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

func newManager(t *testing.T) *database.SQLiteManager {
	t.Helper()
	cfg := &config.SQLiteConfig{Directory: t.TempDir(), FileName: "central_repository.db", BulkThreshold: 100}
	m, err := database.NewSQLiteManager(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func execAll(t *testing.T, m database.Manager, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := m.DB().Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func count(t *testing.T, m database.Manager, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, m.DB().QueryRow(query, args...).Scan(&n), query)
	return n
}

func hasTable(t *testing.T, m database.Manager, table string) bool {
	t.Helper()
	ok, err := sqlpkg.TableExists(context.Background(), m.DB(), m.Dialect(), table)
	require.NoError(t, err)
	return ok
}

func hasColumn(t *testing.T, m database.Manager, table, column string) bool {
	t.Helper()
	ok, err := sqlpkg.ColumnExists(context.Background(), m.DB(), m.Dialect(), table, column)
	require.NoError(t, err)
	return ok
}

func setVersion(t *testing.T, m database.Manager, major, minor string) {
	t.Helper()
	execAll(t, m, "DELETE FROM db_info WHERE name IN ('SCHEMA_VERSION', 'SCHEMA_MINOR_VERSION')")
	_, err := m.DB().Exec("INSERT INTO db_info (name, value) VALUES ('SCHEMA_VERSION', ?), ('SCHEMA_MINOR_VERSION', ?)", major, minor)
	require.NoError(t, err)
}

// seed13 builds a repository as the 1.3 release left it: no accounts, no
// personas, and only the first ten built-in types.
func seed13(t *testing.T, m database.Manager) {
	t.Helper()
	b := schema.NewBuilder(m.Dialect())

	stmts := []string{b.OrganizationsTable(), b.CasesTable()}
	stmts = append(stmts, b.CasesIndexes()...)
	stmts = append(stmts, b.UpgradedDataSourcesTable("data_sources"))
	stmts = append(stmts, b.DataSourcesIndexes()...)
	stmts = append(stmts, b.ReferenceSetsTable(), b.CorrelationTypesTable(), b.DbInfoTable())

	var types []correlation.Type
	for _, typ := range correlation.BuiltInTypes() {
		if typ.ID > correlation.ICCIDTypeID {
			continue
		}
		types = append(types, typ)
		stmts = append(stmts, b.InstanceTable(typ.Table, false))
		stmts = append(stmts, b.InstanceIndexes(typ.Table)...)
		if typ.SupportsReferenceSets() {
			stmts = append(stmts, b.ReferenceTable(typ.Table))
		}
	}
	execAll(t, m, stmts...)
	require.NoError(t, schema.InsertCorrelationTypes(context.Background(), m.DB(), m.Dialect(), types))
	require.NoError(t, schema.InsertDefaultOrganization(context.Background(), m.DB(), m.Dialect()))
	execAll(t, m, "INSERT INTO db_info (name, value) VALUES "+
		"('SCHEMA_VERSION', '1'), ('SCHEMA_MINOR_VERSION', '3'), "+
		"('CREATION_SCHEMA_MAJOR_VERSION', '1'), ('CREATION_SCHEMA_MINOR_VERSION', '2')")
}

func assertCurrentSchema(t *testing.T, m database.Manager) {
	t.Helper()
	v, err := schema.ReadVersion(context.Background(), m.DB(), m.Dialect())
	require.NoError(t, err)
	assert.Equal(t, schema.Current, v)

	for _, table := range []string{"accounts", "account_types", "personas", "persona_accounts",
		"persona_alias", "persona_metadata", "confidence", "persona_status", "examiners",
		"installed_programs_instances", "os_accounts_instances"} {
		assert.True(t, hasTable(t, m, table), table)
	}
	for _, typ := range correlation.DefaultTypes() {
		assert.True(t, hasTable(t, m, typ.InstanceTable()), typ.InstanceTable())
		assert.Equal(t, typ.HasAccount(), hasColumn(t, m, typ.InstanceTable(), "account_id"), typ.InstanceTable())
	}

	assert.Equal(t, len(correlation.DefaultTypes()), count(t, m, "SELECT count(*) FROM correlation_types"))
	assert.Equal(t, 19, count(t, m, "SELECT count(*) FROM account_types"))
	assert.Equal(t, 3, count(t, m, "SELECT count(*) FROM confidence"))
	assert.Equal(t, 5, count(t, m, "SELECT count(*) FROM persona_status"))
	assert.Equal(t, 1, count(t, m, "SELECT count(*) FROM organizations"))
}

func TestUpgrade_From13(t *testing.T) {
	m := newManager(t)
	seed13(t, m)

	result, err := NewMigrator(m, nil, nil, zaptest.NewLogger(t)).Upgrade(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.Version{Major: 1, Minor: 3}, result.From)
	assert.Equal(t, schema.Current, result.To)
	assert.Len(t, result.Applied, 3)

	assertCurrentSchema(t, m)

	creation, err := schema.ReadCreationVersion(context.Background(), m.DB(), m.Dialect())
	require.NoError(t, err)
	assert.Equal(t, schema.Version{Major: 1, Minor: 2}, creation)
}

func TestUpgrade_Idempotent(t *testing.T) {
	m := newManager(t)
	seed13(t, m)
	migrator := NewMigrator(m, nil, nil, zaptest.NewLogger(t))

	_, err := migrator.Upgrade(context.Background())
	require.NoError(t, err)

	again, err := migrator.Upgrade(context.Background())
	require.NoError(t, err)
	assert.False(t, again.Upgraded())
	assertCurrentSchema(t, m)
}

// A 1.1 repository with data must come through the data_sources rebuild
// with rows and references intact.
func TestUpgrade_From11PreservesData(t *testing.T) {
	m := newManager(t)
	b := schema.NewBuilder(m.Dialect())

	stmts := []string{
		b.OrganizationsTable(),
		b.CasesTable(),
		"CREATE TABLE data_sources (id integer primary key autoincrement NOT NULL, case_id integer NOT NULL, " +
			"device_id text NOT NULL, name text NOT NULL, " +
			"foreign key (case_id) references cases(id) ON UPDATE SET NULL ON DELETE SET NULL, " +
			"CONSTRAINT datasource_unique UNIQUE (case_id, device_id, name))",
		"CREATE TABLE reference_sets (id integer primary key autoincrement NOT NULL, org_id integer NOT NULL, " +
			"set_name text NOT NULL, version text NOT NULL, import_date text NOT NULL)",
		b.CorrelationTypesTable(),
		"CREATE TABLE db_info (id integer primary key, name text NOT NULL, value text NOT NULL)",
		"INSERT INTO db_info (name, value) VALUES ('SCHEMA_VERSION', '1'), ('SCHEMA_MINOR_VERSION', '0')",
	}
	var types []correlation.Type
	for _, typ := range correlation.BuiltInTypes() {
		if typ.ID > correlation.USBTypeID {
			continue
		}
		types = append(types, typ)
		table := typ.InstanceTable()
		stmts = append(stmts, "CREATE TABLE "+table+" (id integer primary key autoincrement NOT NULL, "+
			"case_id integer NOT NULL, data_source_id integer NOT NULL, value text NOT NULL, "+
			"file_path text NOT NULL, known_status integer NOT NULL, comment text, "+
			"CONSTRAINT "+table+"_multi_unique UNIQUE(data_source_id, value, file_path) ON CONFLICT IGNORE, "+
			"foreign key (case_id) references cases(id), "+
			"foreign key (data_source_id) references data_sources(id))")
	}
	execAll(t, m, stmts...)
	require.NoError(t, schema.InsertCorrelationTypes(context.Background(), m.DB(), m.Dialect(), types))
	execAll(t, m,
		"INSERT INTO cases (case_uid, case_name, creation_date) VALUES ('u1', 'C1', '2020/01/01 00:00:00')",
		"INSERT INTO data_sources (case_id, device_id, name) VALUES (1, 'dev1', 'ds1')",
		"INSERT INTO file_instances (case_id, data_source_id, value, file_path, known_status) "+
			"VALUES (1, 1, 'aabbccddeeff00112233445566778899', '/x/y', 0)",
	)

	result, err := NewMigrator(m, nil, nil, zaptest.NewLogger(t)).Upgrade(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Applied, 6)
	assertCurrentSchema(t, m)

	for _, col := range []string{"known_status", "read_only", "type"} {
		assert.True(t, hasColumn(t, m, "reference_sets", col), col)
	}
	for _, col := range []string{"datasource_obj_id", "md5", "sha1", "sha256"} {
		assert.True(t, hasColumn(t, m, "data_sources", col), col)
	}
	assert.True(t, hasColumn(t, m, "file_instances", "file_obj_id"))
	assert.False(t, hasTable(t, m, "data_sources_new"))

	var name string
	require.NoError(t, m.DB().QueryRow("SELECT name FROM data_sources WHERE id = 1").Scan(&name))
	assert.Equal(t, "ds1", name)
	assert.Equal(t, 1, count(t, m,
		"SELECT count(*) FROM file_instances fi JOIN data_sources ds ON fi.data_source_id = ds.id"))
	assert.Equal(t, 0, count(t, m, "SELECT count(*) FROM pragma_foreign_key_check"))

	creation, err := schema.ReadCreationVersion(context.Background(), m.DB(), m.Dialect())
	require.NoError(t, err)
	assert.Equal(t, schema.Version{}, creation)
}

func TestUpgrade_IncompatibleMajor(t *testing.T) {
	m := newManager(t)
	seed13(t, m)
	setVersion(t, m, "2", "0")

	_, err := NewMigrator(m, nil, nil, zaptest.NewLogger(t)).Upgrade(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrIncompatibleSchema))
	assert.False(t, hasTable(t, m, "accounts"))
}

func TestUpgrade_NewerMinorLeftUntouched(t *testing.T) {
	m := newManager(t)
	seed13(t, m)
	setVersion(t, m, "1", "9")

	result, err := NewMigrator(m, nil, nil, zaptest.NewLogger(t)).Upgrade(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Upgraded())
	assert.False(t, hasTable(t, m, "accounts"))
}

func TestUpgrade_CorruptVersion(t *testing.T) {
	m := newManager(t)
	seed13(t, m)
	setVersion(t, m, "one", "3")

	_, err := NewMigrator(m, nil, nil, zaptest.NewLogger(t)).Upgrade(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrSchema))
}

func TestUpgrade_FreshRepositoryIsCurrent(t *testing.T) {
	m := newManager(t)
	require.NoError(t, schema.Initialize(context.Background(), m.DB(), m.Dialect(), zaptest.NewLogger(t)))

	result, err := NewMigrator(m, nil, nil, zaptest.NewLogger(t)).Upgrade(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Upgraded())
	assertCurrentSchema(t, m)
}

func TestPrepare_CreatesThenUpgrades(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	migrator := NewMigrator(m, nil, nil, zaptest.NewLogger(t))

	created, err := migrator.Prepare(ctx)
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, schema.Current, created.To)
	assertCurrentSchema(t, m)

	again, err := migrator.Prepare(ctx)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.False(t, again.Upgraded())
}

func TestPrepare_UpgradesOldRepository(t *testing.T) {
	m := newManager(t)
	seed13(t, m)

	result, err := NewMigrator(m, nil, nil, zaptest.NewLogger(t)).Prepare(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.True(t, result.Upgraded())
	assertCurrentSchema(t, m)
}
