package schema

import (
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// Builder renders CREATE statements for one dialect. Every statement uses
// IF NOT EXISTS so replaying them against an initialized database is a
// no-op. Dynamic table names only ever come from correlation.TableName.
type Builder struct {
	d sqlpkg.Dialect
}

func NewBuilder(d sqlpkg.Dialect) *Builder {
	return &Builder{d: d}
}

func (b *Builder) Dialect() sqlpkg.Dialect { return b.d }

func (b *Builder) pk() string { return b.d.PrimaryKey("id") + "," }

func (b *Builder) OrganizationsTable() string {
	return "CREATE TABLE IF NOT EXISTS organizations (" + b.pk() +
		"org_name text NOT NULL," +
		"poc_name text NOT NULL," +
		"poc_email text NOT NULL," +
		"poc_phone text NOT NULL," +
		"CONSTRAINT org_name_unique UNIQUE (org_name))"
}

func (b *Builder) CasesTable() string {
	return "CREATE TABLE IF NOT EXISTS cases (" + b.pk() +
		"case_uid text NOT NULL," +
		"org_id integer," +
		"case_name text NOT NULL," +
		"creation_date text NOT NULL," +
		"case_number text," +
		"examiner_name text," +
		"examiner_email text," +
		"examiner_phone text," +
		"notes text," +
		"foreign key (org_id) references organizations(id) ON UPDATE SET NULL ON DELETE SET NULL," +
		"CONSTRAINT case_uid_unique UNIQUE(case_uid)" + b.d.ConflictIgnore() + ")"
}

func (b *Builder) CasesIndexes() []string {
	return []string{
		"CREATE INDEX IF NOT EXISTS cases_org_id ON cases (org_id)",
		"CREATE INDEX IF NOT EXISTS cases_case_uid ON cases (case_uid)",
	}
}

// DataSourcesTable is the layout of a freshly created repository, unique
// by (case_id, datasource_obj_id).
func (b *Builder) DataSourcesTable() string {
	return b.dataSourcesTable("data_sources", "case_id, datasource_obj_id")
}

// UpgradedDataSourcesTable is the layout a repository upgraded through
// 1.3 ends up with. Its uniqueness key differs from a fresh repository's.
func (b *Builder) UpgradedDataSourcesTable(name string) string {
	return b.dataSourcesTable(name, "case_id, device_id, name, datasource_obj_id")
}

func (b *Builder) dataSourcesTable(name, uniqueColumns string) string {
	return "CREATE TABLE IF NOT EXISTS " + name + " (" + b.pk() +
		"case_id integer NOT NULL," +
		"device_id text NOT NULL," +
		"name text NOT NULL," +
		"datasource_obj_id " + b.d.BigInt() + "," +
		"md5 text DEFAULT NULL," +
		"sha1 text DEFAULT NULL," +
		"sha256 text DEFAULT NULL," +
		"foreign key (case_id) references cases(id) ON UPDATE SET NULL ON DELETE SET NULL," +
		"CONSTRAINT datasource_unique UNIQUE (" + uniqueColumns + "))"
}

func (b *Builder) DataSourcesIndexes() []string {
	return []string{
		"CREATE INDEX IF NOT EXISTS data_sources_name ON data_sources (name)",
		"CREATE INDEX IF NOT EXISTS data_sources_object_id ON data_sources (datasource_obj_id)",
	}
}

func (b *Builder) ReferenceSetsTable() string {
	return "CREATE TABLE IF NOT EXISTS reference_sets (" + b.pk() +
		"org_id integer NOT NULL," +
		"set_name text NOT NULL," +
		"version text NOT NULL," +
		"known_status integer NOT NULL," +
		"read_only boolean NOT NULL," +
		"type integer NOT NULL," +
		"import_date text NOT NULL," +
		"foreign key (org_id) references organizations(id) ON UPDATE SET NULL ON DELETE SET NULL," +
		"CONSTRAINT hash_set_unique UNIQUE (set_name, version))"
}

func (b *Builder) ReferenceSetsIndexes() []string {
	return []string{"CREATE INDEX IF NOT EXISTS reference_sets_org_id ON reference_sets (org_id)"}
}

func (b *Builder) CorrelationTypesTable() string {
	return "CREATE TABLE IF NOT EXISTS correlation_types (" + b.pk() +
		"display_name text NOT NULL," +
		"db_table_name text NOT NULL," +
		"supported integer NOT NULL," +
		"enabled integer NOT NULL," +
		"CONSTRAINT correlation_types_names UNIQUE (display_name, db_table_name))"
}

// DbInfoTable keeps a surrogate id for compatibility with older clients.
func (b *Builder) DbInfoTable() string {
	return "CREATE TABLE IF NOT EXISTS db_info (" + b.pk() +
		"name TEXT UNIQUE NOT NULL," +
		"value TEXT NOT NULL)"
}

func (b *Builder) AccountTypesTable() string {
	return "CREATE TABLE IF NOT EXISTS account_types (" + b.pk() +
		"type_name TEXT NOT NULL," +
		"display_name TEXT NOT NULL," +
		"correlation_type_id " + b.d.BigInt() + "," +
		"CONSTRAINT type_name_unique UNIQUE (type_name)," +
		"FOREIGN KEY (correlation_type_id) REFERENCES correlation_types(id))"
}

func (b *Builder) AccountsTable() string {
	return "CREATE TABLE IF NOT EXISTS accounts (" + b.pk() +
		"account_type_id integer NOT NULL," +
		"account_unique_identifier TEXT NOT NULL," +
		"CONSTRAINT account_unique UNIQUE(account_type_id, account_unique_identifier)," +
		"FOREIGN KEY (account_type_id) REFERENCES account_types(id))"
}

// PersonaTables returns the persona DDL in dependency order.
func (b *Builder) PersonaTables() []string {
	big := b.d.BigInt()
	return []string{
		"CREATE TABLE IF NOT EXISTS confidence (" + b.pk() +
			"confidence_id integer NOT NULL," +
			"description TEXT," +
			"CONSTRAINT level_unique UNIQUE (confidence_id))",
		"CREATE TABLE IF NOT EXISTS examiners (" + b.pk() +
			"login_name TEXT NOT NULL," +
			"display_name TEXT," +
			"CONSTRAINT login_name_unique UNIQUE(login_name))",
		"CREATE TABLE IF NOT EXISTS persona_status (" + b.pk() +
			"status_id integer NOT NULL," +
			"status TEXT NOT NULL," +
			"CONSTRAINT status_unique UNIQUE(status_id))",
		"CREATE TABLE IF NOT EXISTS personas (" + b.pk() +
			"uuid TEXT NOT NULL," +
			"comment TEXT NOT NULL," +
			"name TEXT NOT NULL," +
			"created_date " + big + "," +
			"modified_date " + big + "," +
			"status_id integer NOT NULL," +
			"examiner_id integer NOT NULL," +
			"CONSTRAINT uuid_unique UNIQUE(uuid)," +
			"FOREIGN KEY (status_id) REFERENCES persona_status(status_id)," +
			"FOREIGN KEY (examiner_id) REFERENCES examiners(id))",
		"CREATE TABLE IF NOT EXISTS persona_alias (" + b.pk() +
			"persona_id " + big + "," +
			"alias TEXT NOT NULL," +
			"justification TEXT NOT NULL," +
			"confidence_id integer NOT NULL," +
			"date_added " + big + "," +
			"examiner_id integer NOT NULL," +
			"FOREIGN KEY (persona_id) REFERENCES personas(id)," +
			"FOREIGN KEY (confidence_id) REFERENCES confidence(confidence_id)," +
			"FOREIGN KEY (examiner_id) REFERENCES examiners(id))",
		"CREATE TABLE IF NOT EXISTS persona_metadata (" + b.pk() +
			"persona_id " + big + "," +
			"name TEXT NOT NULL," +
			"value TEXT NOT NULL," +
			"justification TEXT NOT NULL," +
			"confidence_id integer NOT NULL," +
			"date_added " + big + "," +
			"examiner_id integer NOT NULL," +
			"CONSTRAINT unique_metadata UNIQUE(persona_id, name)," +
			"FOREIGN KEY (persona_id) REFERENCES personas(id)," +
			"FOREIGN KEY (confidence_id) REFERENCES confidence(confidence_id)," +
			"FOREIGN KEY (examiner_id) REFERENCES examiners(id))",
		"CREATE TABLE IF NOT EXISTS persona_accounts (" + b.pk() +
			"persona_id " + big + "," +
			"account_id " + big + "," +
			"justification TEXT NOT NULL," +
			"confidence_id integer NOT NULL," +
			"date_added " + big + "," +
			"examiner_id integer NOT NULL," +
			"FOREIGN KEY (persona_id) REFERENCES personas(id)," +
			"FOREIGN KEY (account_id) REFERENCES accounts(id)," +
			"FOREIGN KEY (confidence_id) REFERENCES confidence(confidence_id)," +
			"FOREIGN KEY (examiner_id) REFERENCES examiners(id))",
	}
}

// InstanceTable renders {fragment}_instances. withAccount adds the
// account_id column and its foreign key.
func (b *Builder) InstanceTable(name correlation.TableName, withAccount bool) string {
	table := name.Instances()
	stmt := "CREATE TABLE IF NOT EXISTS " + table + " (" + b.pk() +
		"case_id integer NOT NULL," +
		"data_source_id integer NOT NULL,"
	if withAccount {
		stmt += "account_id " + b.d.BigInt() + " DEFAULT NULL,"
	}
	stmt += "value text NOT NULL," +
		"file_path text NOT NULL," +
		"known_status integer NOT NULL," +
		"comment text," +
		"file_obj_id " + b.d.BigInt() + "," +
		"CONSTRAINT " + table + "_multi_unique UNIQUE(data_source_id, value, file_path)" + b.d.ConflictIgnore() + ","
	if withAccount {
		stmt += "foreign key (account_id) references accounts(id),"
	}
	return stmt +
		"foreign key (case_id) references cases(id) ON UPDATE SET NULL ON DELETE SET NULL," +
		"foreign key (data_source_id) references data_sources(id) ON UPDATE SET NULL ON DELETE SET NULL)"
}

// InstanceIndexes renders the secondary indices of {fragment}_instances.
func (b *Builder) InstanceIndexes(name correlation.TableName) []string {
	table := name.Instances()
	return []string{
		"CREATE INDEX IF NOT EXISTS " + table + "_case_id ON " + table + " (case_id)",
		"CREATE INDEX IF NOT EXISTS " + table + "_data_source_id ON " + table + " (data_source_id)",
		"CREATE INDEX IF NOT EXISTS " + table + "_value ON " + table + " (value)",
		"CREATE INDEX IF NOT EXISTS " + table + "_value_known_status ON " + table + " (value, known_status)",
		b.InstanceObjectIDIndex(name),
	}
}

func (b *Builder) InstanceObjectIDIndex(name correlation.TableName) string {
	table := name.Instances()
	return "CREATE INDEX IF NOT EXISTS " + table + "_file_obj_id ON " + table + " (file_obj_id)"
}

// ReferenceTable renders reference_{fragment}.
func (b *Builder) ReferenceTable(name correlation.TableName) string {
	table := name.Reference()
	return "CREATE TABLE IF NOT EXISTS " + table + " (" + b.pk() +
		"reference_set_id integer," +
		"value text NOT NULL," +
		"known_status integer NOT NULL," +
		"comment text," +
		"CONSTRAINT " + table + "_multi_unique UNIQUE(reference_set_id, value)" + b.d.ConflictIgnore() + "," +
		"foreign key (reference_set_id) references reference_sets(id) ON UPDATE SET NULL ON DELETE SET NULL)"
}

func (b *Builder) ReferenceIndexes(name correlation.TableName) []string {
	table := name.Reference()
	return []string{
		"CREATE INDEX IF NOT EXISTS " + table + "_value ON " + table + " (value)",
		"CREATE INDEX IF NOT EXISTS " + table + "_value_known_status ON " + table + " (value, known_status)",
	}
}

// TypeStatements returns everything a correlation type needs: its instance
// table and indices, plus a reference table for types that support
// reference sets.
func (b *Builder) TypeStatements(t correlation.Type) []string {
	stmts := append([]string{b.InstanceTable(t.Table, t.HasAccount())}, b.InstanceIndexes(t.Table)...)
	if t.SupportsReferenceSets() {
		stmts = append(stmts, b.ReferenceTable(t.Table))
		stmts = append(stmts, b.ReferenceIndexes(t.Table)...)
	}
	return stmts
}

// CreateStatements returns the full ordered DDL for a new repository
// holding types.
func (b *Builder) CreateStatements(types []correlation.Type) []string {
	stmts := []string{b.OrganizationsTable(), b.CasesTable()}
	stmts = append(stmts, b.CasesIndexes()...)
	stmts = append(stmts, b.DataSourcesTable())
	stmts = append(stmts, b.DataSourcesIndexes()...)
	stmts = append(stmts, b.ReferenceSetsTable())
	stmts = append(stmts, b.ReferenceSetsIndexes()...)
	stmts = append(stmts,
		b.CorrelationTypesTable(),
		b.DbInfoTable(),
		b.AccountTypesTable(),
		b.AccountsTable(),
	)
	for _, t := range types {
		stmts = append(stmts, b.TypeStatements(t)...)
	}
	return append(stmts, b.PersonaTables()...)
}
