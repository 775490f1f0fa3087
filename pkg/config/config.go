package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/crypto"
)

// Config holds all configuration for the central repository.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) are never written to YAML in plaintext.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	Logging     LoggingConfig     `yaml:"logging"`
	CentralRepo CentralRepoConfig `yaml:"central_repo"`
	Redis       RedisConfig       `yaml:"redis"`

	// SettingsKey seals passwords persisted by Save.
	// Generate with: openssl rand -base64 32
	SettingsKey string `yaml:"-" env:"CENTRALREPO_SETTINGS_KEY"` // Secret - not in YAML
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"` // console or json
}

// Backend selects which storage engine backs the repository.
type Backend string

const (
	BackendDisabled          Backend = "disabled"
	BackendSQLite            Backend = "sqlite"
	BackendPostgresCustom    Backend = "postgresql_custom"
	BackendPostgresMultiUser Backend = "postgresql_multiuser"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendDisabled, BackendSQLite, BackendPostgresCustom, BackendPostgresMultiUser:
		return true
	}
	return false
}

func (b Backend) IsPostgres() bool {
	return b == BackendPostgresCustom || b == BackendPostgresMultiUser
}

// CentralRepoConfig holds backend selection and per-backend settings.
type CentralRepoConfig struct {
	Backend Backend `yaml:"backend" env:"CENTRALREPO_BACKEND" env-default:"disabled"`

	// DisabledDueToFailure is set when startup upgrade failed and the
	// repository was switched off to protect the schema.
	DisabledDueToFailure bool `yaml:"disabled_due_to_failure" env-default:"false"`

	SQLite    SQLiteConfig   `yaml:"sqlite" env-prefix:"CENTRALREPO_SQLITE_"`
	Postgres  PostgresConfig `yaml:"postgresql" env-prefix:"CENTRALREPO_PG_"`
	MultiUser PostgresConfig `yaml:"postgresql_multiuser" env-prefix:"CENTRALREPO_MULTIUSER_PG_"`

	// MigrationLockTimeout bounds how long an upgrade waits for another
	// process that holds the exclusive migration lock. The holder renews
	// its lease while it works, so a long upgrade keeps the lock.
	MigrationLockTimeout time.Duration `yaml:"migration_lock_timeout" env:"CENTRALREPO_MIGRATION_LOCK_TIMEOUT" env-default:"5m"`
}

// ActivePostgres returns the networked settings for the selected backend,
// or nil when the backend is not networked.
func (c *CentralRepoConfig) ActivePostgres() *PostgresConfig {
	switch c.Backend {
	case BackendPostgresCustom:
		return &c.Postgres
	case BackendPostgresMultiUser:
		return &c.MultiUser
	}
	return nil
}

// BulkThreshold returns the bulk-insert flush size for the selected backend.
func (c *CentralRepoConfig) BulkThreshold() int {
	if pg := c.ActivePostgres(); pg != nil {
		return pg.BulkThreshold
	}
	return c.SQLite.BulkThreshold
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Directory     string `yaml:"directory" env:"DIRECTORY" env-default:"."`
	FileName      string `yaml:"file_name" env:"FILE_NAME" env-default:"central_repository.db"`
	BulkThreshold int    `yaml:"bulk_threshold" env:"BULK_THRESHOLD" env-default:"1000"`
}

// Path returns the full database file path.
func (c *SQLiteConfig) Path() string {
	return filepath.Join(c.Directory, c.FileName)
}

// PostgresConfig holds networked backend settings.
type PostgresConfig struct {
	Host              string        `yaml:"host" env:"HOST" env-default:"localhost"`
	Port              int           `yaml:"port" env:"PORT" env-default:"5432"`
	User              string        `yaml:"user" env:"USER" env-default:"postgres"`
	Password          string        `yaml:"-" env:"PASSWORD"` // Secret - not in YAML
	PasswordEncrypted string        `yaml:"password_encrypted,omitempty"`
	Database          string        `yaml:"database" env:"DATABASE" env-default:"central_repository"`
	SSLMode           string        `yaml:"ssl_mode" env:"SSLMODE" env-default:"disable"`
	BulkThreshold     int           `yaml:"bulk_threshold" env:"BULK_THRESHOLD" env-default:"1000"`
	MinConns          int32         `yaml:"min_conns" env:"MIN_CONNS" env-default:"5"`
	MaxConns          int32         `yaml:"max_conns" env:"MAX_CONNS" env-default:"10"`
	CheckoutTimeout   time.Duration `yaml:"checkout_timeout" env:"CHECKOUT_TIMEOUT" env-default:"30s"`
}

// ConnectionString returns a PostgreSQL URL for the configured database.
func (c *PostgresConfig) ConnectionString() string {
	return c.ConnectionStringFor(c.Database)
}

// ConnectionStringFor returns a PostgreSQL URL for another database on the
// same server, used to create or drop the repository database.
func (c *PostgresConfig) ConnectionStringFor(database string) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     ResolveHostForDocker(c.Host) + ":" + strconv.Itoa(c.Port),
		Path:     "/" + database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	return u.String()
}

// RedisConfig locates the coordination server used for the migration
// lock. An empty host disables coordination.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

const (
	postgresPasswordField  = "central_repo.postgresql.password"
	multiUserPasswordField = "central_repo.postgresql_multiuser.password"
)

// Load reads configuration from path with environment variable overrides.
// A missing file falls back to environment variables and defaults.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// databaseNamePattern matches both SQLite file names and PostgreSQL
// database names.
var databaseNamePattern = regexp.MustCompile(`^[a-zA-Z]\w*(\.db)?$`)

// Normalize lower-cases PostgreSQL database names. The server folds
// unquoted names, so a mixed-case name would be created under one spelling
// and looked up under another.
func (c *Config) Normalize() {
	c.CentralRepo.Postgres.Database = strings.ToLower(c.CentralRepo.Postgres.Database)
	c.CentralRepo.MultiUser.Database = strings.ToLower(c.CentralRepo.MultiUser.Database)
}

// Validate checks settings that cannot be expressed as tag defaults. Names
// and addresses are checked for the selected backend only.
func (c *Config) Validate() error {
	cr := &c.CentralRepo
	if !cr.Backend.Valid() {
		return fmt.Errorf("unknown backend %q", cr.Backend)
	}
	if cr.Backend == BackendSQLite && !databaseNamePattern.MatchString(cr.SQLite.FileName) {
		return fmt.Errorf("invalid sqlite file_name %q: must start with a letter and contain only letters, digits and underscores, optionally ending in .db", cr.SQLite.FileName)
	}
	if pg := cr.ActivePostgres(); pg != nil {
		if err := pg.validateAddress(); err != nil {
			return fmt.Errorf("%s: %w", cr.Backend, err)
		}
	}
	if cr.SQLite.BulkThreshold <= 0 {
		return fmt.Errorf("sqlite bulk_threshold must be positive")
	}
	for name, pg := range map[string]*PostgresConfig{"postgresql": &cr.Postgres, "postgresql_multiuser": &cr.MultiUser} {
		if pg.BulkThreshold <= 0 {
			return fmt.Errorf("%s bulk_threshold must be positive", name)
		}
		if pg.MinConns < 0 || pg.MaxConns < 1 || pg.MinConns > pg.MaxConns {
			return fmt.Errorf("%s pool bounds invalid: min_conns=%d max_conns=%d", name, pg.MinConns, pg.MaxConns)
		}
	}
	if cr.MigrationLockTimeout <= 0 {
		return fmt.Errorf("migration_lock_timeout must be positive")
	}
	return nil
}

func (c *PostgresConfig) validateAddress() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host is empty")
	}
	if c.Port <= 0 || c.Port >= 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !databaseNamePattern.MatchString(c.Database) {
		return fmt.Errorf("invalid database name %q: must start with a letter and contain only letters, digits and underscores", c.Database)
	}
	return nil
}

// openSecrets fills in passwords from their sealed form when the
// environment did not supply them.
func (c *Config) openSecrets() error {
	for field, pg := range c.passwordFields() {
		if pg.Password != "" || pg.PasswordEncrypted == "" {
			continue
		}
		if c.SettingsKey == "" {
			return fmt.Errorf("%s is sealed but CENTRALREPO_SETTINGS_KEY is not set", field)
		}
		cipher, err := crypto.NewSettingsCipher(c.SettingsKey)
		if err != nil {
			return err
		}
		plain, err := cipher.Open(field, pg.PasswordEncrypted)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", field, err)
		}
		pg.Password = plain
	}
	return nil
}

func (c *Config) passwordFields() map[string]*PostgresConfig {
	return map[string]*PostgresConfig{
		postgresPasswordField:  &c.CentralRepo.Postgres,
		multiUserPasswordField: &c.CentralRepo.MultiUser,
	}
}

// Save writes the configuration to path with mode 0600. Passwords are
// sealed with SettingsKey; saving a password without a key is an error.
func Save(path string, cfg *Config) error {
	out := *cfg
	for field, pg := range out.passwordFields() {
		if pg.Password == "" {
			pg.PasswordEncrypted = ""
			continue
		}
		if out.SettingsKey == "" {
			return fmt.Errorf("cannot persist %s without CENTRALREPO_SETTINGS_KEY", field)
		}
		cipher, err := crypto.NewSettingsCipher(out.SettingsKey)
		if err != nil {
			return err
		}
		sealed, err := cipher.Seal(field, pg.Password)
		if err != nil {
			return fmt.Errorf("failed to seal %s: %w", field, err)
		}
		pg.PasswordEncrypted = sealed
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
