// Package schema generates the repository's DDL for either backend and
// manages the db_info version rows.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// db_info keys.
const (
	MajorVersionKey         = "SCHEMA_VERSION"
	MinorVersionKey         = "SCHEMA_MINOR_VERSION"
	CreationMajorVersionKey = "CREATION_SCHEMA_MAJOR_VERSION"
	CreationMinorVersionKey = "CREATION_SCHEMA_MINOR_VERSION"
)

// Version is a major.minor schema version.
type Version struct {
	Major int
	Minor int
}

// Current is the schema version this software creates and upgrades to.
var Current = Version{Major: 1, Minor: 6}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// ReadVersion returns the schema version in force. A missing or
// non-numeric row is a schema error.
func ReadVersion(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect) (Version, error) {
	major, err := readVersionPart(ctx, q, d, MajorVersionKey)
	if err != nil {
		return Version{}, err
	}
	minor, err := readVersionPart(ctx, q, d, MinorVersionKey)
	if err != nil {
		return Version{}, err
	}
	return Version{Major: major, Minor: minor}, nil
}

// ReadCreationVersion returns the version the repository was created at,
// or 0.0 when it predates creation tracking.
func ReadCreationVersion(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect) (Version, error) {
	major, err := readVersionPart(ctx, q, d, CreationMajorVersionKey)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Version{}, nil
	}
	if err != nil {
		return Version{}, err
	}
	minor, err := readVersionPart(ctx, q, d, CreationMinorVersionKey)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Version{}, nil
	}
	if err != nil {
		return Version{}, err
	}
	return Version{Major: major, Minor: minor}, nil
}

func readVersionPart(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect, key string) (int, error) {
	value, err := GetDbInfo(ctx, q, d, key)
	if errors.Is(err, apperrors.ErrNotFound) {
		if key == CreationMajorVersionKey || key == CreationMinorVersionKey {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s missing from db_info", apperrors.ErrSchema, key)
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: bad value %q for %s, database is corrupt", apperrors.ErrSchema, value, key)
	}
	return n, nil
}

// WriteVersion persists v as the schema version in force.
func WriteVersion(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect, v Version) error {
	if err := UpdateDbInfo(ctx, q, d, MajorVersionKey, strconv.Itoa(v.Major)); err != nil {
		return err
	}
	return UpdateDbInfo(ctx, q, d, MinorVersionKey, strconv.Itoa(v.Minor))
}

// GetDbInfo reads one db_info value.
func GetDbInfo(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect, name string) (string, error) {
	var value string
	err := sqlpkg.Bind(q, d).QueryRowContext(ctx, "SELECT value FROM db_info WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("db_info %s: %w", name, apperrors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read db_info %s: %w", name, err)
	}
	return value, nil
}

// NewDbInfo inserts a db_info row, ignoring an existing one.
func NewDbInfo(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect, name, value string) error {
	if _, err := sqlpkg.Bind(q, d).ExecContext(ctx, d.InsertIgnore("db_info", "name, value", "?, ?"), name, value); err != nil {
		return fmt.Errorf("failed to insert db_info %s: %w", name, err)
	}
	return nil
}

// UpdateDbInfo sets a db_info value, inserting the row if it is missing.
func UpdateDbInfo(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect, name, value string) error {
	res, err := sqlpkg.Bind(q, d).ExecContext(ctx, "UPDATE db_info SET value = ? WHERE name = ?", value, name)
	if err != nil {
		return fmt.Errorf("failed to update db_info %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewDbInfo(ctx, q, d, name, value)
	}
	return nil
}
