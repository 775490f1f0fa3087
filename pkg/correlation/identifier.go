package correlation

import (
	"fmt"
	"regexp"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
)

// maxFragmentLength keeps every derived identifier, including the longest
// index name "{fragment}_instances_value_known_status", within the 63 byte
// PostgreSQL identifier limit.
const maxFragmentLength = 34

var fragmentPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// TableName is a table-name fragment that has passed identifier validation.
// It is the only value the schema and repository packages will interpolate
// into SQL text. The zero value is invalid.
type TableName struct {
	fragment string
}

// ParseTableName validates fragment against [a-z][a-z0-9_]*.
func ParseTableName(fragment string) (TableName, error) {
	if len(fragment) > maxFragmentLength {
		return TableName{}, fmt.Errorf("%w: table name fragment %q exceeds %d characters", apperrors.ErrSchema, fragment, maxFragmentLength)
	}
	if !fragmentPattern.MatchString(fragment) {
		return TableName{}, fmt.Errorf("%w: invalid table name fragment %q", apperrors.ErrSchema, fragment)
	}
	return TableName{fragment: fragment}, nil
}

// MustTableName is ParseTableName for compile-time constants.
func MustTableName(fragment string) TableName {
	t, err := ParseTableName(fragment)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TableName) String() string { return t.fragment }

func (t TableName) IsZero() bool { return t.fragment == "" }

// Instances returns "{fragment}_instances".
func (t TableName) Instances() string { return t.fragment + "_instances" }

// Reference returns "reference_{fragment}".
func (t TableName) Reference() string { return "reference_" + t.fragment }
