package sql

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a bound argument that libinjection
// flagged. Flagged arguments are still bound, never interpolated; the
// result exists so callers can audit them.
type InjectionCheckResult struct {
	Position    int    // 1-based placeholder position
	Fingerprint string // libinjection fingerprint of the detected pattern
	Value       string
}

func (r *InjectionCheckResult) String() string {
	return fmt.Sprintf("arg %d fingerprint %s", r.Position, r.Fingerprint)
}

// CheckArgument runs libinjection over a single bound argument. Only string
// and []byte values are inspected; everything else returns nil.
func CheckArgument(position int, value any) *InjectionCheckResult {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(s)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		Position:    position,
		Fingerprint: string(fingerprint),
		Value:       s,
	}
}

// CheckArguments screens every positional argument and returns the ones
// that look like injection payloads, in order.
func CheckArguments(args []any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for i, arg := range args {
		if r := CheckArgument(i+1, arg); r != nil {
			results = append(results, r)
		}
	}
	return results
}
