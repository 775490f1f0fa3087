package logging

import (
	"regexp"
)

const (
	// MaxStatementLogLength caps statements written to the log.
	MaxStatementLogLength = 120
	RedactedText          = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host in postgres URLs and redis URLs
	urlCredentialPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)

	// Sealed settings values are not secret, but there is no reason to spread them.
	sealedPattern = regexp.MustCompile(`gcm1:[A-Za-z0-9+/=_-]+`)
)

// SanitizeConnectionString removes credentials from a connection string or URL.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return urlCredentialPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError returns the error text with credentials removed. Driver
// errors from pgx and go-redis may echo the DSN they failed to reach.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := SanitizeConnectionString(err.Error())
	return sealedPattern.ReplaceAllString(sanitized, "gcm1:"+RedactedText)
}

// SanitizeStatement truncates a SQL statement for logging. Bound argument
// values never appear in statements, so only length is a concern.
func SanitizeStatement(stmt string) string {
	return TruncateString(stmt, MaxStatementLogLength)
}

// TruncateString truncates s to maxLen bytes and adds an ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
