package sql

import (
	"errors"
	"testing"
)

func TestValidateAndNormalize_ValidQueries(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple select without semicolon",
			input:    "SELECT 1",
			expected: "SELECT 1",
		},
		{
			name:     "trailing semicolon and whitespace",
			input:    "SELECT count(*) FROM cases;  ",
			expected: "SELECT count(*) FROM cases",
		},
		{
			name:     "semicolon inside single quoted string",
			input:    "SELECT * FROM cases WHERE case_name = 'a;b'",
			expected: "SELECT * FROM cases WHERE case_name = 'a;b'",
		},
		{
			name:     "semicolon inside double quoted identifier",
			input:    `SELECT * FROM "odd;name"`,
			expected: `SELECT * FROM "odd;name"`,
		},
		{
			name:     "SQL standard escaped single quote",
			input:    "SELECT * FROM examiners WHERE login_name = 'O''Brien';",
			expected: "SELECT * FROM examiners WHERE login_name = 'O''Brien'",
		},
		{
			name:     "literal ending in a backslash",
			input:    `SELECT * FROM file_instances WHERE file_path LIKE 'c:\' AND value = ?`,
			expected: `SELECT * FROM file_instances WHERE file_path LIKE 'c:\' AND value = ?`,
		},
		{
			name:     "semicolon inside comments",
			input:    "SELECT 1 /* a; b */ -- c; d",
			expected: "SELECT 1 /* a; b */ -- c; d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAndNormalize(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestValidateAndNormalize_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty", input: "", wantErr: ErrEmptyStatement},
		{name: "only semicolon", input: " ; ", wantErr: ErrEmptyStatement},
		{name: "two statements", input: "SELECT 1; DROP TABLE cases", wantErr: ErrMultipleStatements},
		{name: "stacked after literal", input: "SELECT 'x'; SELECT 2;", wantErr: ErrMultipleStatements},
		{name: "backslash does not escape a quote", input: `UPDATE organizations SET poc_name = 'x\' WHERE id = ?; DELETE FROM organizations`, wantErr: ErrMultipleStatements},
		{name: "quote inside line comment", input: "SELECT 1 -- '\n; DROP TABLE cases; SELECT '", wantErr: ErrMultipleStatements},
		{name: "quote inside block comment", input: "SELECT 1 /* ' */; DROP TABLE cases; SELECT '", wantErr: ErrMultipleStatements},
		{name: "quote inside bracket identifier", input: "SELECT [x'] ; DROP TABLE cases; SELECT [']", wantErr: ErrMultipleStatements},
		{name: "quote inside backtick identifier", input: "SELECT `x'` ; DROP TABLE cases; SELECT `'`", wantErr: ErrMultipleStatements},
		{name: "quote inside dollar quote", input: "SELECT $$'$$; DROP TABLE cases; SELECT ''", wantErr: ErrMultipleStatements},
		{name: "semicolon in a dollar quote", input: "SELECT $tag$a;b$tag$", wantErr: ErrMultipleStatements},
		{name: "escape string hides no separator", input: `SELECT E'a\''; DROP TABLE cases; SELECT '`, wantErr: ErrMultipleStatements},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateAndNormalize(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}
