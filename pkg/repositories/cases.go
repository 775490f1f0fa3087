package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// CaseRepository manages cases. Cases are keyed by their globally unique
// case_uid.
type CaseRepository interface {
	// NewCase inserts c unless its case_uid exists and returns the stored row.
	NewCase(ctx context.Context, c *models.Case) (*models.Case, error)
	GetCaseByUUID(ctx context.Context, caseUID string) (*models.Case, error)
	GetCaseByID(ctx context.Context, id int64) (*models.Case, error)
	GetCases(ctx context.Context) ([]*models.Case, error)
	// UpdateCase replaces every mutable column of the case with c.CaseUID.
	UpdateCase(ctx context.Context, c *models.Case) error
	// BulkInsertCases inserts every case in one transaction, skipping
	// existing case_uids.
	BulkInsertCases(ctx context.Context, cases []*models.Case) error
}

const caseColumns = "case_uid, org_id, case_name, creation_date, case_number, examiner_name, examiner_email, examiner_phone, notes"

const selectCaseSQL = `SELECT cases.id, cases.case_uid, cases.case_name, cases.creation_date, cases.case_number,
	cases.examiner_name, cases.examiner_email, cases.examiner_phone, cases.notes,
	organizations.id, organizations.org_name, organizations.poc_name, organizations.poc_email, organizations.poc_phone
	FROM cases LEFT JOIN organizations ON cases.org_id = organizations.id`

func validateCase(c *models.Case) error {
	if c == nil || strings.TrimSpace(c.CaseUID) == "" {
		return fmt.Errorf("%w: case has no uid", apperrors.ErrInvalidArgument)
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return fmt.Errorf("%w: case %s has no name", apperrors.ErrInvalidArgument, c.CaseUID)
	}
	return nil
}

func caseArgs(c *models.Case) []any {
	return []any{
		c.CaseUID, c.OrgID(), c.DisplayName, c.CreationDate, nullString(c.CaseNumber),
		nullString(c.ExaminerName), nullString(c.ExaminerEmail), nullString(c.ExaminerPhone), nullString(c.Notes),
	}
}

func (r *centralRepository) insertCase(ctx context.Context, q sqlpkg.Querier, c *models.Case) error {
	if c.CreationDate == "" {
		c.CreationDate = time.Now().Format(models.CreationDateLayout)
	}
	_, err := q.ExecContext(ctx, r.dialect.InsertIgnore("cases", caseColumns, placeholders(9)), caseArgs(c)...)
	if err != nil {
		return fmt.Errorf("failed to insert case %s: %w", c.CaseUID, err)
	}
	return nil
}

func (r *centralRepository) NewCase(ctx context.Context, c *models.Case) (*models.Case, error) {
	if err := validateCase(c); err != nil {
		return nil, err
	}
	if cached, ok := r.casesByUID.Get(c.CaseUID); ok {
		return &cached, nil
	}

	var stored *models.Case
	err := r.write(ctx, "create case", func(q sqlpkg.Querier) error {
		if err := r.insertCase(ctx, q, c); err != nil {
			return err
		}
		var err error
		stored, err = r.caseWhere(ctx, q, "cases.case_uid = ?", c.CaseUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.cacheCase(*stored)
	return stored, nil
}

func (r *centralRepository) GetCaseByUUID(ctx context.Context, caseUID string) (*models.Case, error) {
	if cached, ok := r.casesByUID.Get(caseUID); ok {
		return &cached, nil
	}
	var c *models.Case
	err := r.read(ctx, "get case", func(q sqlpkg.Querier) error {
		var err error
		c, err = r.caseWhere(ctx, q, "cases.case_uid = ?", caseUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.cacheCase(*c)
	return c, nil
}

func (r *centralRepository) GetCaseByID(ctx context.Context, id int64) (*models.Case, error) {
	if cached, ok := r.casesByID.Get(id); ok {
		return &cached, nil
	}
	var c *models.Case
	err := r.read(ctx, "get case", func(q sqlpkg.Querier) error {
		var err error
		c, err = r.caseWhere(ctx, q, "cases.id = ?", id)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.cacheCase(*c)
	return c, nil
}

func (r *centralRepository) GetCases(ctx context.Context) ([]*models.Case, error) {
	var cases []*models.Case
	err := r.read(ctx, "list cases", func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx, selectCaseSQL+" ORDER BY cases.id")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanCase(rows)
			if err != nil {
				return err
			}
			cases = append(cases, c)
		}
		return rows.Err()
	})
	return cases, err
}

func (r *centralRepository) UpdateCase(ctx context.Context, c *models.Case) error {
	if err := validateCase(c); err != nil {
		return err
	}
	err := r.write(ctx, "update case", func(q sqlpkg.Querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE cases SET org_id = ?, case_name = ?, creation_date = ?, case_number = ?,
			examiner_name = ?, examiner_email = ?, examiner_phone = ?, notes = ? WHERE case_uid = ?`,
			c.OrgID(), c.DisplayName, c.CreationDate, nullString(c.CaseNumber),
			nullString(c.ExaminerName), nullString(c.ExaminerEmail), nullString(c.ExaminerPhone), nullString(c.Notes),
			c.CaseUID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("case %s: %w", c.CaseUID, apperrors.ErrNotFound)
		}
		return nil
	})
	r.evictCase(c)
	return err
}

func (r *centralRepository) BulkInsertCases(ctx context.Context, cases []*models.Case) error {
	for _, c := range cases {
		if err := validateCase(c); err != nil {
			return err
		}
	}
	return r.writeTx(ctx, "bulk insert cases", func(q sqlpkg.Querier) error {
		for _, c := range cases {
			if err := r.insertCase(ctx, q, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// caseWhere returns the single case matching where. where is a literal
// from this file; only args carry values.
func (r *centralRepository) caseWhere(ctx context.Context, q sqlpkg.Querier, where string, args ...any) (*models.Case, error) {
	rows, err := q.QueryContext(ctx, selectCaseSQL+" WHERE "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("case %v: %w", args, apperrors.ErrNotFound)
	}
	return scanCase(rows)
}

// resolveCase fills in c.ID from the stored row when the caller only
// knows the uid.
func (r *centralRepository) resolveCase(ctx context.Context, q sqlpkg.Querier, c *models.Case) error {
	if c.ID > 0 {
		return nil
	}
	if cached, ok := r.casesByUID.Get(c.CaseUID); ok {
		*c = cached
		return nil
	}
	stored, err := r.caseWhere(ctx, q, "cases.case_uid = ?", c.CaseUID)
	if err != nil {
		return err
	}
	*c = *stored
	r.cacheCase(*stored)
	return nil
}

func (r *centralRepository) cacheCase(c models.Case) {
	r.casesByUID.Add(c.CaseUID, c)
	r.casesByID.Add(c.ID, c)
}

func (r *centralRepository) evictCase(c *models.Case) {
	if cached, ok := r.casesByUID.Peek(c.CaseUID); ok {
		r.casesByID.Remove(cached.ID)
	}
	r.casesByUID.Remove(c.CaseUID)
	if c.ID > 0 {
		r.casesByID.Remove(c.ID)
	}
}

func scanCase(rows *sql.Rows) (*models.Case, error) {
	var (
		c                                    models.Case
		number, exName, exEmail, exPhone, nt sql.NullString
		orgID                                sql.NullInt64
		orgName, pocName, pocEmail, pocPhone sql.NullString
	)
	if err := rows.Scan(&c.ID, &c.CaseUID, &c.DisplayName, &c.CreationDate, &number,
		&exName, &exEmail, &exPhone, &nt,
		&orgID, &orgName, &pocName, &pocEmail, &pocPhone); err != nil {
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}
	c.CaseNumber = number.String
	c.ExaminerName = exName.String
	c.ExaminerEmail = exEmail.String
	c.ExaminerPhone = exPhone.String
	c.Notes = nt.String
	if orgID.Valid {
		c.Org = &models.Organization{
			ID:       orgID.Int64,
			Name:     orgName.String,
			PocName:  pocName.String,
			PocEmail: pocEmail.String,
			PocPhone: pocPhone.String,
		}
	}
	return &c, nil
}

// errIsNotFound is shared by get-or-create paths.
func errIsNotFound(err error) bool { return errors.Is(err, apperrors.ErrNotFound) }
