package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// OrganizationRepository manages organizations and examiner logins.
type OrganizationRepository interface {
	// NewOrganization inserts org. A duplicate name returns ErrConflict.
	NewOrganization(ctx context.Context, org *models.Organization) (*models.Organization, error)
	GetOrganizations(ctx context.Context) ([]*models.Organization, error)
	GetOrganizationByID(ctx context.Context, id int64) (*models.Organization, error)
	// GetReferenceSetOrganization returns the owner of a reference set.
	GetReferenceSetOrganization(ctx context.Context, referenceSetID int64) (*models.Organization, error)
	UpdateOrganization(ctx context.Context, org *models.Organization) error
	// DeleteOrganization refuses with ErrConflict while a case or reference
	// set still belongs to the organization.
	DeleteOrganization(ctx context.Context, org *models.Organization) error

	// GetOrInsertExaminer returns the examiner with loginName, creating it
	// if needed.
	GetOrInsertExaminer(ctx context.Context, loginName string) (*models.Examiner, error)
}

const selectOrganizationSQL = `SELECT id, org_name, poc_name, poc_email, poc_phone FROM organizations`

func (r *centralRepository) NewOrganization(ctx context.Context, org *models.Organization) (*models.Organization, error) {
	if org == nil || strings.TrimSpace(org.Name) == "" {
		return nil, fmt.Errorf("%w: organization has no name", apperrors.ErrInvalidArgument)
	}
	stored := *org
	err := r.write(ctx, "create organization", func(q sqlpkg.Querier) error {
		id, err := r.dialect.InsertReturningID(ctx, q,
			"INSERT INTO organizations (org_name, poc_name, poc_email, poc_phone) VALUES (?, ?, ?, ?)",
			org.Name, org.PocName, org.PocEmail, org.PocPhone)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("organization %q: %w", org.Name, apperrors.ErrConflict)
			}
			return err
		}
		stored.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *centralRepository) GetOrganizations(ctx context.Context) ([]*models.Organization, error) {
	var orgs []*models.Organization
	err := r.read(ctx, "list organizations", func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx, selectOrganizationSQL+" ORDER BY id")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var org models.Organization
			if err := rows.Scan(&org.ID, &org.Name, &org.PocName, &org.PocEmail, &org.PocPhone); err != nil {
				return fmt.Errorf("failed to scan organization: %w", err)
			}
			orgs = append(orgs, &org)
		}
		return rows.Err()
	})
	return orgs, err
}

func (r *centralRepository) GetOrganizationByID(ctx context.Context, id int64) (*models.Organization, error) {
	var org models.Organization
	err := r.read(ctx, "get organization", func(q sqlpkg.Querier) error {
		return scanOrganization(q.QueryRowContext(ctx, selectOrganizationSQL+" WHERE id = ?", id), &org)
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *centralRepository) GetReferenceSetOrganization(ctx context.Context, referenceSetID int64) (*models.Organization, error) {
	var org models.Organization
	err := r.read(ctx, "get reference set organization", func(q sqlpkg.Querier) error {
		return scanOrganization(q.QueryRowContext(ctx,
			`SELECT organizations.id, org_name, poc_name, poc_email, poc_phone
			FROM organizations JOIN reference_sets ON reference_sets.org_id = organizations.id
			WHERE reference_sets.id = ?`, referenceSetID), &org)
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *centralRepository) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	if org == nil || org.ID <= 0 {
		return fmt.Errorf("%w: organization has not been stored", apperrors.ErrInvalidArgument)
	}
	err := r.write(ctx, "update organization", func(q sqlpkg.Querier) error {
		res, err := q.ExecContext(ctx,
			"UPDATE organizations SET org_name = ?, poc_name = ?, poc_email = ?, poc_phone = ? WHERE id = ?",
			org.Name, org.PocName, org.PocEmail, org.PocPhone, org.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("organization %q: %w", org.Name, apperrors.ErrConflict)
			}
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("organization %d: %w", org.ID, apperrors.ErrNotFound)
		}
		return nil
	})
	// Cached cases embed their organization.
	r.casesByUID.Purge()
	r.casesByID.Purge()
	return err
}

func (r *centralRepository) DeleteOrganization(ctx context.Context, org *models.Organization) error {
	if org == nil || org.ID <= 0 {
		return fmt.Errorf("%w: organization has not been stored", apperrors.ErrInvalidArgument)
	}
	return r.writeTx(ctx, "delete organization", func(q sqlpkg.Querier) error {
		inUse, err := sqlpkg.Exists(ctx, q,
			"SELECT (SELECT count(*) FROM cases WHERE org_id = ?) + (SELECT count(*) FROM reference_sets WHERE org_id = ?)",
			org.ID, org.ID)
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("organization %q is used by a case or reference set: %w", org.Name, apperrors.ErrConflict)
		}
		_, err = q.ExecContext(ctx, "DELETE FROM organizations WHERE id = ?", org.ID)
		return err
	})
}

func (r *centralRepository) GetOrInsertExaminer(ctx context.Context, loginName string) (*models.Examiner, error) {
	loginName = strings.TrimSpace(loginName)
	if loginName == "" {
		return nil, fmt.Errorf("%w: examiner login name is empty", apperrors.ErrInvalidArgument)
	}
	examiner := models.Examiner{LoginName: loginName}
	err := r.write(ctx, "get or insert examiner", func(q sqlpkg.Querier) error {
		if _, err := q.ExecContext(ctx, r.dialect.InsertIgnore("examiners", "login_name", "?"), loginName); err != nil {
			return err
		}
		return q.QueryRowContext(ctx, "SELECT id FROM examiners WHERE login_name = ?", loginName).Scan(&examiner.ID)
	})
	if err != nil {
		return nil, err
	}
	return &examiner, nil
}

func scanOrganization(row *sql.Row, org *models.Organization) error {
	err := row.Scan(&org.ID, &org.Name, &org.PocName, &org.PocEmail, &org.PocPhone)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("organization: %w", apperrors.ErrNotFound)
	}
	return err
}
