package schema

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// InsertDefaultContent seeds a new repository. Every insert ignores rows
// that already exist so it is safe to replay.
func InsertDefaultContent(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect, types []correlation.Type) error {
	if err := InsertCorrelationTypes(ctx, q, d, types); err != nil {
		return err
	}
	if err := InsertDefaultOrganization(ctx, q, d); err != nil {
		return err
	}
	if err := InsertDefaultAccountTypes(ctx, q, d); err != nil {
		return err
	}
	return InsertDefaultPersonaContent(ctx, q, d)
}

// InsertCorrelationTypes registers types under their fixed ids.
func InsertCorrelationTypes(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect, types []correlation.Type) error {
	stmt := d.InsertIgnore("correlation_types", "id, display_name, db_table_name, supported, enabled", "?, ?, ?, ?, ?")
	bq := sqlpkg.Bind(q, d)
	for _, t := range types {
		if _, err := bq.ExecContext(ctx, stmt, t.ID, t.DisplayName, t.Table.String(), boolInt(t.Supported), boolInt(t.Enabled)); err != nil {
			return fmt.Errorf("failed to register correlation type %s: %w", t, err)
		}
	}
	return nil
}

func InsertDefaultOrganization(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect) error {
	_, err := sqlpkg.Bind(q, d).ExecContext(ctx,
		d.InsertIgnore("organizations", "org_name, poc_name, poc_email, poc_phone", "?, ?, ?, ?"),
		models.DefaultOrganizationName, "", "", "")
	if err != nil {
		return fmt.Errorf("failed to insert default organization: %w", err)
	}
	return nil
}

// InsertDefaultAccountTypes registers every predefined account kind except
// devices, each mapped to the correlation type its identifiers use.
func InsertDefaultAccountTypes(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect) error {
	stmt := d.InsertIgnore("account_types", "type_name, display_name, correlation_type_id", "?, ?, ?")
	bq := sqlpkg.Bind(q, d)
	for _, kind := range correlation.PredefinedAccountKinds {
		typeID, ok := correlation.CorrelationTypeIDForAccountKind(kind.TypeName)
		if !ok {
			continue
		}
		if _, err := bq.ExecContext(ctx, stmt, kind.TypeName, kind.DisplayName, typeID); err != nil {
			return fmt.Errorf("failed to insert account type %s: %w", kind.TypeName, err)
		}
	}
	return nil
}

// InsertDefaultPersonaContent seeds the confidence and persona_status
// lookup tables.
func InsertDefaultPersonaContent(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect) error {
	bq := sqlpkg.Bind(q, d)
	confidence := d.InsertIgnore("confidence", "confidence_id, description", "?, ?")
	for _, c := range models.Confidences {
		if _, err := bq.ExecContext(ctx, confidence, int(c.Level), c.Description); err != nil {
			return fmt.Errorf("failed to insert confidence %d: %w", c.Level, err)
		}
	}
	status := d.InsertIgnore("persona_status", "status_id, status", "?, ?")
	for _, s := range models.PersonaStatuses {
		if _, err := bq.ExecContext(ctx, status, int(s.Status), s.Description); err != nil {
			return fmt.Errorf("failed to insert persona status %d: %w", s.Status, err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
