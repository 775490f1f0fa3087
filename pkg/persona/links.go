package persona

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
)

const selectPersonaAccountSQL = `SELECT pa.id, pa.persona_id, pa.justification, pa.confidence_id, pa.date_added,
	e.id, e.login_name,
	a.id, a.account_unique_identifier, t.id, t.type_name, t.display_name, t.correlation_type_id
	FROM persona_accounts pa
	JOIN accounts a ON pa.account_id = a.id
	JOIN account_types t ON a.account_type_id = t.id
	JOIN examiners e ON pa.examiner_id = e.id`

func checkConfidence(c models.Confidence) error {
	if !c.Valid() {
		return fmt.Errorf("%w: confidence %d", apperrors.ErrInvalidArgument, c)
	}
	return nil
}

func checkLink(account *models.Account, confidence models.Confidence) error {
	if account == nil || account.ID <= 0 {
		return fmt.Errorf("%w: account has not been stored", apperrors.ErrInvalidArgument)
	}
	return checkConfidence(confidence)
}

func (s *service) AddAccount(ctx context.Context, p *models.Persona, account *models.Account, justification string, confidence models.Confidence) (*models.PersonaAccount, error) {
	if err := checkPersona(p); err != nil {
		return nil, err
	}
	if err := checkLink(account, confidence); err != nil {
		return nil, err
	}
	examiner, err := s.currentExaminer(ctx)
	if err != nil {
		return nil, err
	}
	pa := &models.PersonaAccount{
		PersonaID:     p.ID,
		Account:       *account,
		Justification: justification,
		Confidence:    confidence,
		DateAdded:     s.timestamp(),
		Examiner:      *examiner,
	}
	pa.ID, err = s.repo.InsertReturningID(ctx,
		"INSERT INTO persona_accounts (persona_id, account_id, justification, confidence_id, date_added, examiner_id) VALUES (?, ?, ?, ?, ?, ?)",
		pa.PersonaID, account.ID, pa.Justification, int(pa.Confidence), pa.DateAdded, examiner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to link account to persona: %w", err)
	}
	s.logger.Debug("Linked account to persona",
		zap.Int64("persona_id", p.ID),
		zap.Int64("account_id", account.ID),
		zap.Stringer("confidence", confidence))
	return pa, nil
}

func (s *service) RemoveAccount(ctx context.Context, pa *models.PersonaAccount) error {
	if pa == nil || pa.ID <= 0 {
		return fmt.Errorf("%w: persona account has not been stored", apperrors.ErrInvalidArgument)
	}
	return s.deleteRow(ctx, "persona_accounts", pa.ID)
}

func (s *service) ModifyAccount(ctx context.Context, pa *models.PersonaAccount, confidence models.Confidence, justification string) error {
	if pa == nil || pa.ID <= 0 {
		return fmt.Errorf("%w: persona account has not been stored", apperrors.ErrInvalidArgument)
	}
	if err := checkConfidence(confidence); err != nil {
		return err
	}
	n, err := s.repo.ExecuteCommand(ctx,
		"UPDATE persona_accounts SET confidence_id = ?, justification = ? WHERE id = ?",
		int(confidence), justification, pa.ID)
	if err != nil {
		return fmt.Errorf("failed to modify persona account: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("persona account %d: %w", pa.ID, apperrors.ErrNotFound)
	}
	pa.Confidence = confidence
	pa.Justification = justification
	return nil
}

func (s *service) GetPersonaAccounts(ctx context.Context, p *models.Persona) ([]*models.PersonaAccount, error) {
	if err := checkPersona(p); err != nil {
		return nil, err
	}
	return s.queryPersonaAccounts(ctx, selectPersonaAccountSQL+" WHERE pa.persona_id = ? ORDER BY pa.id", p.ID)
}

func (s *service) GetAccountPersonas(ctx context.Context, account *models.Account) ([]*models.PersonaAccount, error) {
	if account == nil || account.ID <= 0 {
		return nil, fmt.Errorf("%w: account has not been stored", apperrors.ErrInvalidArgument)
	}
	return s.queryPersonaAccounts(ctx, selectPersonaAccountSQL+" WHERE pa.account_id = ? ORDER BY pa.id", account.ID)
}

func (s *service) queryPersonaAccounts(ctx context.Context, query string, args ...any) ([]*models.PersonaAccount, error) {
	var links []*models.PersonaAccount
	err := s.repo.ExecuteQuery(ctx, query, args, func(rows *sql.Rows) error {
		var (
			pa         models.PersonaAccount
			confidence int
			typeID     sql.NullInt64
		)
		if err := rows.Scan(&pa.ID, &pa.PersonaID, &pa.Justification, &confidence, &pa.DateAdded,
			&pa.Examiner.ID, &pa.Examiner.LoginName,
			&pa.Account.ID, &pa.Account.UniqueID,
			&pa.Account.Type.ID, &pa.Account.Type.TypeName, &pa.Account.Type.DisplayName, &typeID); err != nil {
			return fmt.Errorf("failed to scan persona account: %w", err)
		}
		pa.Confidence = models.Confidence(confidence)
		pa.Account.Type.CorrelationTypeID = int(typeID.Int64)
		links = append(links, &pa)
		return nil
	})
	return links, err
}

func (s *service) AddAlias(ctx context.Context, p *models.Persona, alias, justification string, confidence models.Confidence) (*models.PersonaAlias, error) {
	if err := checkPersona(p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(alias) == "" {
		return nil, fmt.Errorf("%w: alias is empty", apperrors.ErrInvalidArgument)
	}
	if err := checkConfidence(confidence); err != nil {
		return nil, err
	}
	examiner, err := s.currentExaminer(ctx)
	if err != nil {
		return nil, err
	}
	a := &models.PersonaAlias{
		PersonaID:     p.ID,
		Alias:         alias,
		Justification: justification,
		Confidence:    confidence,
		DateAdded:     s.timestamp(),
		Examiner:      *examiner,
	}
	a.ID, err = s.repo.InsertReturningID(ctx,
		"INSERT INTO persona_alias (persona_id, alias, justification, confidence_id, date_added, examiner_id) VALUES (?, ?, ?, ?, ?, ?)",
		a.PersonaID, a.Alias, a.Justification, int(a.Confidence), a.DateAdded, examiner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to add persona alias: %w", err)
	}
	return a, nil
}

func (s *service) RemoveAlias(ctx context.Context, a *models.PersonaAlias) error {
	if a == nil || a.ID <= 0 {
		return fmt.Errorf("%w: alias has not been stored", apperrors.ErrInvalidArgument)
	}
	return s.deleteRow(ctx, "persona_alias", a.ID)
}

func (s *service) GetAliases(ctx context.Context, p *models.Persona) ([]*models.PersonaAlias, error) {
	if err := checkPersona(p); err != nil {
		return nil, err
	}
	var aliases []*models.PersonaAlias
	err := s.repo.ExecuteQuery(ctx,
		`SELECT pa.id, pa.persona_id, pa.alias, pa.justification, pa.confidence_id, pa.date_added, e.id, e.login_name
		FROM persona_alias pa JOIN examiners e ON pa.examiner_id = e.id
		WHERE pa.persona_id = ? ORDER BY pa.id`,
		[]any{p.ID}, func(rows *sql.Rows) error {
			var (
				a          models.PersonaAlias
				confidence int
			)
			if err := rows.Scan(&a.ID, &a.PersonaID, &a.Alias, &a.Justification, &confidence, &a.DateAdded,
				&a.Examiner.ID, &a.Examiner.LoginName); err != nil {
				return fmt.Errorf("failed to scan persona alias: %w", err)
			}
			a.Confidence = models.Confidence(confidence)
			aliases = append(aliases, &a)
			return nil
		})
	return aliases, err
}

func (s *service) AddMetadata(ctx context.Context, p *models.Persona, name, value, justification string, confidence models.Confidence) (*models.PersonaMetadata, error) {
	if err := checkPersona(p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: metadata name is empty", apperrors.ErrInvalidArgument)
	}
	if err := checkConfidence(confidence); err != nil {
		return nil, err
	}
	examiner, err := s.currentExaminer(ctx)
	if err != nil {
		return nil, err
	}
	m := &models.PersonaMetadata{
		PersonaID:     p.ID,
		Name:          name,
		Value:         value,
		Justification: justification,
		Confidence:    confidence,
		DateAdded:     s.timestamp(),
		Examiner:      *examiner,
	}
	m.ID, err = s.repo.InsertReturningID(ctx,
		"INSERT INTO persona_metadata (persona_id, name, value, justification, confidence_id, date_added, examiner_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.PersonaID, m.Name, m.Value, m.Justification, int(m.Confidence), m.DateAdded, examiner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to add persona metadata %q: %w", name, err)
	}
	return m, nil
}

func (s *service) RemoveMetadata(ctx context.Context, m *models.PersonaMetadata) error {
	if m == nil || m.ID <= 0 {
		return fmt.Errorf("%w: metadata has not been stored", apperrors.ErrInvalidArgument)
	}
	return s.deleteRow(ctx, "persona_metadata", m.ID)
}

func (s *service) GetMetadata(ctx context.Context, p *models.Persona) ([]*models.PersonaMetadata, error) {
	if err := checkPersona(p); err != nil {
		return nil, err
	}
	var metadata []*models.PersonaMetadata
	err := s.repo.ExecuteQuery(ctx,
		`SELECT pm.id, pm.persona_id, pm.name, pm.value, pm.justification, pm.confidence_id, pm.date_added, e.id, e.login_name
		FROM persona_metadata pm JOIN examiners e ON pm.examiner_id = e.id
		WHERE pm.persona_id = ? ORDER BY pm.name`,
		[]any{p.ID}, func(rows *sql.Rows) error {
			var (
				m          models.PersonaMetadata
				confidence int
			)
			if err := rows.Scan(&m.ID, &m.PersonaID, &m.Name, &m.Value, &m.Justification, &confidence, &m.DateAdded,
				&m.Examiner.ID, &m.Examiner.LoginName); err != nil {
				return fmt.Errorf("failed to scan persona metadata: %w", err)
			}
			m.Confidence = models.Confidence(confidence)
			metadata = append(metadata, &m)
			return nil
		})
	return metadata, err
}

// deleteRow removes one row by id. table is always a literal from this
// package.
func (s *service) deleteRow(ctx context.Context, table string, id int64) error {
	n, err := s.repo.ExecuteCommand(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("%s row %d: %w", table, id, apperrors.ErrNotFound)
	}
	return nil
}
