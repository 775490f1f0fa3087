// Package persona manages examiner-asserted identities: personas, the
// accounts linked to them, their aliases and free-form metadata. It is
// built on the repository's raw statement primitives; every value is
// bound as a parameter.
package persona

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/repositories"
)

// Repository is the part of the central repository the persona layer
// uses.
type Repository interface {
	repositories.RawRepository
	GetOrInsertExaminer(ctx context.Context, loginName string) (*models.Examiner, error)
	GetOrCreateAccount(ctx context.Context, accountType *models.AccountType, uniqueID string) (*models.Account, error)
}

// Service is the persona API.
type Service interface {
	// CreatePersona stores a new persona owned by the service's examiner.
	// An empty name is stored as models.DefaultPersonaName.
	CreatePersona(ctx context.Context, name, comment string, status models.PersonaStatus) (*models.Persona, error)
	// CreatePersonaForAccount creates a persona and links account to it.
	CreatePersonaForAccount(ctx context.Context, name, comment string, status models.PersonaStatus,
		account *models.Account, justification string, confidence models.Confidence) (*models.Persona, error)
	GetPersonaByUUID(ctx context.Context, personaUUID string) (*models.Persona, error)
	// GetPersonasByName returns live personas whose name contains substr,
	// ignoring case. LIKE wildcards in substr match literally.
	GetPersonasByName(ctx context.Context, substr string) ([]*models.Persona, error)
	SetName(ctx context.Context, p *models.Persona, name string) error
	SetComment(ctx context.Context, p *models.Persona, comment string) error
	// Delete marks p deleted. The row and its links are kept.
	Delete(ctx context.Context, p *models.Persona) error

	AddAccount(ctx context.Context, p *models.Persona, account *models.Account, justification string, confidence models.Confidence) (*models.PersonaAccount, error)
	RemoveAccount(ctx context.Context, pa *models.PersonaAccount) error
	ModifyAccount(ctx context.Context, pa *models.PersonaAccount, confidence models.Confidence, justification string) error
	GetPersonaAccounts(ctx context.Context, p *models.Persona) ([]*models.PersonaAccount, error)
	// GetAccountPersonas returns every persona link of account.
	GetAccountPersonas(ctx context.Context, account *models.Account) ([]*models.PersonaAccount, error)

	AddAlias(ctx context.Context, p *models.Persona, alias, justification string, confidence models.Confidence) (*models.PersonaAlias, error)
	RemoveAlias(ctx context.Context, a *models.PersonaAlias) error
	GetAliases(ctx context.Context, p *models.Persona) ([]*models.PersonaAlias, error)

	// AddMetadata attaches name=value to p. A persona holds one value per
	// name; adding a second returns apperrors.ErrConflict.
	AddMetadata(ctx context.Context, p *models.Persona, name, value, justification string, confidence models.Confidence) (*models.PersonaMetadata, error)
	RemoveMetadata(ctx context.Context, m *models.PersonaMetadata) error
	GetMetadata(ctx context.Context, p *models.Persona) ([]*models.PersonaMetadata, error)
}

type service struct {
	repo     Repository
	examiner string
	logger   *zap.Logger
	now      func() time.Time
}

var _ Service = (*service)(nil)

// NewService returns a Service that attributes every change to the
// examiner with the given login name.
func NewService(repo Repository, examinerLogin string, logger *zap.Logger) Service {
	return &service{
		repo:     repo,
		examiner: examinerLogin,
		logger:   logger.Named("persona"),
		now:      time.Now,
	}
}

const selectPersonaSQL = `SELECT p.id, p.uuid, p.name, p.comment, p.created_date, p.modified_date, p.status_id, e.id, e.login_name
	FROM personas p JOIN examiners e ON p.examiner_id = e.id`

func (s *service) timestamp() int64 { return s.now().UnixMilli() }

func (s *service) currentExaminer(ctx context.Context) (*models.Examiner, error) {
	return s.repo.GetOrInsertExaminer(ctx, s.examiner)
}

func validStatus(status models.PersonaStatus) bool {
	for _, v := range models.PersonaStatuses {
		if v.Status == status {
			return true
		}
	}
	return false
}

func checkPersona(p *models.Persona) error {
	if p == nil || p.ID <= 0 {
		return fmt.Errorf("%w: persona has not been stored", apperrors.ErrInvalidArgument)
	}
	return nil
}

func (s *service) CreatePersona(ctx context.Context, name, comment string, status models.PersonaStatus) (*models.Persona, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("%w: persona status %d", apperrors.ErrInvalidArgument, status)
	}
	if strings.TrimSpace(name) == "" {
		name = models.DefaultPersonaName
	}
	examiner, err := s.currentExaminer(ctx)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	p := &models.Persona{
		UUID:         uuid.NewString(),
		Name:         name,
		Comment:      comment,
		CreatedDate:  now,
		ModifiedDate: now,
		Status:       status,
		Examiner:     *examiner,
	}
	p.ID, err = s.repo.InsertReturningID(ctx,
		"INSERT INTO personas (uuid, comment, name, created_date, modified_date, status_id, examiner_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
		p.UUID, p.Comment, p.Name, p.CreatedDate, p.ModifiedDate, int(p.Status), examiner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create persona: %w", err)
	}
	s.logger.Info("Created persona", zap.String("uuid", p.UUID), zap.String("examiner", examiner.LoginName))
	return p, nil
}

func (s *service) CreatePersonaForAccount(ctx context.Context, name, comment string, status models.PersonaStatus,
	account *models.Account, justification string, confidence models.Confidence) (*models.Persona, error) {
	if err := checkLink(account, confidence); err != nil {
		return nil, err
	}
	p, err := s.CreatePersona(ctx, name, comment, status)
	if err != nil {
		return nil, err
	}
	if _, err := s.AddAccount(ctx, p, account, justification, confidence); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *service) GetPersonaByUUID(ctx context.Context, personaUUID string) (*models.Persona, error) {
	if _, err := uuid.Parse(personaUUID); err != nil {
		return nil, fmt.Errorf("%w: persona uuid %q", apperrors.ErrInvalidArgument, personaUUID)
	}
	personas, err := s.queryPersonas(ctx, selectPersonaSQL+" WHERE p.uuid = ?", personaUUID)
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("persona %s: %w", personaUUID, apperrors.ErrNotFound)
	}
	return personas[0], nil
}

func (s *service) GetPersonasByName(ctx context.Context, substr string) ([]*models.Persona, error) {
	return s.queryPersonas(ctx,
		selectPersonaSQL+" WHERE p.status_id <> ? AND LOWER(p.name) LIKE LOWER(?) ESCAPE '!' ORDER BY p.id",
		int(models.PersonaStatusDeleted), "%"+escapeLike(substr)+"%")
}

// escapeLike escapes LIKE wildcards with '!'.
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

func (s *service) SetName(ctx context.Context, p *models.Persona, name string) error {
	if err := checkPersona(p); err != nil {
		return err
	}
	return s.updatePersona(ctx, p, "name", name, func() { p.Name = name })
}

func (s *service) SetComment(ctx context.Context, p *models.Persona, comment string) error {
	if err := checkPersona(p); err != nil {
		return err
	}
	return s.updatePersona(ctx, p, "comment", comment, func() { p.Comment = comment })
}

func (s *service) Delete(ctx context.Context, p *models.Persona) error {
	if err := checkPersona(p); err != nil {
		return err
	}
	err := s.updatePersona(ctx, p, "status_id", int(models.PersonaStatusDeleted), func() { p.Status = models.PersonaStatusDeleted })
	if err == nil {
		s.logger.Info("Deleted persona", zap.String("uuid", p.UUID))
	}
	return err
}

// updatePersona sets one column and the modified date. column is always
// a literal from this file.
func (s *service) updatePersona(ctx context.Context, p *models.Persona, column string, value any, apply func()) error {
	now := s.timestamp()
	n, err := s.repo.ExecuteCommand(ctx,
		"UPDATE personas SET "+column+" = ?, modified_date = ? WHERE id = ?", value, now, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update persona %s: %w", column, err)
	}
	if n == 0 {
		return fmt.Errorf("persona %d: %w", p.ID, apperrors.ErrNotFound)
	}
	apply()
	p.ModifiedDate = now
	return nil
}

func (s *service) queryPersonas(ctx context.Context, query string, args ...any) ([]*models.Persona, error) {
	var personas []*models.Persona
	err := s.repo.ExecuteQuery(ctx, query, args, func(rows *sql.Rows) error {
		var (
			p       models.Persona
			comment sql.NullString
			status  int
		)
		if err := rows.Scan(&p.ID, &p.UUID, &p.Name, &comment, &p.CreatedDate, &p.ModifiedDate, &status,
			&p.Examiner.ID, &p.Examiner.LoginName); err != nil {
			return fmt.Errorf("failed to scan persona: %w", err)
		}
		p.Comment = comment.String
		p.Status = models.PersonaStatus(status)
		personas = append(personas, &p)
		return nil
	})
	return personas, err
}
