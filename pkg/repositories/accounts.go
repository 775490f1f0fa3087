package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// AccountRepository manages external accounts. An account's unique id is
// normalized with the rules of its type's correlation type.
type AccountRepository interface {
	// GetOrCreateAccount returns the account (type, uniqueID), creating it
	// on first use.
	GetOrCreateAccount(ctx context.Context, accountType *models.AccountType, uniqueID string) (*models.Account, error)
	GetAccount(ctx context.Context, accountType *models.AccountType, uniqueID string) (*models.Account, error)
	GetAccountTypeByName(ctx context.Context, typeName string) (*models.AccountType, error)
	GetAllAccountTypes(ctx context.Context) ([]*models.AccountType, error)
}

const selectAccountTypeSQL = `SELECT id, type_name, display_name, correlation_type_id FROM account_types`

func accountKey(typeID int64, uniqueID string) string {
	return strconv.FormatInt(typeID, 10) + "/" + uniqueID
}

func normalizeAccountID(accountType *models.AccountType, uniqueID string) (string, error) {
	if accountType == nil || accountType.ID <= 0 {
		return "", fmt.Errorf("%w: account type has not been stored", apperrors.ErrInvalidArgument)
	}
	return correlation.Normalize(accountType.CorrelationTypeID, uniqueID)
}

func (r *centralRepository) GetOrCreateAccount(ctx context.Context, accountType *models.AccountType, uniqueID string) (*models.Account, error) {
	normalized, err := normalizeAccountID(accountType, uniqueID)
	if err != nil {
		return nil, err
	}
	key := accountKey(accountType.ID, normalized)
	if cached, ok := r.accounts.Get(key); ok {
		return &cached, nil
	}

	account := models.Account{Type: *accountType, UniqueID: normalized}
	err = r.write(ctx, "get or create account", func(q sqlpkg.Querier) error {
		if _, err := q.ExecContext(ctx,
			r.dialect.InsertIgnore("accounts", "account_type_id, account_unique_identifier", "?, ?"),
			accountType.ID, normalized); err != nil {
			return err
		}
		return q.QueryRowContext(ctx,
			"SELECT id FROM accounts WHERE account_type_id = ? AND account_unique_identifier = ?",
			accountType.ID, normalized).Scan(&account.ID)
	})
	if err != nil {
		return nil, err
	}
	r.accounts.Add(key, account)
	return &account, nil
}

func (r *centralRepository) GetAccount(ctx context.Context, accountType *models.AccountType, uniqueID string) (*models.Account, error) {
	normalized, err := normalizeAccountID(accountType, uniqueID)
	if err != nil {
		return nil, err
	}
	key := accountKey(accountType.ID, normalized)
	if cached, ok := r.accounts.Get(key); ok {
		return &cached, nil
	}

	account := models.Account{Type: *accountType, UniqueID: normalized}
	err = r.read(ctx, "get account", func(q sqlpkg.Querier) error {
		err := q.QueryRowContext(ctx,
			"SELECT id FROM accounts WHERE account_type_id = ? AND account_unique_identifier = ?",
			accountType.ID, normalized).Scan(&account.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", key, apperrors.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	r.accounts.Add(key, account)
	return &account, nil
}

func (r *centralRepository) GetAccountTypeByName(ctx context.Context, typeName string) (*models.AccountType, error) {
	var at models.AccountType
	err := r.read(ctx, "get account type", func(q sqlpkg.Querier) error {
		err := scanAccountType(q.QueryRowContext(ctx, selectAccountTypeSQL+" WHERE type_name = ?", typeName), &at)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account type %s: %w", typeName, apperrors.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &at, nil
}

func (r *centralRepository) GetAllAccountTypes(ctx context.Context) ([]*models.AccountType, error) {
	var types []*models.AccountType
	err := r.read(ctx, "list account types", func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx, selectAccountTypeSQL+" ORDER BY id")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var at models.AccountType
			if err := scanAccountType(rows, &at); err != nil {
				return err
			}
			types = append(types, &at)
		}
		return rows.Err()
	})
	return types, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccountType(row scanner, at *models.AccountType) error {
	var typeID sql.NullInt64
	if err := row.Scan(&at.ID, &at.TypeName, &at.DisplayName, &typeID); err != nil {
		return err
	}
	at.CorrelationTypeID = int(typeID.Int64)
	return nil
}
