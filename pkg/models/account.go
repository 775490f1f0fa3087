package models

// AccountType wraps an external account kind and the correlation type its
// identifiers are stored under.
type AccountType struct {
	ID                int64  `json:"id"`
	TypeName          string `json:"type_name"`
	DisplayName       string `json:"display_name"`
	CorrelationTypeID int    `json:"correlation_type_id"`
}

// Account is unique by (type, UniqueID).
type Account struct {
	ID       int64       `json:"id"`
	Type     AccountType `json:"account_type"`
	UniqueID string      `json:"account_unique_identifier"`
}
