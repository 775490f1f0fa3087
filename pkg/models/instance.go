package models

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
)

// MaxValueLength is the exclusive upper bound on a stored value.
const MaxValueLength = 256

// AttributeInstance records that a value of some type was seen at a file
// path (or account) in a data source of a case. Value is always the
// normalized form.
type AttributeInstance struct {
	ID           int64            `json:"id"`
	Type         correlation.Type `json:"-"`
	Value        string           `json:"value"`
	Case         Case             `json:"case"`
	DataSource   DataSource       `json:"data_source"`
	FilePath     string           `json:"file_path"`
	Comment      string           `json:"comment,omitempty"`
	KnownStatus  KnownStatus      `json:"known_status"`
	FileObjectID int64            `json:"file_obj_id"`
	AccountID    *int64           `json:"account_id,omitempty"`
}

// NewAttributeInstance normalizes rawValue for t and builds an instance.
// The file path is stored lower-cased.
func NewAttributeInstance(t correlation.Type, rawValue string, c Case, ds DataSource, filePath, comment string, status KnownStatus, fileObjectID int64) (*AttributeInstance, error) {
	value, err := correlation.NormalizeType(t, rawValue)
	if err != nil {
		return nil, err
	}
	return &AttributeInstance{
		Type:         t,
		Value:        value,
		Case:         c,
		DataSource:   ds,
		FilePath:     strings.ToLower(strings.TrimSpace(filePath)),
		Comment:      comment,
		KnownStatus:  status,
		FileObjectID: fileObjectID,
	}, nil
}

// Validate checks the invariants that must hold before an instance is
// written.
func (a *AttributeInstance) Validate() error {
	if a.Case.ID == 0 && a.Case.CaseUID == "" {
		return fmt.Errorf("%w: instance has no case", apperrors.ErrInvalidArgument)
	}
	if a.DataSource.ID == 0 && a.DataSource.ObjectID == 0 && a.DataSource.DeviceID == "" {
		return fmt.Errorf("%w: instance has no data source", apperrors.ErrInvalidArgument)
	}
	if a.Value == "" {
		return apperrors.NewNormalizationError(apperrors.ErrNullOrEmptyInput, a.Type.ID, "", "")
	}
	if len(a.Value) >= MaxValueLength {
		return fmt.Errorf("%w: value for %s is %d characters, limit is %d", apperrors.ErrInvalidArgument, a.Type.DisplayName, len(a.Value), MaxValueLength-1)
	}
	if _, err := ParseKnownStatus(int(a.KnownStatus)); err != nil {
		return err
	}
	if a.AccountID != nil && !a.Type.HasAccount() {
		return fmt.Errorf("%w: %s instances cannot reference an account", apperrors.ErrInvalidArgument, a.Type.DisplayName)
	}
	return nil
}

// ReferenceSet is a curated collection of values for one correlation type.
type ReferenceSet struct {
	ID          int64            `json:"id"`
	OrgID       int64            `json:"org_id"`
	Name        string           `json:"set_name"`
	Version     string           `json:"version"`
	KnownStatus ReferenceStatus  `json:"known_status"`
	ReadOnly    bool             `json:"read_only"`
	Type        correlation.Type `json:"-"`
	ImportDate  string           `json:"import_date"`
}

// ImportDateLayout is the stored format of ReferenceSet.ImportDate.
const ImportDateLayout = "2006-01-02"

// ReferenceInstance is one row of a reference set.
type ReferenceInstance struct {
	ID             int64           `json:"id"`
	ReferenceSetID int64           `json:"reference_set_id"`
	Value          string          `json:"value"`
	KnownStatus    ReferenceStatus `json:"known_status"`
	Comment        string          `json:"comment,omitempty"`
}

// NewReferenceInstance normalizes rawValue for t.
func NewReferenceInstance(t correlation.Type, setID int64, rawValue string, status ReferenceStatus, comment string) (*ReferenceInstance, error) {
	value, err := correlation.NormalizeType(t, rawValue)
	if err != nil {
		return nil, err
	}
	return &ReferenceInstance{
		ReferenceSetID: setID,
		Value:          value,
		KnownStatus:    status,
		Comment:        comment,
	}, nil
}

// HashHit is the result of a hash lookup against reference sets.
type HashHit struct {
	Hash        string          `json:"hash"`
	KnownStatus ReferenceStatus `json:"known_status"`
	Comments    []string        `json:"comments,omitempty"`
}
