package models

import "fmt"

// Confidence is an examiner's confidence in a persona link.
type Confidence int

const (
	ConfidenceLow      Confidence = 1
	ConfidenceModerate Confidence = 2
	ConfidenceHigh     Confidence = 3
)

// Confidences lists every level with its stored description.
var Confidences = []struct {
	Level       Confidence
	Description string
}{
	{ConfidenceLow, "Low confidence"},
	{ConfidenceModerate, "Moderate confidence"},
	{ConfidenceHigh, "High confidence"},
}

func (c Confidence) Valid() bool { return c >= ConfidenceLow && c <= ConfidenceHigh }

func (c Confidence) String() string {
	for _, v := range Confidences {
		if v.Level == c {
			return v.Description
		}
	}
	return fmt.Sprintf("Confidence(%d)", int(c))
}

// PersonaStatus is the lifecycle state of a persona.
type PersonaStatus int

const (
	PersonaStatusUnknown PersonaStatus = 1
	PersonaStatusActive  PersonaStatus = 2
	PersonaStatusMerged  PersonaStatus = 3
	PersonaStatusSplit   PersonaStatus = 4
	PersonaStatusDeleted PersonaStatus = 5
)

// PersonaStatuses lists every status with its stored description.
var PersonaStatuses = []struct {
	Status      PersonaStatus
	Description string
}{
	{PersonaStatusUnknown, "Unknown"},
	{PersonaStatusActive, "Active"},
	{PersonaStatusMerged, "Merged"},
	{PersonaStatusSplit, "Split"},
	{PersonaStatusDeleted, "Deleted"},
}

func (s PersonaStatus) String() string {
	for _, v := range PersonaStatuses {
		if v.Status == s {
			return v.Description
		}
	}
	return fmt.Sprintf("PersonaStatus(%d)", int(s))
}

// DefaultPersonaName is used when a persona is created without a name.
const DefaultPersonaName = "Unnamed"

// Persona is an examiner-asserted identity. Dates are epoch milliseconds.
type Persona struct {
	ID           int64         `json:"id"`
	UUID         string        `json:"uuid"`
	Name         string        `json:"name"`
	Comment      string        `json:"comment,omitempty"`
	CreatedDate  int64         `json:"created_date"`
	ModifiedDate int64         `json:"modified_date"`
	Status       PersonaStatus `json:"status"`
	Examiner     Examiner      `json:"examiner"`
}

// PersonaAccount links a persona to an account.
type PersonaAccount struct {
	ID            int64      `json:"id"`
	PersonaID     int64      `json:"persona_id"`
	Account       Account    `json:"account"`
	Justification string     `json:"justification,omitempty"`
	Confidence    Confidence `json:"confidence"`
	DateAdded     int64      `json:"date_added"`
	Examiner      Examiner   `json:"examiner"`
}

// PersonaAlias is an alternate name for a persona.
type PersonaAlias struct {
	ID            int64      `json:"id"`
	PersonaID     int64      `json:"persona_id"`
	Alias         string     `json:"alias"`
	Justification string     `json:"justification,omitempty"`
	Confidence    Confidence `json:"confidence"`
	DateAdded     int64      `json:"date_added"`
	Examiner      Examiner   `json:"examiner"`
}

// PersonaMetadata is a free-form name/value attached to a persona.
type PersonaMetadata struct {
	ID            int64      `json:"id"`
	PersonaID     int64      `json:"persona_id"`
	Name          string     `json:"name"`
	Value         string     `json:"value"`
	Justification string     `json:"justification,omitempty"`
	Confidence    Confidence `json:"confidence"`
	DateAdded     int64      `json:"date_added"`
	Examiner      Examiner   `json:"examiner"`
}
