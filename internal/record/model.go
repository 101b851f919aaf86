package record

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidRecordData  = errors.New("invalid patient record data")
	ErrInvalidDateOfBirth = errors.New("invalid date of birth")
	ErrMissingSourceID    = errors.New("missing source system id")
	ErrMissingRecordID    = errors.New("missing record id")
)

type IdentifierType string

const (
	IdentifierSSN       IdentifierType = "SSN"
	IdentifierMRN       IdentifierType = "MRN"
	IdentifierInsurance IdentifierType = "INSURANCE"
)

// Identifier is a typed government or insurance identifier carried by a
// submission. Verified identifiers are never downgraded during survivorship.
type Identifier struct {
	Type     IdentifierType `json:"type" bson:"type"`
	Value    string         `json:"value" bson:"value"`
	Verified bool           `json:"verified" bson:"verified"`
}

type EncounterClass string

const (
	EncounterRoutine   EncounterClass = "ROUTINE"
	EncounterEmergency EncounterClass = "EMERGENCY"
)

// PatientRecord is one demographic submission from a source system. Records
// are immutable once created; corrections arrive as new records with new IDs,
// never as in-place edits.
type PatientRecord struct {
	ID          string        `json:"id" bson:"_id"`
	SourceID    string        `json:"source_id" bson:"source_id"`
	GivenName   string        `json:"given_name" bson:"given_name"`
	FamilyName  string        `json:"family_name" bson:"family_name"`
	DateOfBirth time.Time     `json:"date_of_birth" bson:"date_of_birth"`
	Sex         string        `json:"sex" bson:"sex"`
	// AddressTokens arrive pre-normalized from the source adapters.
	AddressTokens []string     `json:"address_tokens,omitempty" bson:"address_tokens,omitempty"`
	Phone         string       `json:"phone,omitempty" bson:"phone,omitempty"`
	Email         string       `json:"email,omitempty" bson:"email,omitempty"`
	Identifiers   []Identifier `json:"identifiers,omitempty" bson:"identifiers,omitempty"`
	Encounter     EncounterClass `json:"encounter" bson:"encounter"`
	SubmittedAt   time.Time      `json:"submitted_at" bson:"submitted_at"`
}

func (r *PatientRecord) MarshalJSON() ([]byte, error) {
	type Alias PatientRecord
	return json.Marshal(&struct {
		*Alias
		DateOfBirth string `json:"date_of_birth"`
	}{
		Alias:       (*Alias)(r),
		DateOfBirth: r.DateOfBirth.Format("2006-01-02"),
	})
}

func (r *PatientRecord) UnmarshalJSON(data []byte) error {
	type Alias PatientRecord
	aux := &struct {
		*Alias
		DateOfBirth string `json:"date_of_birth"`
	}{Alias: (*Alias)(r)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.DateOfBirth == "" {
		r.DateOfBirth = time.Time{}
		return nil
	}
	// Accept both date-only submissions and full timestamps.
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, aux.DateOfBirth); err == nil {
			r.DateOfBirth = t
			return nil
		}
	}
	return ErrInvalidDateOfBirth
}

// Validate performs basic validation of an incoming submission.
func (r *PatientRecord) Validate() error {
	if r.ID == "" {
		return ErrMissingRecordID
	}
	if r.SourceID == "" {
		return ErrMissingSourceID
	}
	if r.GivenName == "" && r.FamilyName == "" && len(r.Identifiers) == 0 {
		return ErrInvalidRecordData
	}
	if !r.DateOfBirth.IsZero() && r.DateOfBirth.After(time.Now()) {
		return ErrInvalidDateOfBirth
	}
	return nil
}

// Identifier returns the first identifier of the given type, if present.
func (r *PatientRecord) Identifier(t IdentifierType) (Identifier, bool) {
	for _, id := range r.Identifiers {
		if id.Type == t && id.Value != "" {
			return id, true
		}
	}
	return Identifier{}, false
}

// Comparator field names. Comparators and survivorship both address
// demographics through these names, so they must stay in sync with Field.
const (
	FieldGivenName  = "given_name"
	FieldFamilyName = "family_name"
	FieldDOB        = "dob"
	FieldSex        = "sex"
	FieldAddress    = "address"
	FieldPhone      = "phone"
	FieldEmail      = "email"
	FieldSSN        = "ssn"
	FieldMRN        = "mrn"
)

// Field returns the normalized comparator input for a named field and whether
// the field is present on this record. Absent fields contribute nothing to a
// composite score.
func (r *PatientRecord) Field(name string) (string, bool) {
	switch name {
	case FieldGivenName:
		return normalize(r.GivenName), r.GivenName != ""
	case FieldFamilyName:
		return normalize(r.FamilyName), r.FamilyName != ""
	case FieldDOB:
		if r.DateOfBirth.IsZero() {
			return "", false
		}
		return r.DateOfBirth.Format("2006-01-02"), true
	case FieldSex:
		return normalize(r.Sex), r.Sex != ""
	case FieldAddress:
		if len(r.AddressTokens) == 0 {
			return "", false
		}
		return normalize(strings.Join(r.AddressTokens, " ")), true
	case FieldPhone:
		return digitsOnly(r.Phone), r.Phone != ""
	case FieldEmail:
		return normalize(r.Email), r.Email != ""
	case FieldSSN:
		id, ok := r.Identifier(IdentifierSSN)
		return digitsOnly(id.Value), ok
	case FieldMRN:
		id, ok := r.Identifier(IdentifierMRN)
		return normalize(id.Value), ok
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
