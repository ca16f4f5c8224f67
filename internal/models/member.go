package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MemberKind distinguishes students from partner members.
type MemberKind string

const (
	MemberKindStudent MemberKind = "STUDENT"
	MemberKindPartner MemberKind = "PARTNER"
)

// Member is the authoritative identity and benefit record of a student or partner.
type Member struct {
	ID         string     `db:"id" json:"id"`
	SchoolID   string     `db:"school_id" json:"schoolId"`
	Kind       MemberKind `db:"kind" json:"kind"`
	FullName   string     `db:"full_name" json:"fullName"`
	PhotoURL   string     `db:"photo_url" json:"photoUrl"`
	Active     bool       `db:"active" json:"active"`
	Dependents Dependents `db:"dependents" json:"dependents"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

// Dependent is a beneficiary attached to a student record.
type Dependent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Relation  string `json:"relation"`
	BirthDate string `json:"birthDate,omitempty"`
	Document  string `json:"document,omitempty"`
	Active    bool   `json:"active"`
}

// Dependents is persisted as a JSONB array.
type Dependents []Dependent

// Index returns the position of the dependent with id, or -1.
func (d Dependents) Index(id string) int {
	for i := range d {
		if d[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns an independent copy.
func (d Dependents) Clone() Dependents {
	if d == nil {
		return nil
	}
	out := make(Dependents, len(d))
	copy(out, d)
	return out
}

// Value marshals dependents to JSON for persistence.
func (d Dependents) Value() (driver.Value, error) {
	if d == nil {
		d = Dependents{}
	}
	data, err := json.Marshal([]Dependent(d))
	if err != nil {
		return nil, fmt.Errorf("marshal dependents: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSON array of dependents.
func (d *Dependents) Scan(value interface{}) error {
	if value == nil {
		*d = Dependents{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for Dependents", value)
	}
	if len(data) == 0 {
		*d = Dependents{}
		return nil
	}
	var out []Dependent
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal dependents: %w", err)
	}
	*d = out
	return nil
}

// MemberFilter constrains member listings.
type MemberFilter struct {
	SchoolID string
	Kind     MemberKind
	Active   *bool
	Search   string
	Page     int
	PageSize int
}

// BulkAction is the status change applied by a bulk operation.
type BulkAction string

const (
	BulkActivate   BulkAction = "ACTIVATE"
	BulkDeactivate BulkAction = "DEACTIVATE"
)

// Active reports the target active flag for the action.
func (a BulkAction) Active() bool {
	return a == BulkActivate
}

// Valid reports whether a is a known bulk action.
func (a BulkAction) Valid() bool {
	return a == BulkActivate || a == BulkDeactivate
}

// BulkResult summarises a bulk status operation.
type BulkResult struct {
	Action    BulkAction        `json:"action"`
	Attempted int               `json:"attempted"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}
