package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChangePayload is the closed set of request payloads. Each variant carries
// exactly the fields its side effect needs.
type ChangePayload interface {
	ChangeType() ChangeRequestType
	sealed()
}

// AddDependentPayload appends a dependent to the member.
type AddDependentPayload struct {
	Dependent Dependent `json:"dependent"`
}

// DeleteDependentPayload removes the dependent named by the request's DependentID.
type DeleteDependentPayload struct{}

// UpdatePhotoPayload replaces the member photo reference.
type UpdatePhotoPayload struct {
	PhotoURL string `json:"photoUrl"`
}

// UpdateInfoPayload describes a correction performed manually by an administrator.
type UpdateInfoPayload struct {
	Fields      map[string]string `json:"fields,omitempty"`
	Description string            `json:"description,omitempty"`
}

// UpdateDependentPayload replaces the dependent fields keyed by the request's DependentID.
type UpdateDependentPayload struct {
	Old *Dependent `json:"old,omitempty"`
	New Dependent  `json:"new"`
}

func (AddDependentPayload) ChangeType() ChangeRequestType    { return ChangeRequestAddDependent }
func (DeleteDependentPayload) ChangeType() ChangeRequestType { return ChangeRequestDeleteDependent }
func (UpdatePhotoPayload) ChangeType() ChangeRequestType     { return ChangeRequestUpdatePhoto }
func (UpdateInfoPayload) ChangeType() ChangeRequestType      { return ChangeRequestUpdateInfo }
func (UpdateDependentPayload) ChangeType() ChangeRequestType { return ChangeRequestUpdateDependent }

func (AddDependentPayload) sealed()    {}
func (DeleteDependentPayload) sealed() {}
func (UpdatePhotoPayload) sealed()     {}
func (UpdateInfoPayload) sealed()      {}
func (UpdateDependentPayload) sealed() {}

// DecodeChangePayload parses raw JSON into the variant registered for t.
func DecodeChangePayload(t ChangeRequestType, raw json.RawMessage) (ChangePayload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	var (
		payload ChangePayload
		err     error
	)
	switch t {
	case ChangeRequestAddDependent:
		var p AddDependentPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ChangeRequestDeleteDependent:
		var p DeleteDependentPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ChangeRequestUpdatePhoto:
		var p UpdatePhotoPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ChangeRequestUpdateInfo:
		var p UpdateInfoPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ChangeRequestUpdateDependent:
		var p UpdateDependentPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unsupported change request type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return payload, nil
}

// EncodeChangePayload marshals a payload variant for persistence.
func EncodeChangePayload(p ChangePayload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.ChangeType(), err)
	}
	return data, nil
}
