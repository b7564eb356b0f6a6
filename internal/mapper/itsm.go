package mapper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"idmirror/internal/domain"
)

// field copies one source attribute onto a canonical record. Link fields
// arrive as {"link": ..., "value": ...} pairs and keep only the value.
type field[T any] struct {
	source string
	link   bool
	set    func(*T, string)
}

var applicationFields = []field[domain.Application]{
	{"sys_id", false, func(a *domain.Application, v string) { a.SysID = v }},
	{"number", false, func(a *domain.Application, v string) { a.Number = v }},
	{"name", false, func(a *domain.Application, v string) { a.Name = v }},
	{"short_description", false, func(a *domain.Application, v string) { a.ShortDescription = v }},
	{"operational_status", false, func(a *domain.Application, v string) { a.OperationalStatus = v }},
	{"install_status", false, func(a *domain.Application, v string) { a.InstallStatus = v }},
	{"version", false, func(a *domain.Application, v string) { a.Version = v }},
	{"vendor", true, func(a *domain.Application, v string) { a.Vendor = v }},
	{"company", true, func(a *domain.Application, v string) { a.Company = v }},
	{"owned_by", true, func(a *domain.Application, v string) { a.BusinessOwner = v }},
	{"it_application_owner", true, func(a *domain.Application, v string) { a.ITOwner = v }},
	{"managed_by", true, func(a *domain.Application, v string) { a.ManagedBy = v }},
	{"support_group", true, func(a *domain.Application, v string) { a.SupportGroup = v }},
	{"sys_created_on", false, func(a *domain.Application, v string) { a.CreatedOn = v }},
	{"sys_updated_on", false, func(a *domain.Application, v string) { a.UpdatedOn = v }},
}

var userFields = []field[domain.User]{
	{"sys_id", false, func(u *domain.User, v string) { u.SysID = v }},
	{"employee_number", false, func(u *domain.User, v string) { u.EmployeeID = v }},
	{"user_name", false, func(u *domain.User, v string) { u.UserName = v }},
	{"first_name", false, func(u *domain.User, v string) { u.FirstName = v }},
	{"last_name", false, func(u *domain.User, v string) { u.LastName = v }},
	{"email", false, func(u *domain.User, v string) { u.Email = v }},
	{"title", false, func(u *domain.User, v string) { u.Title = v }},
	{"active", false, func(u *domain.User, v string) { u.Active = v }},
	{"department", true, func(u *domain.User, v string) { u.Department = v }},
	{"manager", true, func(u *domain.User, v string) { u.Manager = v }},
	{"location", true, func(u *domain.User, v string) { u.Location = v }},
	{"company", true, func(u *domain.User, v string) { u.Company = v }},
	{"sys_updated_on", false, func(u *domain.User, v string) { u.UpdatedOn = v }},
}

// MapApplication converts one business application row.
func MapApplication(raw json.RawMessage) (domain.Application, error) {
	var app domain.Application
	if err := mapRecord(ShapeITSMApplication, raw, applicationFields, &app); err != nil {
		return domain.Application{}, err
	}
	if app.Number == "" {
		return domain.Application{}, &domain.MappingError{Shape: ShapeITSMApplication, RecordID: app.SysID, Err: errors.New("missing number")}
	}
	return app, nil
}

// MapUser converts one user row.
func MapUser(raw json.RawMessage) (domain.User, error) {
	var u domain.User
	if err := mapRecord(ShapeITSMUser, raw, userFields, &u); err != nil {
		return domain.User{}, err
	}
	if u.StableKey() == "" {
		return domain.User{}, &domain.MappingError{Shape: ShapeITSMUser, Err: errors.New("missing employee_number and sys_id")}
	}
	return u, nil
}

func mapRecord[T any](shape string, raw json.RawMessage, fields []field[T], dst *T) error {
	if err := validate(shape, raw); err != nil {
		return &domain.MappingError{Shape: shape, RecordID: peekID(raw, "sys_id"), Err: err}
	}
	var row map[string]json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		return &domain.MappingError{Shape: shape, Err: err}
	}
	for _, f := range fields {
		v, ok := row[f.source]
		if !ok {
			continue
		}
		s, err := fieldValue(v, f.link)
		if err != nil {
			return &domain.MappingError{Shape: shape, RecordID: peekID(raw, "sys_id"), Err: fmt.Errorf("%s: %w", f.source, err)}
		}
		f.set(dst, s)
	}
	return nil
}

// fieldValue renders a JSON value as text. Objects are accepted only for link
// fields, which yield their "value" member.
func fieldValue(raw json.RawMessage, link bool) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		if !link {
			return "", errors.New("unexpected object")
		}
		var pair struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &pair); err != nil {
			return "", err
		}
		if len(pair.Value) == 0 {
			return "", nil
		}
		return fieldValue(pair.Value, false)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	case '[':
		return "", errors.New("unexpected array")
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}
