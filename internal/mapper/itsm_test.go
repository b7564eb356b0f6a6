package mapper

import (
	"encoding/json"
	"testing"

	"idmirror/internal/domain"
)

func TestMapApplication(t *testing.T) {
	raw := `{
	  "sys_id": "abc123",
	  "number": "APM0001",
	  "name": "Payroll",
	  "short_description": "Pays people",
	  "operational_status": 1,
	  "install_status": "1",
	  "version": null,
	  "vendor": {"link": "https://sn/api/now/table/core_company/v1", "value": "v1"},
	  "company": "plain-company",
	  "owned_by": {"link": "https://sn/api/now/table/sys_user/u1", "value": "u1"},
	  "it_application_owner": "",
	  "sys_created_on": "2024-01-01 00:00:00",
	  "unrelated": true
	}`
	app, err := MapApplication(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	want := domain.Application{
		SysID:             "abc123",
		Number:            "APM0001",
		Name:              "Payroll",
		ShortDescription:  "Pays people",
		OperationalStatus: "1",
		InstallStatus:     "1",
		Vendor:            "v1",
		Company:           "plain-company",
		BusinessOwner:     "u1",
		CreatedOn:         "2024-01-01 00:00:00",
	}
	if app != want {
		t.Fatalf("got %+v\nwant %+v", app, want)
	}
	if app.StableKey() != "APM0001" {
		t.Fatalf("key = %q", app.StableKey())
	}
}

func TestMapApplication_Failures(t *testing.T) {
	tests := map[string]string{
		"missing number":    `{"sys_id":"x"}`,
		"empty number":      `{"number":""}`,
		"object in scalar":  `{"number":"A1","name":{"value":"x"}}`,
		"array value":       `{"number":"A1","vendor":[1]}`,
		"not an object":     `[]`,
		"link value nested": `{"number":"A1","vendor":{"value":{"x":1}}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := MapApplication(json.RawMessage(raw)); domain.CodeOf(err) != domain.CodeMappingFailed {
				t.Fatalf("expected mapping error, got %v", err)
			}
		})
	}
}

func TestMapUser(t *testing.T) {
	raw := `{"sys_id":"s1","employee_number":"E100","user_name":"ada","first_name":"Ada","last_name":"Lovelace",
	  "email":"ada@example.com","active":true,"department":{"link":"l","value":"d1"},"manager":{"link":"l","value":"m1"}}`
	u, err := MapUser(json.RawMessage(raw))
	if err != nil {
		t.Fatal(err)
	}
	if u.StableKey() != "E100" || u.Active != "true" || u.Department != "d1" || u.Manager != "m1" {
		t.Fatalf("user = %+v", u)
	}
}

func TestMapUser_KeyFallback(t *testing.T) {
	u, err := MapUser(json.RawMessage(`{"sys_id":"s9","employee_number":""}`))
	if err != nil {
		t.Fatal(err)
	}
	if u.StableKey() != "s9" {
		t.Fatalf("expected sys_id fallback, got %q", u.StableKey())
	}
	if _, err := MapUser(json.RawMessage(`{"user_name":"nobody"}`)); domain.CodeOf(err) != domain.CodeMappingFailed {
		t.Fatalf("expected mapping error for keyless user, got %v", err)
	}
}

func TestMapUser_Failures(t *testing.T) {
	tests := map[string]string{
		"no key fields":      `{"user_name":"nobody"}`,
		"both keys empty":    `{"sys_id":"","employee_number":""}`,
		"numeric sys_id":     `{"sys_id":7}`,
		"object employee id": `{"sys_id":"s1","employee_number":{"value":"E1"}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := MapUser(json.RawMessage(raw)); domain.CodeOf(err) != domain.CodeMappingFailed {
				t.Fatalf("expected mapping error, got %v", err)
			}
		})
	}
	if u, err := MapUser(json.RawMessage(`{"employee_number":"E7"}`)); err != nil || u.StableKey() != "E7" {
		t.Fatalf("employee number alone should map, got %+v %v", u, err)
	}
}
