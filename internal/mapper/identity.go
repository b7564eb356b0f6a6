// Package mapper converts raw upstream records into canonical records. Every
// function is pure; failures are returned as *domain.MappingError.
package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"idmirror/internal/domain"
)

// SubjectAttribute is the core SAML attribute holding the subject.
const SubjectAttribute = "SAML_SUBJECT"

// SubjectClaim is always emitted for OIDC clients.
const SubjectClaim = "sub"

type attribute struct {
	Name string `json:"name"`
}

type attributeContract struct {
	CoreAttributes     []attribute `json:"coreAttributes"`
	ExtendedAttributes []attribute `json:"extendedAttributes"`
}

// fulfillment is the {source.type, value} pair behind one contract attribute.
type fulfillment struct {
	Source struct {
		Type string `json:"type"`
	} `json:"source"`
	Value string `json:"value"`
}

type conditionalCriterion struct {
	AttributeName string `json:"attributeName"`
	Condition     string `json:"condition"`
	Value         string `json:"value"`
}

type expressionCriterion struct {
	Expression string `json:"expression"`
}

type adapterMapping struct {
	AttributeContractFulfillment map[string]json.RawMessage `json:"attributeContractFulfillment"`
	IssuanceCriteria             struct {
		ConditionalCriteria []conditionalCriterion `json:"conditionalCriteria"`
		ExpressionCriteria  []expressionCriterion  `json:"expressionCriteria"`
	} `json:"issuanceCriteria"`
}

type samlConnection struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	EntityID         string             `json:"entityId"`
	Active           bool               `json:"active"`
	BaseURL          string             `json:"baseUrl"`
	CreationDate     string             `json:"creationDate"`
	ModificationDate string             `json:"modificationDate"`
	ContactInfo      domain.ContactInfo `json:"contactInfo"`
	SPBrowserSSO     struct {
		SSOServiceEndpoints []struct {
			URL string `json:"url"`
		} `json:"ssoServiceEndpoints"`
		AttributeContract attributeContract `json:"attributeContract"`
		AdapterMappings   []adapterMapping  `json:"adapterMappings"`
	} `json:"spBrowserSso"`
}

func (c *samlConnection) UnmarshalJSON(data []byte) error {
	type plain samlConnection
	aux := struct {
		*plain
		ContactInfo struct {
			Company   string `json:"company"`
			Email     string `json:"email"`
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
			Phone     string `json:"phone"`
		} `json:"contactInfo"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.ContactInfo = domain.ContactInfo(aux.ContactInfo)
	return nil
}

// MapSAML converts one SP connection into a canonical SAML connection.
func MapSAML(raw json.RawMessage) (domain.Connection, error) {
	fail := func(id string, err error) (domain.Connection, error) {
		return domain.Connection{}, &domain.MappingError{Shape: ShapeSAMLConnection, RecordID: id, Err: err}
	}
	if err := validate(ShapeSAMLConnection, raw); err != nil {
		return fail(peekID(raw, "id"), err)
	}
	var src samlConnection
	if err := json.Unmarshal(raw, &src); err != nil {
		return fail(peekID(raw, "id"), err)
	}

	created, err := parseTime(src.CreationDate)
	if err != nil {
		return fail(src.ID, fmt.Errorf("creationDate: %w", err))
	}
	modified, err := parseTime(src.ModificationDate)
	if err != nil {
		return fail(src.ID, fmt.Errorf("modificationDate: %w", err))
	}

	sso := src.SPBrowserSSO
	urls := make([]string, 0, len(sso.SSOServiceEndpoints))
	for _, ep := range sso.SSOServiceEndpoints {
		if ep.URL != "" {
			urls = append(urls, ep.URL)
		}
	}

	names := []string{SubjectAttribute}
	for _, a := range sso.AttributeContract.ExtendedAttributes {
		if a.Name != SubjectAttribute {
			names = append(names, a.Name)
		}
	}
	fulfillments := make([]map[string]json.RawMessage, 0, len(sso.AdapterMappings))
	for _, m := range sso.AdapterMappings {
		fulfillments = append(fulfillments, m.AttributeContractFulfillment)
	}
	claims, err := resolveClaims(names, fulfillments...)
	if err != nil {
		return fail(src.ID, err)
	}

	conn := domain.Connection{
		ExternalID: src.ID,
		Kind:       domain.ConnectionKindSAML,
		Protocol:   domain.ProtocolSAML20,
		Name:       src.Name,
		EntityID:   src.EntityID,
		Active:     src.Active,
		BaseURL:    src.BaseURL,
		SSOURLs:    strings.Join(urls, ","),
		Contact:    src.ContactInfo,
		CreatedAt:  created,
		ModifiedAt: modified,
		Claims:     claims,
	}
	if len(sso.AdapterMappings) > 0 {
		ic := sso.AdapterMappings[0].IssuanceCriteria
		if len(ic.ConditionalCriteria) > 0 {
			cc := ic.ConditionalCriteria[0]
			conn.ConditionalCriteria = strings.TrimSpace(cc.AttributeName + " " + cc.Condition + " " + cc.Value)
		}
		if len(ic.ExpressionCriteria) > 0 {
			conn.ExpressionCriteria = ic.ExpressionCriteria[0].Expression
		}
	}
	conn.BindClaims()
	return conn, nil
}

// resolveClaims looks each name up in the fulfillment dictionaries in order;
// the first dictionary declaring a name wins. Names without fulfillment keep
// an empty value and type.
func resolveClaims(names []string, dicts ...map[string]json.RawMessage) ([]domain.ClaimMapping, error) {
	claims := make([]domain.ClaimMapping, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		claim := domain.ClaimMapping{ClaimName: name}
		for _, d := range dicts {
			raw, ok := d[name]
			if !ok {
				continue
			}
			var f fulfillment
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("fulfillment %q: %w", name, err)
			}
			claim.ClaimValue = f.Value
			claim.ClaimType = f.Source.Type
			break
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

type oidcClient struct {
	ClientID     string   `json:"clientId"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Enabled      bool     `json:"enabled"`
	RedirectURIs []string `json:"redirectUris"`
	OIDCPolicy   struct {
		PolicyGroup struct {
			ID string `json:"id"`
		} `json:"policyGroup"`
	} `json:"oidcPolicy"`
}

type oidcPolicy struct {
	ID                string            `json:"id"`
	AttributeContract attributeContract `json:"attributeContract"`
	AttributeMapping  struct {
		AttributeContractFulfillment map[string]json.RawMessage `json:"attributeContractFulfillment"`
	} `json:"attributeMapping"`
}

// Policy is the claim contract of one OIDC policy.
type Policy struct {
	ID          string
	Attributes  []string
	Fulfillment map[string]json.RawMessage
}

// PolicyIndex maps policy id to its claim contract.
type PolicyIndex map[string]Policy

// IndexPolicies builds the lookup used by MapOIDC. Policies that fail to map
// are reported and left out.
func IndexPolicies(raws []json.RawMessage) (PolicyIndex, []error) {
	idx := make(PolicyIndex, len(raws))
	var errs []error
	for _, raw := range raws {
		if err := validate(ShapeOIDCPolicy, raw); err != nil {
			errs = append(errs, &domain.MappingError{Shape: ShapeOIDCPolicy, RecordID: peekID(raw, "id"), Err: err})
			continue
		}
		var p oidcPolicy
		if err := json.Unmarshal(raw, &p); err != nil {
			errs = append(errs, &domain.MappingError{Shape: ShapeOIDCPolicy, RecordID: peekID(raw, "id"), Err: err})
			continue
		}
		attrs := make([]string, 0, len(p.AttributeContract.ExtendedAttributes))
		for _, a := range p.AttributeContract.ExtendedAttributes {
			attrs = append(attrs, a.Name)
		}
		idx[p.ID] = Policy{ID: p.ID, Attributes: attrs, Fulfillment: p.AttributeMapping.AttributeContractFulfillment}
	}
	return idx, errs
}

// MapOIDC converts one OAuth client into a canonical OIDC connection. The
// claim set is sub plus the extended attributes of the client's policy, or
// of defaultPolicyID when the client names none.
func MapOIDC(raw json.RawMessage, policies PolicyIndex, defaultPolicyID string) (domain.Connection, error) {
	fail := func(id string, err error) (domain.Connection, error) {
		return domain.Connection{}, &domain.MappingError{Shape: ShapeOIDCClient, RecordID: id, Err: err}
	}
	if err := validate(ShapeOIDCClient, raw); err != nil {
		return fail(peekID(raw, "clientId"), err)
	}
	var src oidcClient
	if err := json.Unmarshal(raw, &src); err != nil {
		return fail(peekID(raw, "clientId"), err)
	}

	policyID := src.OIDCPolicy.PolicyGroup.ID
	if policyID == "" {
		policyID = defaultPolicyID
	}
	policy := policies[policyID]

	names := append([]string{SubjectClaim}, policy.Attributes...)
	claims, err := resolveClaims(names, policy.Fulfillment)
	if err != nil {
		return fail(src.ClientID, err)
	}

	conn := domain.Connection{
		ExternalID:   src.ClientID,
		Kind:         domain.ConnectionKindOIDC,
		Protocol:     domain.ProtocolOIDC,
		Name:         src.Name,
		EntityID:     src.ClientID,
		Active:       src.Enabled,
		RedirectURIs: strings.Join(src.RedirectURIs, ","),
		PolicyID:     policyID,
		Owner:        ParseOwner(src.Description),
		Claims:       claims,
	}
	conn.BindClaims()
	return conn, nil
}

// ParseOwner splits a "ticket|business owner|technical owner|APM" description.
// Text without a separator is taken as the owner for the first three fields.
func ParseOwner(description string) domain.OwnerInfo {
	if !strings.Contains(description, "|") {
		d := strings.TrimSpace(description)
		return domain.OwnerInfo{TicketNumber: d, BusinessOwner: d, TechnicalOwner: d}
	}
	var parts [4]string
	for i, p := range strings.SplitN(description, "|", 4) {
		parts[i] = strings.TrimSpace(p)
	}
	return domain.OwnerInfo{
		TicketNumber:   parts[0],
		BusinessOwner:  parts[1],
		TechnicalOwner: parts[2],
		APMNumber:      parts[3],
	}
}

// MergeLegacy projects SAML and OIDC connections into the legacy layout.
// SAML records take precedence when both sources share an id; the clashing
// OIDC record is reported and dropped.
func MergeLegacy(saml, oidc []domain.Connection, defaultCriteria string) ([]domain.Connection, []error) {
	out := make([]domain.Connection, 0, len(saml)+len(oidc))
	seen := make(map[string]bool, len(saml)+len(oidc))
	var errs []error

	for _, s := range saml {
		if seen[s.ExternalID] {
			continue
		}
		seen[s.ExternalID] = true
		l := toLegacy(s)
		switch {
		case s.ExpressionCriteria != "":
			l.IssuanceCriteria = s.ExpressionCriteria
		case s.ConditionalCriteria != "":
			l.IssuanceCriteria = s.ConditionalCriteria
		default:
			l.IssuanceCriteria = defaultCriteria
		}
		out = append(out, l)
	}

	for _, o := range oidc {
		if seen[o.ExternalID] {
			errs = append(errs, &domain.MappingError{
				Shape:    ShapeOIDCClient,
				RecordID: o.ExternalID,
				Err:      errors.New("legacy id already taken by a SAML connection"),
			})
			continue
		}
		seen[o.ExternalID] = true
		l := toLegacy(o)
		l.Contact = domain.ContactInfo{
			Company:   o.Owner.TicketNumber,
			FirstName: o.Owner.BusinessOwner,
			LastName:  o.Owner.TechnicalOwner,
			Phone:     o.Owner.APMNumber,
		}
		l.IssuanceCriteria = defaultCriteria
		out = append(out, l)
	}
	return out, errs
}

func toLegacy(c domain.Connection) domain.Connection {
	l := c
	l.ID = 0
	l.Kind = domain.ConnectionKindLegacy
	l.Claims = make([]domain.ClaimMapping, len(c.Claims))
	for i, cl := range c.Claims {
		cl.ID = 0
		l.Claims[i] = cl
	}
	l.BindClaims()
	return l
}

// parseTime parses an RFC 3339 timestamp; empty input is the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// peekID extracts a string field for error reporting from a record that may
// not decode cleanly.
func peekID(raw json.RawMessage, field string) string {
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	var s string
	if json.Unmarshal(m[field], &s) != nil {
		return ""
	}
	return s
}
