package domain

import "time"

// ConnectionKind is the kind of a canonical connection.
type ConnectionKind string

const (
	ConnectionKindSAML   ConnectionKind = "saml"
	ConnectionKindOIDC   ConnectionKind = "oidc"
	ConnectionKindLegacy ConnectionKind = "legacy"
)

// ConnectionKinds lists every connection kind.
var ConnectionKinds = []ConnectionKind{ConnectionKindSAML, ConnectionKindOIDC, ConnectionKindLegacy}

// Category returns the resource category holding connections of this kind.
func (k ConnectionKind) Category() Category { return Category(k) }

// Protocol values carried on connections.
const (
	ProtocolSAML20 = "SAML20"
	ProtocolOIDC   = "OIDC"
)

// ContactInfo is the owner contact block of a SAML connection. Legacy records
// reuse these fields for OIDC owner data.
type ContactInfo struct {
	Company   string `json:"company"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// OwnerInfo is parsed from the pipe-delimited description of an OIDC client.
type OwnerInfo struct {
	TicketNumber   string `json:"ticket_number"`
	BusinessOwner  string `json:"business_owner"`
	TechnicalOwner string `json:"technical_owner"`
	APMNumber      string `json:"apm_number"`
}

// Connection is the canonical form of a SAML connection, OIDC client, or the
// merged legacy projection of both.
type Connection struct {
	// ID is the surrogate key assigned by the store. It is never used to
	// match upstream records.
	ID int64 `json:"row_id,omitempty"`
	// ExternalID is the stable upstream identifier (connection id or client id).
	ExternalID string         `json:"id"`
	Kind       ConnectionKind `json:"kind"`
	Protocol   string         `json:"protocol"`
	Name       string         `json:"name"`
	EntityID   string         `json:"entity_id"`
	Active     bool           `json:"active"`
	BaseURL    string         `json:"base_url"`
	// SSOURLs is the comma-joined list of SSO service endpoint URLs.
	SSOURLs string `json:"sso_urls"`
	// RedirectURIs is the comma-joined list of OIDC redirect URIs.
	RedirectURIs string      `json:"redirect_uris"`
	PolicyID     string      `json:"policy_id"`
	Contact      ContactInfo `json:"contact"`
	Owner        OwnerInfo   `json:"owner"`

	ConditionalCriteria string `json:"conditional_criteria"`
	ExpressionCriteria  string `json:"expression_criteria"`
	IssuanceCriteria    string `json:"issuance_criteria"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	Claims []ClaimMapping `json:"claims"`
}

// StableKey returns the key used to match this record against the mirror.
func (c Connection) StableKey() string { return c.ExternalID }

// RowID returns the surrogate key.
func (c Connection) RowID() int64 { return c.ID }

// SameContent reports whether two connections carry identical upstream data,
// ignoring surrogate keys.
func (c Connection) SameContent(o Connection) bool {
	if c.ExternalID != o.ExternalID || c.Kind != o.Kind || c.Protocol != o.Protocol ||
		c.Name != o.Name || c.EntityID != o.EntityID || c.Active != o.Active ||
		c.BaseURL != o.BaseURL || c.SSOURLs != o.SSOURLs || c.RedirectURIs != o.RedirectURIs ||
		c.PolicyID != o.PolicyID || c.Contact != o.Contact || c.Owner != o.Owner ||
		c.ConditionalCriteria != o.ConditionalCriteria || c.ExpressionCriteria != o.ExpressionCriteria ||
		c.IssuanceCriteria != o.IssuanceCriteria ||
		!c.CreatedAt.Equal(o.CreatedAt) || !c.ModifiedAt.Equal(o.ModifiedAt) {
		return false
	}
	return SameClaims(c.Claims, o.Claims)
}

// ClaimMapping is one flattened claim/attribute row owned by a connection.
type ClaimMapping struct {
	ID             int64          `json:"-"`
	ConnectionID   string         `json:"connection_id"`
	ConnectionType ConnectionKind `json:"connection_type"`
	ClaimName      string         `json:"claim_name"`
	ClaimValue     string         `json:"claim_value"`
	ClaimType      string         `json:"claim_type"`
}

// SameClaims compares claim sets by (name, value, type), ignoring order and
// surrogate keys.
func SameClaims(a, b []ClaimMapping) bool {
	if len(a) != len(b) {
		return false
	}
	type entry struct{ value, typ string }
	idx := make(map[string]entry, len(a))
	for _, c := range a {
		idx[c.ClaimName] = entry{c.ClaimValue, c.ClaimType}
	}
	for _, c := range b {
		e, ok := idx[c.ClaimName]
		if !ok || e.value != c.ClaimValue || e.typ != c.ClaimType {
			return false
		}
	}
	return true
}

// BindClaims stamps the parent's key and kind onto each claim row.
func (c *Connection) BindClaims() {
	for i := range c.Claims {
		c.Claims[i].ConnectionID = c.ExternalID
		c.Claims[i].ConnectionType = c.Kind
	}
}
