package upstream

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"idmirror/internal/config"
	"idmirror/internal/observability"
)

func clientConfig(u config.UpstreamConfig, auth AuthConfig, logger observability.Logger) *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.BaseURL = u.BaseURL
	cfg.Auth = auth
	cfg.Logger = logger
	if u.Timeout > 0 {
		cfg.Timeout = u.Timeout
	}
	if u.MaxRetries >= 0 {
		cfg.MaxRetries = u.MaxRetries
	}
	if u.RateLimit > 0 {
		cfg.RateLimit = u.RateLimit
	}
	if u.RateBurst > 0 {
		cfg.RateBurst = u.RateBurst
	}
	return cfg
}

// PingFederate reads SP connections, OAuth clients and OIDC policies from the
// PingFederate administrative API.
type PingFederate struct {
	client *Client
	cfg    config.PingFederateConfig
}

// NewPingFederate builds a PingFederate source using basic auth and the
// X-XSRF-Header the admin API requires.
func NewPingFederate(cfg config.PingFederateConfig, logger observability.Logger) (*PingFederate, error) {
	cc := clientConfig(cfg.UpstreamConfig, BasicAuth{Username: cfg.Username, Password: cfg.Password}, logger)
	cc.Headers["X-XSRF-Header"] = "PingFederate"
	client, err := NewClient(cc)
	if err != nil {
		return nil, err
	}
	return &PingFederate{client: client, cfg: cfg}, nil
}

// SAMLConnections returns the raw SP connection records.
func (p *PingFederate) SAMLConnections(ctx context.Context) ([]json.RawMessage, error) {
	return p.client.FetchItems(ctx, p.cfg.SAMLPath)
}

// OIDCClients returns the raw OAuth client records.
func (p *PingFederate) OIDCClients(ctx context.Context) ([]json.RawMessage, error) {
	return p.client.FetchItems(ctx, p.cfg.OIDCClientsPath)
}

// OIDCPolicies returns the raw OpenID Connect policy records.
func (p *PingFederate) OIDCPolicies(ctx context.Context) ([]json.RawMessage, error) {
	return p.client.FetchItems(ctx, p.cfg.OIDCPoliciesPath)
}

// DefaultPolicyID is applied to clients that reference no policy.
func (p *PingFederate) DefaultPolicyID() string { return p.cfg.DefaultPolicyID }

// ServiceNow walks Table API collections.
type ServiceNow struct {
	walker *Walker
	cfg    config.ServiceNowConfig
}

// NewServiceNow builds a ServiceNow source. OAuth2 client credentials are
// used when a client id is configured, basic auth otherwise.
func NewServiceNow(cfg config.ServiceNowConfig, logger observability.Logger) (*ServiceNow, error) {
	var auth AuthConfig = BasicAuth{Username: cfg.Username, Password: cfg.Password}
	if cfg.ClientID != "" {
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = cfg.BaseURL + "/oauth_token.do"
		}
		auth = ClientCredentials{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret, TokenURL: tokenURL}
	}
	client, err := NewClient(clientConfig(cfg.UpstreamConfig, auth, logger))
	if err != nil {
		return nil, err
	}
	return &ServiceNow{walker: NewWalker(client, "result"), cfg: cfg}, nil
}

// Applications walks the business application table.
func (s *ServiceNow) Applications(ctx context.Context) ([]json.RawMessage, error) {
	return s.walker.All(ctx, s.cfg.ApplicationsPath, s.query())
}

// Users walks the user table.
func (s *ServiceNow) Users(ctx context.Context) ([]json.RawMessage, error) {
	return s.walker.All(ctx, s.cfg.UsersPath, s.query())
}

func (s *ServiceNow) query() url.Values {
	q := url.Values{}
	if s.cfg.PageSize > 0 {
		q.Set("sysparm_limit", strconv.Itoa(s.cfg.PageSize))
	}
	return q
}
