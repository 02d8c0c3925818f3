package auth

import "slices"

// Principal is the authenticated caller of a request
type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
	// Method is "jwt", "api_key" or "anonymous"
	Method string `json:"method"`
	KeyID  string `json:"key_id,omitempty"`
}

// HasScope reports whether the principal carries scope
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// Scopes for authorization
const (
	ScopeDecisionsWrite = "decisions:write"
	ScopeDecisionsRead  = "decisions:read"
	ScopeReportsRead    = "reports:read"
)

// DefaultScopes are granted to API keys and tokens issued without explicit scopes
var DefaultScopes = []string{ScopeDecisionsWrite, ScopeDecisionsRead, ScopeReportsRead}

// Authentication methods
const (
	MethodJWT       = "jwt"
	MethodAPIKey    = "api_key"
	MethodAnonymous = "anonymous"
)
