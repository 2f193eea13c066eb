// Package auth signs and validates the JWT bearer tokens carried in
// Connect.auth_token, AgentRegister.auth_token, and the reverse-tunnel
// ForwardRequest.agent_token.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeAuth distinguishes an auth token from other bearer tokens this
// system might one day issue; spec §6 requires it equal "auth" when
// present.
const TokenTypeAuth = "auth"

// Claims is the registered-claims superset carried by every token
// this system issues or verifies, per spec §6.
type Claims struct {
	jwt.RegisteredClaims

	TokenType        string   `json:"token_type,omitempty"`
	UserID           string   `json:"user_id,omitempty"`
	ReverseTunnel    bool     `json:"reverse_tunnel,omitempty"`
	AllowedAgents    []string `json:"allowed_agents,omitempty"`
	AllowedAddresses []string `json:"allowed_addresses,omitempty"`
}

// AllowsAgent reports whether this token's claims permit addressing
// the given agent id. An empty AllowedAgents list means "no
// restriction" (any agent).
func (c Claims) AllowsAgent(agentID string) bool {
	if len(c.AllowedAgents) == 0 {
		return true
	}
	for _, a := range c.AllowedAgents {
		if a == agentID {
			return true
		}
	}
	return false
}

// AllowsAddress reports whether this token's claims permit addressing
// the given exact "host:port" string. An empty AllowedAddresses list
// means "no restriction".
func (c Claims) AllowsAddress(addr string) bool {
	if len(c.AllowedAddresses) == 0 {
		return true
	}
	for _, a := range c.AllowedAddresses {
		if a == addr {
			return true
		}
	}
	return false
}

// TokenParams configures IssueToken.
type TokenParams struct {
	Subject          string // tunnel_id
	Issuer           string
	Audience         string
	TTL              time.Duration
	UserID           string
	ReverseTunnel    bool
	AllowedAgents    []string
	AllowedAddresses []string
}
