package api

import (
	"github.com/vidamais/edgeguard/internal/pki"
	"github.com/vidamais/edgeguard/internal/proxy"
	"github.com/vidamais/edgeguard/internal/repository"
)

// RouteRequest is the body of POST and DELETE /routes
type RouteRequest struct {
	Path string `json:"path" validate:"required,max=1024"`
}

// RouteMutationResponse confirms a route mutation
type RouteMutationResponse struct {
	Path    string   `json:"path"`
	Outcome string   `json:"outcome"`
	Routes  []string `json:"routes,omitempty"`
}

// ListRoutesResponse lists the protected routes in registry order
type ListRoutesResponse struct {
	Routes []string `json:"routes"`
}

// ListCertsResponse lists the registered client names
type ListCertsResponse struct {
	Clients []string `json:"clients"`
}

// IssueResponse reports the outcome of POST /certs/{name}
type IssueResponse struct {
	Name     string `json:"name"`
	Issued   bool   `json:"issued"`
	Archived bool   `json:"archived"`
}

// AuditResponse lists registry and filesystem divergences
type AuditResponse struct {
	Discrepancies []pki.Discrepancy `json:"discrepancies"`
	Consistent    bool              `json:"consistent"`
}

// WafRulesResponse describes the active WAF configuration
type WafRulesResponse struct {
	LearningMode bool     `json:"learning_mode"`
	Whitelist    []string `json:"whitelist"`
}

// WafSaveResponse reports the installed whitelist
type WafSaveResponse struct {
	Rules []string `json:"rules"`
	Count int      `json:"count"`
}

// LearningModeResponse reports the learning mode after a toggle
type LearningModeResponse struct {
	LearningMode bool `json:"learning_mode"`
}

// ProxyActionResponse reports the proxy state after an action
type ProxyActionResponse struct {
	Action string       `json:"action"`
	Status proxy.Status `json:"status"`
}

// TokenRequest is the body of POST /auth/token
type TokenRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

func toRouteMutation(path string, outcome repository.Outcome, routes []string) RouteMutationResponse {
	return RouteMutationResponse{Path: path, Outcome: outcome.String(), Routes: routes}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
