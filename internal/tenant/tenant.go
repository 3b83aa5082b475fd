// Package tenant carries company/app/user identity and the per-request
// correlation ID through every call in the platform. A Context is read-only
// after construction; the invariant that CompanyID and AppID are present is
// enforced at the boundary so the core never re-checks it.
package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source records where a tenant context was established.
type Source string

const (
	SourceToken   Source = "token"
	SourceHeaders Source = "headers"
	SourceSystem  Source = "system"
)

// Header names accepted by FromHeaders.
const (
	HeaderCompanyID   = "X-Company-ID"
	HeaderAppID       = "X-App-ID"
	HeaderUserID      = "X-User-ID"
	HeaderUserEmail   = "X-User-Email"
	HeaderUserName    = "X-User-Name"
	HeaderSessionID   = "X-Session-ID"
	HeaderRequestID   = "X-Request-ID"
	HeaderRoles       = "X-User-Roles"
	HeaderPermissions = "X-User-Permissions"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

var (
	ErrMissingCompany = errors.New("tenant: company id missing")
	ErrMissingApp     = errors.New("tenant: app id missing")
	ErrBadIdentifier  = errors.New("tenant: identifier must match ^[A-Za-z0-9_-]{1,100}$")
)

// Context identifies the acting tenant and request. RequestID is assigned
// once at the boundary and propagates unchanged through every downstream
// call and log line.
type Context struct {
	CompanyID   string    `json:"companyId"`
	AppID       string    `json:"appId"`
	UserID      string    `json:"userId,omitempty"`
	UserEmail   string    `json:"userEmail,omitempty"`
	UserName    string    `json:"userName,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	RequestID   string    `json:"requestId"`
	Timestamp   time.Time `json:"timestamp"`
	Source      Source    `json:"source"`
}

// New builds a validated tenant context with a fresh request ID.
func New(companyID, appID string, source Source) (*Context, error) {
	tc := &Context{
		CompanyID: companyID,
		AppID:     appID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return tc, nil
}

// System builds a context for an internal actor (consumer loops, retry
// sweeps). IDs are trusted constants owned by the caller.
func System(companyID, appID string) *Context {
	return &Context{
		CompanyID: companyID,
		AppID:     appID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    SourceSystem,
	}
}

// FromHeaders builds a tenant context from inbound HTTP headers. A supplied
// X-Request-ID is kept when it satisfies the identifier grammar, otherwise a
// fresh one is assigned.
func FromHeaders(h http.Header) (*Context, error) {
	tc := &Context{
		CompanyID:   h.Get(HeaderCompanyID),
		AppID:       h.Get(HeaderAppID),
		UserID:      h.Get(HeaderUserID),
		UserEmail:   h.Get(HeaderUserEmail),
		UserName:    h.Get(HeaderUserName),
		SessionID:   h.Get(HeaderSessionID),
		Roles:       splitList(h.Get(HeaderRoles)),
		Permissions: splitList(h.Get(HeaderPermissions)),
		RequestID:   h.Get(HeaderRequestID),
		Timestamp:   time.Now().UTC(),
		Source:      SourceHeaders,
	}
	if tc.RequestID == "" || !identifierRe.MatchString(tc.RequestID) {
		tc.RequestID = uuid.NewString()
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return tc, nil
}

// Validate enforces the §3-style invariants: company and app always present,
// every identifier inside the grammar.
func (c *Context) Validate() error {
	if c.CompanyID == "" {
		return ErrMissingCompany
	}
	if c.AppID == "" {
		return ErrMissingApp
	}
	for _, id := range []string{c.CompanyID, c.AppID} {
		if !identifierRe.MatchString(id) {
			return ErrBadIdentifier
		}
	}
	for _, id := range []string{c.UserID, c.SessionID} {
		if id != "" && !identifierRe.MatchString(id) {
			return ErrBadIdentifier
		}
	}
	return nil
}

// SetHeaders stamps the outbound propagation headers. The request ID crosses
// service boundaries unchanged.
func (c *Context) SetHeaders(h http.Header) {
	h.Set(HeaderCompanyID, c.CompanyID)
	h.Set(HeaderAppID, c.AppID)
	h.Set(HeaderRequestID, c.RequestID)
	if c.UserID != "" {
		h.Set(HeaderUserID, c.UserID)
	}
}

// LogAttrs returns the slog attributes every log event in a tenant-scoped
// call path carries.
func (c *Context) LogAttrs() []any {
	return []any{
		slog.String("company_id", c.CompanyID),
		slog.String("app_id", c.AppID),
		slog.String("request_id", c.RequestID),
	}
}

// RateKey is the identity used for per-tenant rate limiting.
func (c *Context) RateKey() string {
	return c.CompanyID + ":" + c.AppID
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const tenantKey contextKey = "tenant_context"

// WithContext attaches a tenant context for downstream layers.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, tenantKey, tc)
}

// FromContext extracts the tenant context, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(tenantKey).(*Context)
	return tc, ok && tc != nil
}

// RequestID returns the correlation ID riding on ctx, or "" when the call
// path is tenantless.
func RequestID(ctx context.Context) string {
	if tc, ok := FromContext(ctx); ok {
		return tc.RequestID
	}
	return ""
}
