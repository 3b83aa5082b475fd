package tenant

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsRequestID(t *testing.T) {
	tc, err := New("acme", "mage-app", SourceToken)
	require.NoError(t, err)
	assert.NotEmpty(t, tc.RequestID)
	assert.Equal(t, SourceToken, tc.Source)
	assert.False(t, tc.Timestamp.IsZero())
}

func TestNewRejectsMissingCompany(t *testing.T) {
	_, err := New("", "mage-app", SourceToken)
	assert.ErrorIs(t, err, ErrMissingCompany)
}

func TestValidateIdentifierGrammar(t *testing.T) {
	cases := []struct {
		company string
		ok      bool
	}{
		{"acme", true},
		{"acme-corp_01", true},
		{strings.Repeat("a", 100), true},
		{strings.Repeat("a", 101), false},
		{"acme corp", false},
		{"acme/..", false},
	}
	for _, c := range cases {
		_, err := New(c.company, "app", SourceSystem)
		if c.ok {
			assert.NoError(t, err, "company %q", c.company)
		} else {
			assert.ErrorIs(t, err, ErrBadIdentifier, "company %q", c.company)
		}
	}
}

func TestFromHeadersKeepsValidRequestID(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderCompanyID, "acme")
	h.Set(HeaderAppID, "docs")
	h.Set(HeaderRequestID, "req-12345")
	h.Set(HeaderRoles, "admin, operator")

	tc, err := FromHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, "req-12345", tc.RequestID)
	assert.Equal(t, []string{"admin", "operator"}, tc.Roles)
	assert.Equal(t, SourceHeaders, tc.Source)
}

func TestFromHeadersReplacesMalformedRequestID(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderCompanyID, "acme")
	h.Set(HeaderAppID, "docs")
	h.Set(HeaderRequestID, "not valid!!")

	tc, err := FromHeaders(h)
	require.NoError(t, err)
	assert.NotEqual(t, "not valid!!", tc.RequestID)
	assert.NotEmpty(t, tc.RequestID)
}

func TestContextRoundTrip(t *testing.T) {
	tc := System("platform", "pattern-consumer")
	ctx := WithContext(context.Background(), tc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, tc, got)
	assert.Equal(t, tc.RequestID, RequestID(ctx))

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
	assert.Empty(t, RequestID(context.Background()))
}

func TestSetHeadersPropagatesUnchanged(t *testing.T) {
	tc := System("acme", "docs")
	h := http.Header{}
	tc.SetHeaders(h)
	assert.Equal(t, tc.RequestID, h.Get(HeaderRequestID))
	assert.Equal(t, "acme", h.Get(HeaderCompanyID))
	assert.Equal(t, "docs", h.Get(HeaderAppID))
}

func TestRateKey(t *testing.T) {
	tc := System("acme", "docs")
	assert.Equal(t, "acme:docs", tc.RateKey())
}
