package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	cause := errors.New("connection refused")
	f := Transient("network", cause, "calling sandbox")
	wrapped := fmt.Errorf("step exec-1: %w", f)

	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.Equal(t, "network", CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, cause))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, "", CodeOf(errors.New("boom")))
}

func TestRecoverable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Validation("empty_code", "code must not be empty"), false},
		{Unavailable("breaker_open", "sandbox breaker open"), true},
		{Transient("http_503", nil, "service overloaded"), true},
		{Permanent("http_400", "bad request"), false},
		{DataIntegrity("dlq_exhausted", nil, "3 attempts"), false},
		{Cancelled("timeout", nil, "deadline exceeded"), true},
		{errors.New("untyped"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Recoverable(c.err), "err: %v", c.err)
	}
}

func TestSuggestionCoversEveryKind(t *testing.T) {
	kinds := []Kind{KindValidation, KindUnavailable, KindTransient, KindPermanent, KindDataIntegrity, KindCancelled, KindUnknown}
	for _, k := range kinds {
		s := Suggestion(&Fault{Kind: k, Code: "x", Message: "y"})
		require.NotEmpty(t, s, "kind %s", k)
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	f := Wrap(KindTransient, "http_502", errors.New("bad gateway"), "persist batch")
	assert.Contains(t, f.Error(), "transient")
	assert.Contains(t, f.Error(), "http_502")
	assert.Contains(t, f.Error(), "bad gateway")
}
