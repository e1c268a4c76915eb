package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelOfItsKind(t *testing.T) {
	cases := []struct {
		err  error
		want error
		kind Kind
	}{
		{Configuration("select", "unsupported provider %q", "redis"), ErrConfiguration, KindConfiguration},
		{Retryable("query", errors.New("connection reset")), ErrRetryable, KindRetryable},
		{Fatal("upsert", errors.New("401 unauthorized")), ErrFatal, KindFatal},
		{&SchemaMismatchError{Provider: "qdrant", Collection: "memories", Existing: 1536, Requested: 768}, ErrSchemaMismatch, KindSchemaMismatch},
	}
	sentinels := []error{ErrConfiguration, ErrSchemaMismatch, ErrRetryable, ErrFatal}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.want)
		assert.Equal(t, tc.kind, KindOf(tc.err))
		for _, other := range sentinels {
			if other == tc.want {
				continue
			}
			assert.NotErrorIs(t, tc.err, other)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := Retryable("health", errors.New("timeout"))
	wrapped := fmt.Errorf("monitor: %w", base)
	require.True(t, IsRetryable(wrapped))
	require.Equal(t, KindRetryable, KindOf(wrapped))

	mismatch := fmt.Errorf("provision: %w", &SchemaMismatchError{Collection: "m", Existing: 3, Requested: 4})
	require.ErrorIs(t, mismatch, ErrSchemaMismatch)
	var typed *SchemaMismatchError
	require.ErrorAs(t, mismatch, &typed)
	require.Equal(t, 3, typed.Existing)
}

func TestNilErrorsStayNil(t *testing.T) {
	assert.NoError(t, Retryable("op", nil))
	assert.NoError(t, Fatal("op", nil))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.False(t, Classified(errors.New("plain")))
}

func TestSchemaMismatchMessageNamesBothSizes(t *testing.T) {
	err := &SchemaMismatchError{Provider: "postgres", Collection: "memories", Existing: 1536, Requested: 768}
	assert.Contains(t, err.Error(), "1536")
	assert.Contains(t, err.Error(), "768")
	assert.Contains(t, err.Error(), `"memories"`)
}
