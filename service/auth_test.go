package service

import (
	"context"
	"testing"
	"time"

	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
	"github.com/stretchr/testify/require"
)

func TestMemorySecondFactor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	sf := NewMemorySecondFactor()
	sf.now = func() time.Time { return now }

	sf.Issue("alice", "111111", time.Minute)
	sf.Issue("alice", "222222", time.Second)

	// Verify is repeatable, Consume is not.
	require.NoError(t, sf.Verify(ctx, "alice", "111111"))
	require.NoError(t, sf.Verify(ctx, "alice", "111111"))
	require.NoError(t, sf.Consume(ctx, "alice", "111111"))
	require.ErrorIs(t, sf.Verify(ctx, "alice", "111111"), ErrSecondFactorRejected)
	require.ErrorIs(t, sf.Consume(ctx, "alice", "111111"), ErrSecondFactorRejected)

	// Tokens are bound to their user.
	require.ErrorIs(t, sf.Verify(ctx, "bob", "222222"), ErrSecondFactorRejected)
	require.ErrorIs(t, sf.Verify(ctx, "alice", ""), ErrSecondFactorRejected)

	now = now.Add(2 * time.Second)
	err := sf.Verify(ctx, "alice", "222222")
	require.ErrorIs(t, err, ErrSecondFactorRejected)
	code, ok := wrapErrors.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, wrapErrors.CodeSecondFactor, code)
}
