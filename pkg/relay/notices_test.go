package relay

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNoticesForErrors(t *testing.T) {
	n := DefaultNotices()
	require.Equal(t, "", n.For(nil))
	require.Equal(t, "⏳ Rate limit reached. Please wait 5 seconds.", n.For(&RateLimitedError{RetryAfter: 4200 * time.Millisecond}))
	require.Equal(t, n.Banned, n.For(ErrBanned))
	require.Equal(t, n.Wait, n.For(errors.Wrap(ErrAlreadyStreaming, "user 1")))
	require.Equal(t, "", n.For(&CancelledError{Cause: ErrBanned}))
	require.Equal(t, n.TimedOut, n.For(ErrBackendTimeout))
	require.Equal(t, n.Failed, n.For(&BackendError{Err: errors.New("boom")}))
	require.Equal(t, n.UpstreamLimited, n.For(&BackendError{Err: errors.Wrap(ErrUpstreamRateLimited, "429")}))
	require.Equal(t, n.Internal, n.For(&StoreError{Op: "save", Err: errors.New("disk")}))
	require.Equal(t, n.UnknownModel, n.For(errors.Wrap(ErrUnknownModel, "x")))
}

func TestRateLimitedErrorRoundsUp(t *testing.T) {
	require.Equal(t, 1, (&RateLimitedError{RetryAfter: time.Millisecond}).RetryAfterSeconds())
	require.Equal(t, 30, (&RateLimitedError{RetryAfter: 30 * time.Second}).RetryAfterSeconds())
	require.True(t, errors.Is(&RateLimitedError{}, ErrRateLimited))
}

func TestStoreErrorMatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("locked")
	err := storeError("append", cause)
	require.True(t, errors.Is(err, ErrStoreFailure))
	require.True(t, errors.Is(err, cause))
	require.Nil(t, storeError("noop", nil))
}
