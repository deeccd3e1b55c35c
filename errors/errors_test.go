package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nndrao/components-sub001/pkg/retry"
)

func TestWrap_Format(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Manager", "Connect", "establish connection")
	assert.EqualError(t, err, "Manager.Connect: establish connection failed: boom")
	assert.True(t, stderrors.Is(err, base))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Manager", "Connect", "x"))
	assert.NoError(t, WrapTransient(nil, "Manager", "Connect", "x"))
	assert.NoError(t, WrapInvalid(nil, "Manager", "Connect", "x"))
	assert.NoError(t, WrapFatal(nil, "Manager", "Connect", "x"))
}

func TestClassification(t *testing.T) {
	assert.True(t, IsTransient(ErrConnectTimeout))
	assert.True(t, IsTransient(ErrConnectionLost))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("dial tcp: i/o timeout")))

	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrProtocolMismatch))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsInvalid(ErrParsingFailed))
	assert.True(t, IsInvalid(ErrSerialization))
}

func TestClassifiedError_WinsOverPatterns(t *testing.T) {
	// A classified fatal error must not be re-classified by its message
	err := WrapFatal(stderrors.New("connection reset"), "Store", "Apply", "merge")
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidData))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("something odd")))
}

func TestRetryPolicy(t *testing.T) {
	assert.NoError(t, RetryPolicy(nil))

	transient := ErrConnectionLost
	assert.Equal(t, transient, RetryPolicy(transient))

	fatal := WrapInvalid(stderrors.New("bad payload"), "Acquirer", "Run", "decode")
	assert.True(t, retry.IsNonRetryable(RetryPolicy(fatal)))
}
