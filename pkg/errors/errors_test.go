// Package errors_test provides comprehensive unit tests for the AppError type,
// factory functions, and error-chain helpers defined in pkg/errors/errors.go.
package errors_test

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/docbatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// TestNew
// ─────────────────────────────────────────────────────────────────────────────

func TestNew_FieldsAreSetCorrectly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		code    errors.ErrorCode
		message string
	}{
		{"internal error", errors.CodeInternal, "unexpected failure"},
		{"queue full", errors.CodeQueueFull, "queue at max_size=10000"},
		{"invalid param", errors.CodeInvalidParam, "document id must not be empty"},
		{"rate limited", errors.CodeRateLimited, "too many requests"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ae := errors.New(tc.code, tc.message)

			require.NotNil(t, ae)
			assert.Equal(t, tc.code, ae.Code)
			assert.Equal(t, tc.message, ae.Message)
			assert.Empty(t, ae.Detail, "Detail should be empty for bare New()")
			assert.Nil(t, ae.Cause, "Cause should be nil for bare New()")
		})
	}
}

func TestNew_StackIsPopulated(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeInternal, "test")
	require.NotNil(t, ae)
	// New always captures the call stack, so the test's own frame is there.
	assert.NotEmpty(t, ae.Stack)
}

func TestNew_NilIsNeverReturned(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeOK, "")
	require.NotNil(t, ae)
}

// ─────────────────────────────────────────────────────────────────────────────
// TestWrap
// ─────────────────────────────────────────────────────────────────────────────

func TestWrap_NilErrReturnsNil(t *testing.T) {
	t.Parallel()

	result := errors.Wrap(nil, errors.CodeInternal, "should not matter")
	assert.Nil(t, result)
}

func TestWrap_CauseChainIsPreserved(t *testing.T) {
	t.Parallel()

	root := stderrors.New("handler panic recovered")
	wrapped := errors.Wrap(root, errors.CodeHandlerPanicked, "operation handler crashed")

	require.NotNil(t, wrapped)
	assert.Equal(t, errors.CodeHandlerPanicked, wrapped.Code)
	assert.Equal(t, "operation handler crashed", wrapped.Message)
	assert.Equal(t, root, wrapped.Cause)
}

func TestWrap_UnwrapReturnsCause(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("original")
	ae := errors.Wrap(cause, errors.CodeCacheInvalid, "integrity check failed")

	unwrapped := stderrors.Unwrap(ae)
	assert.Equal(t, cause, unwrapped)
}

func TestWrap_PreservesOriginalCodeWhenCodeUnknown(t *testing.T) {
	t.Parallel()

	inner := errors.New(errors.CodeQueueFull, "at capacity")
	outer := errors.Wrap(inner, errors.CodeUnknown, "adding context")

	require.NotNil(t, outer)
	assert.Equal(t, errors.CodeQueueFull, outer.Code,
		"Wrap with CodeUnknown should inherit the inner AppError's code")
}

func TestWrap_OverridesCodeWhenExplicit(t *testing.T) {
	t.Parallel()

	inner := errors.New(errors.CodeQueueFull, "at capacity")
	outer := errors.Wrap(inner, errors.CodeInternal, "unexpected state")

	assert.Equal(t, errors.CodeInternal, outer.Code,
		"explicit non-Unknown code must override the inner code")
}

func TestWrap_MultiLevel(t *testing.T) {
	t.Parallel()

	root := stderrors.New("disk write failed")
	level1 := errors.Wrap(root, errors.CodeAuditWriteFailure, "audit flush failed")
	level2 := errors.Wrap(level1, errors.CodeInternal, "shutdown aborted")

	// Unwrap chain: level2 → level1 → root
	assert.Equal(t, level1, stderrors.Unwrap(level2))
	assert.Equal(t, root, stderrors.Unwrap(level1))
}

// ─────────────────────────────────────────────────────────────────────────────
// TestError_Method
// ─────────────────────────────────────────────────────────────────────────────

func TestError_FormatWithoutDetail(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeQueueFull, "queue at capacity")
	s := ae.Error()

	assert.Contains(t, s, "QUEUE_FULL")
	assert.Contains(t, s, "20001")
	assert.Contains(t, s, "queue at capacity")
	// No colon-separated detail segment expected.
	assert.False(t, strings.Count(s, ":") > 1,
		"Error() without detail should not contain extra colons from detail")
}

func TestError_FormatWithDetail(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeValidationFailure, "blocked pattern matched").
		WithDetail("category=prompt_injection")
	s := ae.Error()

	assert.Contains(t, s, "VALIDATION_FAILURE")
	assert.Contains(t, s, "30001")
	assert.Contains(t, s, "blocked pattern matched")
	assert.Contains(t, s, "category=prompt_injection")
}

func TestError_ImplementsErrorInterface(t *testing.T) {
	t.Parallel()

	var err error = errors.New(errors.CodeInternal, "boom")
	assert.NotEmpty(t, err.Error())
}

func TestError_EmptyMessageDoesNotPanic(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeOK, "")
	assert.NotPanics(t, func() { _ = ae.Error() })
}

// ─────────────────────────────────────────────────────────────────────────────
// TestWithDetail
// ─────────────────────────────────────────────────────────────────────────────

func TestWithDetail_SetsDetailOnCopy(t *testing.T) {
	t.Parallel()

	original := errors.New(errors.CodeCacheInvalid, "entry failed integrity check")
	detailed := original.WithDetail("key=abc123")

	// Original must be unchanged (shallow copy semantics).
	assert.Empty(t, original.Detail, "WithDetail must not mutate the original")
	assert.Equal(t, "key=abc123", detailed.Detail)
	assert.Equal(t, original.Code, detailed.Code)
	assert.Equal(t, original.Message, detailed.Message)
}

func TestWithDetail_ChainedCalls(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeResourceExhaustion, "operation terminated").
		WithDetail("limit=wall_clock").
		WithDetail("limit=wall_clock, elapsed=610s") // second call replaces first

	assert.Equal(t, "limit=wall_clock, elapsed=610s", ae.Detail)
}

func TestWithDetail_NilReceiverReturnsNil(t *testing.T) {
	t.Parallel()

	var ae *errors.AppError
	result := ae.WithDetail("x")
	assert.Nil(t, result)
}

// ─────────────────────────────────────────────────────────────────────────────
// TestWithCause
// ─────────────────────────────────────────────────────────────────────────────

func TestWithCause_AttachesCause(t *testing.T) {
	t.Parallel()

	root := stderrors.New("hmac mismatch")
	ae := errors.New(errors.CodeCacheInvalid, "cache entry rejected").WithCause(root)

	assert.Equal(t, root, ae.Cause)
	assert.Equal(t, root, stderrors.Unwrap(ae))
}

func TestWithCause_DoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	original := errors.New(errors.CodeInternal, "failure")
	cause := stderrors.New("cause")
	withCause := original.WithCause(cause)

	assert.Nil(t, original.Cause, "WithCause must not mutate the original")
	assert.Equal(t, cause, withCause.Cause)
}

func TestWithCause_NilReceiverReturnsNil(t *testing.T) {
	t.Parallel()

	var ae *errors.AppError
	result := ae.WithCause(stderrors.New("x"))
	assert.Nil(t, result)
}

// ─────────────────────────────────────────────────────────────────────────────
// TestIsCode
// ─────────────────────────────────────────────────────────────────────────────

func TestIsCode_DirectMatch(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeQueueFull, "at capacity")
	assert.True(t, errors.IsCode(ae, errors.CodeQueueFull))
}

func TestIsCode_NoMatch(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeQueueFull, "at capacity")
	assert.False(t, errors.IsCode(ae, errors.CodeInternal))
}

func TestIsCode_NestedChain(t *testing.T) {
	t.Parallel()

	root := errors.New(errors.CodeCacheInvalid, "integrity check failed")
	wrapped := errors.Wrap(root, errors.CodeInternal, "service error")

	// The outer code is CodeInternal but the chain contains CodeCacheInvalid.
	assert.True(t, errors.IsCode(wrapped, errors.CodeCacheInvalid),
		"IsCode must find the code anywhere in the error chain")
	assert.True(t, errors.IsCode(wrapped, errors.CodeInternal))
}

func TestIsCode_NilErrorReturnsFalse(t *testing.T) {
	t.Parallel()

	assert.False(t, errors.IsCode(nil, errors.CodeInternal))
}

func TestIsCode_StdlibErrorReturnsFalse(t *testing.T) {
	t.Parallel()

	err := stderrors.New("plain error")
	assert.False(t, errors.IsCode(err, errors.CodeInternal))
}

func TestIsCode_ThreeLevelChain(t *testing.T) {
	t.Parallel()

	level0 := errors.New(errors.CodeValidationFailure, "blocked pattern")
	level1 := errors.Wrap(level0, errors.CodeInvalidParam, "validation failed")
	level2 := errors.Wrap(level1, errors.CodeInternal, "handler error")

	assert.True(t, errors.IsCode(level2, errors.CodeValidationFailure))
	assert.True(t, errors.IsCode(level2, errors.CodeInvalidParam))
	assert.True(t, errors.IsCode(level2, errors.CodeInternal))
	assert.False(t, errors.IsCode(level2, errors.CodeCircuitOpen))
}

// ─────────────────────────────────────────────────────────────────────────────
// TestGetCode
// ─────────────────────────────────────────────────────────────────────────────

func TestGetCode_DirectAppError(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeCachePoisoned, "key quarantined")
	assert.Equal(t, errors.CodeCachePoisoned, errors.GetCode(ae))
}

func TestGetCode_NestedAppError(t *testing.T) {
	t.Parallel()

	inner := errors.New(errors.CodeGuardBreakerOpen, "breaker open")
	outer := errors.Wrap(inner, errors.CodeInternal, "admission failed")

	// GetCode returns the outermost AppError's code.
	assert.Equal(t, errors.CodeInternal, errors.GetCode(outer))
}

func TestGetCode_NilReturnsCodeOK(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errors.CodeOK, errors.GetCode(nil))
}

func TestGetCode_StdlibErrorReturnsCodeUnknown(t *testing.T) {
	t.Parallel()

	err := stderrors.New("some stdlib error")
	assert.Equal(t, errors.CodeUnknown, errors.GetCode(err))
}

func TestGetCode_FmtWrappedStdlibReturnsCodeUnknown(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("context: %w", stderrors.New("cause"))
	assert.Equal(t, errors.CodeUnknown, errors.GetCode(err))
}

// ─────────────────────────────────────────────────────────────────────────────
// TestIsRetryable
// ─────────────────────────────────────────────────────────────────────────────

func TestIsRetryable_TransientCodesAreRetryable(t *testing.T) {
	t.Parallel()

	for _, code := range []errors.ErrorCode{
		errors.CodeQueueFull,
		errors.CodeRateLimited,
		errors.CodeCircuitOpen,
		errors.CodeTooManyConcurrentOps,
	} {
		assert.True(t, errors.IsRetryable(errors.New(code, "transient")), "code %s should be retryable", code)
	}
}

func TestIsRetryable_PermanentCodesAreNotRetryable(t *testing.T) {
	t.Parallel()

	for _, code := range []errors.ErrorCode{
		errors.CodeValidationFailure,
		errors.CodeInvalidParam,
		errors.CodeCachePoisoned,
	} {
		assert.False(t, errors.IsRetryable(errors.New(code, "permanent")), "code %s should not be retryable", code)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// TestConvenienceFactories
// ─────────────────────────────────────────────────────────────────────────────

func TestConvenienceFactories_ReturnCorrectCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      *errors.AppError
		wantCode errors.ErrorCode
	}{
		{"InvalidParam", errors.InvalidParam("bad input"), errors.CodeInvalidParam},
		{"Internal", errors.Internal("server error"), errors.CodeInternal},
		{"Cancelled", errors.Cancelled("context done"), errors.CodeCancelled},
		{"QueueFull", errors.QueueFull("at capacity"), errors.CodeQueueFull},
		{"ValidationFailure", errors.ValidationFailure("blocked pattern"), errors.CodeValidationFailure},
		{"RateLimited", errors.RateLimited("slow down"), errors.CodeRateLimited},
		{"CircuitOpen", errors.CircuitOpen("breaker open"), errors.CodeCircuitOpen},
		{"CacheInvalid", errors.CacheInvalid("bad tag"), errors.CodeCacheInvalid},
		{"CachePoisoned", errors.CachePoisoned("quarantined"), errors.CodeCachePoisoned},
		{"ResourceExhaustion", errors.ResourceExhaustion("limit hit"), errors.CodeResourceExhaustion},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.NotNil(t, tc.err)
			assert.Equal(t, tc.wantCode, tc.err.Code)
			assert.NotEmpty(t, tc.err.Message)
			assert.NotEmpty(t, tc.err.Error())
		})
	}
}

func TestConvenienceFactories_MessageIsPreserved(t *testing.T) {
	t.Parallel()

	msg := "per-user token bucket exhausted"
	ae := errors.RateLimited(msg)
	assert.Equal(t, msg, ae.Message)
}

func TestHandlerFailure_WrapsCause(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("downstream timeout")
	ae := errors.HandlerFailure(cause, "operation invocation failed")

	assert.Equal(t, errors.CodeHandlerFailure, ae.Code)
	assert.Equal(t, cause, ae.Cause)
}

// ─────────────────────────────────────────────────────────────────────────────
// TestStdlibCompatibility
// ─────────────────────────────────────────────────────────────────────────────

func TestStdlib_ErrorsIs_DirectComparison(t *testing.T) {
	t.Parallel()

	sentinel := errors.New(errors.CodeCircuitOpen, "breaker open")
	wrapped := fmt.Errorf("handler: %w", sentinel)

	// errors.Is traverses the chain and finds the *AppError pointer.
	assert.True(t, stderrors.Is(wrapped, sentinel))
}

func TestStdlib_ErrorsAs_ExtractsAppError(t *testing.T) {
	t.Parallel()

	original := errors.New(errors.CodeTooManyConcurrentOps, "concurrency cap reached")
	wrapped := fmt.Errorf("resource guard: %w", original)

	var ae *errors.AppError
	require.True(t, stderrors.As(wrapped, &ae),
		"errors.As must be able to extract *AppError from a wrapped chain")
	assert.Equal(t, errors.CodeTooManyConcurrentOps, ae.Code)
	assert.Equal(t, "concurrency cap reached", ae.Message)
}

func TestStdlib_ErrorsAs_DeepChain(t *testing.T) {
	t.Parallel()

	root := errors.New(errors.CodeAuditWriteFailure, "disk full")
	l1 := errors.Wrap(root, errors.CodeInternal, "flush failed")
	l2 := fmt.Errorf("audit log: %w", l1)
	l3 := fmt.Errorf("scheduler shutdown: %w", l2)

	var ae *errors.AppError
	require.True(t, stderrors.As(l3, &ae))
	// errors.As returns the first match in the chain, which is l1.
	assert.Equal(t, errors.CodeInternal, ae.Code)
}

func TestStdlib_Unwrap_Chain(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("root cause")
	ae := errors.New(errors.CodeCacheInvalid, "cache failure").WithCause(cause)

	// Standard library traversal must reach the root cause.
	assert.True(t, stderrors.Is(ae, cause))
}

func TestStdlib_ErrorsIs_FalseForUnrelatedError(t *testing.T) {
	t.Parallel()

	a := errors.New(errors.CodeInternal, "error A")
	b := errors.New(errors.CodeInternal, "error B")

	// Two distinct *AppError pointers are not equal even if codes match.
	assert.False(t, stderrors.Is(a, b))
}

// ─────────────────────────────────────────────────────────────────────────────
// TestFluentChain — combined WithDetail + WithCause + factory
// ─────────────────────────────────────────────────────────────────────────────

func TestFluentChain_CombinedUsage(t *testing.T) {
	t.Parallel()

	root := stderrors.New("process exited unexpectedly")
	ae := errors.New(errors.CodeHandlerPanicked, "worker recovered from panic").
		WithDetail("operation=extract_entities").
		WithCause(root)

	assert.Equal(t, errors.CodeHandlerPanicked, ae.Code)
	assert.Equal(t, "worker recovered from panic", ae.Message)
	assert.Contains(t, ae.Detail, "extract_entities")
	assert.Equal(t, root, ae.Cause)

	// Error() must include detail.
	s := ae.Error()
	assert.Contains(t, s, "HANDLER_PANICKED")
	assert.Contains(t, s, "worker recovered from panic")
	assert.Contains(t, s, "extract_entities")

	// Standard library chain traversal must find the root.
	assert.True(t, stderrors.Is(ae, root))
}
