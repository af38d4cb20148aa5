package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/validator"
)

func TestValidator_NoFailuresReturnsNilErr(t *testing.T) {
	v := validator.New()
	v.Assert(true, "always true")
	v.AssertFunc(func() bool { return true }, "always true too")
	assert.NoError(t, v.Err())
}

func TestValidator_FirstFailureWinsAndIsInternalKind(t *testing.T) {
	v := validator.New()
	v.Assert(true, "passes")
	v.Assert(false, "first failure")
	v.Assert(false, "second failure never recorded")

	err := v.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first failure")
	assert.NotContains(t, err.Error(), "second failure")

	kind, ok := workererrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, workererrors.Internal, kind)
}

func TestValidator_AssertFuncShortCircuitsAfterFailure(t *testing.T) {
	v := validator.New()
	v.Assert(false, "already failed")

	called := false
	v.AssertFunc(func() bool {
		called = true
		return true
	}, "never evaluated")

	assert.False(t, called)
}
