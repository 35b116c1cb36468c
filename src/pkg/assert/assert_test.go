package assert

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssertPassesOnTrue(t *testing.T) {
	require.NotPanics(t, func() { Assert(true, "never printed") })
}

func TestAssertPanicsWithLocation(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		require.Contains(t, r.(string), "pin count is -1")
		require.Contains(t, r.(string), "assert_test.go")
	}()

	Assert(false, "pin count is %d", -1)
}

func TestNoError(t *testing.T) {
	require.NotPanics(t, func() { NoError(nil) })
	require.Panics(t, func() { NoError(errors.New("boom")) })
}
