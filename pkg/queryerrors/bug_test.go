package queryerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustBug(t *testing.T) {
	require.True(t, IsInTests())
	assert.Panics(t, func() {
		err := MustBugf("some error")
		require.Error(t, err)
	}, "The code did not panic")
}

func TestUnsupportedOperatorError(t *testing.T) {
	err := fmt.Errorf("building query: %w", NewUnsupportedOperatorError("like", "class"))

	uerr, ok := AsUnsupportedOperatorError(err)
	require.True(t, ok)
	require.Equal(t, "like", uerr.Operator)
	require.Equal(t, map[string]string{"operator": "like", "constraint": "class", "extra": "1"},
		CombineMetadata(uerr, map[string]string{"extra": "1"}))

	_, ok = AsUnsupportedOperatorError(errors.New("other"))
	require.False(t, ok)
}

func TestCallbackFaultError(t *testing.T) {
	cause := errors.New("boom")
	require.ErrorIs(t, NewCallbackFaultError(cause), cause)
	require.ErrorContains(t, NewCallbackPanicError("oops"), "panicked: oops")
}
