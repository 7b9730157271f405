package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	kerrors "github.com/plensing/kineticio/internal/errors"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, kerrors.CodeOK, kerrors.CodeOf(nil))
	assert.Equal(t, kerrors.CodeIO, kerrors.CodeOf(kerrors.New(kerrors.CodeIO, "boom")))
	assert.Equal(t, kerrors.CodeInternal, kerrors.CodeOf(errors.New("foreign")))
}

func TestCodeSurvivesWrapping(t *testing.T) {
	inner := kerrors.New(kerrors.CodeNoDevice, "no cluster")
	outer := fmt.Errorf("opening file: %w", inner)
	assert.True(t, kerrors.IsNoDevice(outer))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("network down")
	err := kerrors.Wrap(kerrors.CodeNotConnected, "drive unreachable", cause)
	assert.True(t, kerrors.IsNotConnected(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "drive unreachable")
	assert.Contains(t, err.Error(), "network down")
}

func TestPredicates(t *testing.T) {
	assert.True(t, kerrors.IsInvalidArgument(kerrors.New(kerrors.CodeInvalidArgument, "bad offset")))
	assert.True(t, kerrors.IsIO(kerrors.New(kerrors.CodeIO, "quorum")))
	assert.False(t, kerrors.IsIO(nil))
}
