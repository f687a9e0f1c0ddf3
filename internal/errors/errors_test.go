package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/spectractl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrDeviceNotFound)
	assert.Equal(t, "Spectrometer not found", err.Error())

	err = errFactory.WithData(errors.ErrPluginOption, "factor must be numeric")
	assert.Equal(t, "Invalid plugin option: factor must be numeric", err.Error())

	err = errFactory.Wrap(errors.ErrFrameTimeout, fmt.Errorf("read deadline"))
	assert.Equal(t, "Timed out waiting for frame: read deadline", err.Error())

	assert.Equal(t, "custom", errFactory.New(errors.ErrInternal).WithMessage("custom").Error())
}

func TestCodeLookup(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.New(errors.ErrDeviceDisconnected)
	outer := errFactory.Wrap(errors.ErrSessionStartup, fmt.Errorf("open: %w", inner))

	assert.Equal(t, errors.ErrSessionStartup, errors.CodeOf(outer))
	assert.True(t, errors.HasCode(outer, errors.ErrDeviceDisconnected))
	assert.True(t, errors.HasCode(outer, errors.ErrSessionStartup))
	assert.False(t, errors.HasCode(outer, errors.ErrDeviceTimeout))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(fmt.Errorf("plain")))

	joined := errors.Join(fmt.Errorf("plain"), inner)
	assert.True(t, errors.HasCode(joined, errors.ErrDeviceDisconnected))
}
