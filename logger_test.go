package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserErrorCatalog(t *testing.T) {
	catalog := GetUserErrors()
	require.NotEmpty(t, catalog)

	// Known user-facing strings come back verbatim.
	assert.Equal(t, ErrSessionNothingPlaying, catalog["ErrSessionNothingPlaying"])
	assert.Equal(t, ErrVoiceUserNotInChannel, catalog["ErrVoiceUserNotInChannel"])

	// The scan only keeps plain Err/Msg strings; format templates
	// never leak into user-facing lookups.
	for name, value := range catalog {
		assert.True(t, strings.HasPrefix(name, "Err") || strings.HasPrefix(name, "Msg"), name)
		assert.NotContains(t, value, "%", name)
	}
}
