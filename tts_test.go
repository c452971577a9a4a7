package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickVoiceFiltersByLocale(t *testing.T) {
	s := NewEdgeSynthesizer("en-GB")
	for i := 0; i < 20; i++ {
		assert.True(t, strings.HasPrefix(s.pickVoice(), "en-GB"))
	}
}

func TestPickVoiceUnknownLocaleFallsBack(t *testing.T) {
	s := NewEdgeSynthesizer("xx-XX")
	v := s.pickVoice()
	require.NotEmpty(t, v)
	assert.Contains(t, ttsVoices, v)
}

func TestEscapeSSML(t *testing.T) {
	assert.Equal(t, "Tom &amp; Jerry &lt;3", escapeSSML("Tom & Jerry <3"))
	assert.Equal(t, "plain text", escapeSSML("plain text"))
}

func TestNewRequestID(t *testing.T) {
	a, b := newRequestID(), newRequestID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
