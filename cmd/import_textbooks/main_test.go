package main

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateStringKeepsRunesWhole(t *testing.T) {
	got := truncateString("Élements de géométrie", 6)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "Élé...", got)
	assert.Equal(t, "Él", truncateString("Élements", 2))
	assert.Equal(t, "short", truncateString("short", 30))
}
