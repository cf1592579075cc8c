package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStable(t *testing.T) {
	h1, ok := Fingerprint("Daily fitness")
	require.True(t, ok)
	h2, ok := Fingerprint("Daily fitness")
	require.True(t, ok)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestFingerprintChangesWithContent(t *testing.T) {
	h1, _ := Fingerprint("Daily fitness")
	h2, _ := Fingerprint("Daily fitness and nutrition")
	assert.NotEqual(t, h1, h2)
}

func TestFingerprintIgnoresSurroundingWhitespace(t *testing.T) {
	h1, _ := Fingerprint("Daily fitness")
	h2, _ := Fingerprint("  Daily fitness\n")
	assert.Equal(t, h1, h2)
}

func TestFingerprintEmptyText(t *testing.T) {
	_, ok := Fingerprint("")
	assert.False(t, ok)
	_, ok = Fingerprint("   \t\n")
	assert.False(t, ok)
}

func TestChanged(t *testing.T) {
	h, _ := Fingerprint("Daily fitness")

	assert.False(t, Changed(h, "Daily fitness"), "same content is a no-op")
	assert.True(t, Changed(h, "Daily fitness and nutrition"))
	assert.True(t, Changed("", "Daily fitness"), "no current embedding counts as changed")
	assert.False(t, Changed("", "   "), "nothing before, nothing now")
	assert.True(t, Changed(h, ""), "content removed counts as changed")
}
