package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathLayout(t *testing.T) {
	p := NewPaths("/data")

	assert.Equal(t, filepath.Join("/data", "ca-test-ca-key.pem"), p.CaKey("test-ca"))
	assert.Equal(t, filepath.Join("/data", "ca-test-ca-cert.pem"), p.CaCert("test-ca"))
	assert.Equal(t, filepath.Join("/data", "intermediate-i-key.pem"), p.IntermediateKey("i"))
	assert.Equal(t, filepath.Join("/data", "intermediate-i-cert.pem"), p.IntermediateCert("i"))
	assert.Equal(t, filepath.Join("/data", "leaf-7-key.pem"), p.LeafKey(7))
}

func TestSlugFromName(t *testing.T) {
	assert.Equal(t, "test-ca", SlugFromName("Test CA"))
	assert.Equal(t, "meine-ca", SlugFromName("  Meine   CA  "))
	assert.Equal(t, "ca-2024", SlugFromName("CA 2024!"))
	assert.Equal(t, "mlaut-ca", SlugFromName("Ümlaut CA"))
}

func TestUniqueSlugAppendsSuffixOnCollision(t *testing.T) {
	taken := map[string]bool{"test-ca": true}
	exists := func(id string) bool { return taken[id] }

	s := UniqueSlug("Fresh CA", exists)
	assert.Equal(t, "fresh-ca", s)

	s = UniqueSlug("Test CA", exists)
	assert.NotEqual(t, "test-ca", s)
	assert.Regexp(t, `^test-ca-[0-9a-z]+$`, s)
}
