package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLowercasesSchemeAndHost(t *testing.T) {
	r, err := Normalize("GURT://Example.GURT:4878/Path")
	require.NoError(t, err)
	assert.Equal(t, "gurt://example.gurt/Path", r.CanonicalURL)
}

func TestNormalizeStripsTrackingParams(t *testing.T) {
	r, err := Normalize("gurt://a.gurt/p?utm_source=x&b=2&a=1&fbclid=y")
	require.NoError(t, err)
	assert.Equal(t, "gurt://a.gurt/p?a=1&b=2", r.CanonicalURL)
}

func TestNormalizeDropsFragment(t *testing.T) {
	r, err := Normalize("gurt://a.gurt/p#section")
	require.NoError(t, err)
	assert.NotContains(t, r.CanonicalURL, "#")
}

func TestNormalizeResolvesDotSegments(t *testing.T) {
	r, err := Normalize("gurt://a.gurt/a/../b/./c")
	require.NoError(t, err)
	assert.Equal(t, "gurt://a.gurt/b/c", r.CanonicalURL)
}

func TestNormalizeIdempotent(t *testing.T) {
	first, err := Normalize("gurt://A.GURT:4878/x//y?Z=1&utm_campaign=a")
	require.NoError(t, err)
	second, err := Normalize(first.CanonicalURL)
	require.NoError(t, err)
	assert.Equal(t, first.CanonicalURL, second.CanonicalURL)
}

func TestNormalizeRejectsUnsupportedScheme(t *testing.T) {
	_, err := Normalize("ftp://a.gurt/x")
	require.Error(t, err)
}

func TestNormalizeRejectsEmptyHost(t *testing.T) {
	_, err := Normalize("gurt:///path")
	require.Error(t, err)
}

func TestNormalizeRejectsOversizeURL(t *testing.T) {
	long := "gurt://a.gurt/" + strings.Repeat("x", MaxCanonicalLength)
	_, err := Normalize(long)
	require.Error(t, err)
}

func TestNormalizeRegistrableDomain(t *testing.T) {
	r, err := Normalize("gurt://sub.deep.example.gurt/")
	require.NoError(t, err)
	assert.NotEmpty(t, r.RegistrableDomain)
}

func TestNormalizeStripsDefaultPort(t *testing.T) {
	r, err := Normalize("gurt://example.gurt:4878/")
	require.NoError(t, err)
	assert.NotContains(t, r.CanonicalURL, ":4878")
}

func TestNormalizeKeepsNonDefaultPort(t *testing.T) {
	r, err := Normalize("gurt://example.gurt:9000/")
	require.NoError(t, err)
	assert.Contains(t, r.CanonicalURL, ":9000")
}
