package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<html><head><title>  Sample Page  </title></head>
<body>
<script>var x = 1;</script>
<p>Hello   world.</p>
<a href="/about">About</a>
<a href="gurt://other.gurt/page">Other</a>
<a href="/about">About again</a>
<a href="#frag">Skip me</a>
</body></html>`

func TestParseExtractsTitleTextAndLinks(t *testing.T) {
	doc, err := Parse("gurt://example.gurt/index", []byte(samplePage))
	require.NoError(t, err)
	require.Equal(t, "Sample Page", doc.Title)
	require.Contains(t, doc.Text, "Hello world.")
	require.NotContains(t, doc.Text, "var x = 1")

	require.Len(t, doc.Links, 2)
	urls := []string{doc.Links[0].TargetURL, doc.Links[1].TargetURL}
	require.Contains(t, urls, "gurt://example.gurt/about")
	require.Contains(t, urls, "gurt://other.gurt/page")
}

func TestResolveLinkHandlesRelativeAndAbsolute(t *testing.T) {
	require.Equal(t, "gurt://example.gurt/about", resolveLink("gurt://example.gurt/index", "/about"))
	require.Equal(t, "gurt://other.gurt/x", resolveLink("gurt://example.gurt/index", "gurt://other.gurt/x"))
	require.Equal(t, "gurt://example.gurt/dir/page", resolveLink("gurt://example.gurt/dir/index", "page"))
}
