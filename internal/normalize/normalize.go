// Package normalize canonicalizes gurt:// URLs to a single representative
// form and derives the stable identifiers the rest of the system keys on.
package normalize

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/gurtd/gurtd/internal/errs"
)

// MaxCanonicalLength is the byte cap a canonical URL must not exceed.
const MaxCanonicalLength = 2048

// defaultPorts maps a scheme to the port implied when none is given.
var defaultPorts = map[string]string{
	"gurt":  "4878",
	"http":  "80",
	"https": "443",
}

// trackingParamPrefixes and trackingParams are stripped during
// canonicalization; everything else is preserved verbatim.
var trackingParamPrefixes = []string{"utm_"}
var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
}

// Result is the output of Normalize.
type Result struct {
	CanonicalURL      string
	NormalizedHash    [32]byte
	RegistrableDomain string
	Host              string
}

// Normalize canonicalizes rawURL per the scheme/host/path/query/fragment
// rules and returns its canonical form alongside derived identifiers.
// Normalize(Normalize(x).CanonicalURL) always reproduces the same result
// (idempotence).
func Normalize(rawURL string) (Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Result{}, errs.New(errs.Permanent, "normalize.parse", fmt.Errorf("%w: %v", errs.ErrInvalidURL, err))
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := defaultPorts[scheme]; !ok {
		return Result{}, errs.New(errs.Permanent, "normalize.scheme", fmt.Errorf("%w: unsupported scheme %q", errs.ErrInvalidURL, u.Scheme))
	}
	u.Scheme = scheme

	host, port := u.Hostname(), u.Port()
	if host == "" {
		return Result{}, errs.New(errs.Permanent, "normalize.host", fmt.Errorf("%w: empty host", errs.ErrInvalidURL))
	}
	host = strings.ToLower(host)
	encodedHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return Result{}, errs.New(errs.Permanent, "normalize.idna", fmt.Errorf("%w: %v", errs.ErrInvalidURL, err))
	}
	host = encodedHost

	if port != "" && port != defaultPorts[scheme] {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	u.Path = canonicalizePath(u.Path)
	u.RawQuery = canonicalizeQuery(u.RawQuery)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	canonical := u.String()
	if len(canonical) > MaxCanonicalLength {
		return Result{}, errs.New(errs.Permanent, "normalize.length", fmt.Errorf("%w: %d bytes", errs.ErrInvalidURL, len(canonical)))
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Hosts like "localhost" or bare single-label domains have no
		// public-suffix match; fall back to the host itself.
		registrable = host
	}

	return Result{
		CanonicalURL:      canonical,
		NormalizedHash:    sha256.Sum256([]byte(canonical)),
		RegistrableDomain: registrable,
		Host:              host,
	}, nil
}

// canonicalizePath resolves "." and ".." segments, collapses duplicate
// slashes, and guarantees a leading slash.
func canonicalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	// path.Clean drops a trailing slash that callers may have intended for
	// a directory root; the original spec treats "/a/" and "/a" as
	// distinct canonical URLs, so only fix up the leading-slash guarantee.
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(cleaned, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// canonicalizeQuery sorts parameters by key (then value) and drops
// well-known tracking parameters.
func canonicalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	for k := range values {
		if isTrackingParam(k) {
			delete(values, k)
		}
	}
	if len(values) == 0 {
		return ""
	}
	return values.Encode()
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := trackingParams[lower]; ok {
		return true
	}
	for _, prefix := range trackingParamPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// SortedKeys is a small helper exposed for callers that want deterministic
// iteration over a query's parameter set; no other gurtd package calls it.
func SortedKeys(values url.Values) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
