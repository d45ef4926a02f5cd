package dns

import (
	"context"
	"slices"
)

// MockResolver is a Resolver used for testing. Records map FQDNs (with
// trailing dot) to TXT values.
type MockResolver struct {
	TXT map[string][]string

	// Fail contains lookups that return a temporary error (SERVFAIL).
	// Format: "txt name.", e.g. "txt sel._domainkey.example.com."
	Fail []string

	// AllAuthentic sets the default value for Authentic in responses.
	// Overridden by the Authentic and Inauthentic lists.
	AllAuthentic bool

	// Authentic contains lookups that report Authentic=true.
	// Format: "txt name."
	Authentic []string

	// Inauthentic contains lookups that report Authentic=false.
	// Format: "txt name."
	Inauthentic []string
}

var _ Resolver = MockResolver{}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// LookupTXT returns the configured TXT records for the given name.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureFQDN(name)
	req := "txt " + fqdn

	result := Result[string]{Authentic: r.AllAuthentic}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if slices.Contains(r.Fail, req) {
		return result, ErrDNSServFail
	}
	if slices.Contains(r.Authentic, req) {
		result.Authentic = true
	}
	if slices.Contains(r.Inauthentic, req) {
		result.Authentic = false
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return result, ErrDNSNotFound
	}

	result.Records = records
	return result, nil
}
