package dkim

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/net/idna"

	"github.com/erooster-mail/dkim/dns"
)

// idnaProfile converts lookup names to A-labels. Strict domain name
// checking is off because selectors may contain underscores, and the
// _domainkey label always does.
var idnaProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false))

// toASCII converts a selector or domain to its A-label form. Names
// that are already ASCII pass through unchanged.
func toASCII(name string) (string, error) {
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return idnaProfile.ToASCII(name)
		}
	}
	return name, nil
}

// Lookup retrieves and parses the DKIM key record for a selector and
// domain, querying TXT at <selector>._domainkey.<domain>. Non-ASCII
// names are converted to A-labels first.
//
// When the name holds multiple TXT records, the first one in response
// order that parses as a DKIM record is used; RFC 6376 declares
// multiple records an undefined situation, and taking the first valid
// one keeps the outcome deterministic and interoperable. A record that
// is recognizably DKIM but malformed yields ErrSyntax when no valid
// record exists alongside it.
//
// The returned string is the TXT record the key was parsed from, and
// the bool reports whether the DNS response was DNSSEC-validated.
func Lookup(ctx context.Context, resolver dns.Resolver, selector, domain string) (*Record, string, bool, error) {
	asciiSelector, err := toASCII(selector)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: selector %q: %v", ErrSyntax, selector, err)
	}
	asciiDomain, err := toASCII(domain)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: domain %q: %v", ErrSyntax, domain, err)
	}

	name := asciiSelector + "._domainkey." + asciiDomain + "."

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, "", result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, "", result.Authentic, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	var syntaxErr error
	for _, txt := range result.Records {
		record, isDKIM, err := ParseRecord(txt)
		if err != nil {
			if isDKIM && syntaxErr == nil {
				syntaxErr = err
			}
			continue
		}
		if !isDKIM {
			continue
		}
		return record, txt, result.Authentic, nil
	}

	if syntaxErr != nil {
		return nil, "", result.Authentic, syntaxErr
	}
	return nil, "", result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
}

// IsTemporaryError returns true if verification failed in a way that
// may succeed when retried, such as a DNS timeout or server failure.
// Results with StatusTemperror carry such errors.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if dns.IsTemporary(err) {
		return true
	}
	if !errors.Is(err, ErrDNS) {
		return false
	}
	// A DNSSEC-bogus answer will not get better by retrying
	return !errors.Is(err, dns.ErrDNSBogus)
}
