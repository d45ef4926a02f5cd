// Package dns provides the DNS lookup capability used for retrieving
// DKIM key records.
//
// The Resolver interface is deliberately narrow: DKIM consumes exactly
// one DNS operation, a TXT lookup. Implementations classify failures
// into the package sentinel errors so callers can distinguish a
// missing record (permanent) from a resolution failure (retryable).
package dns

import (
	"context"
	"errors"
)

// DNS lookup errors.
var (
	// ErrDNSNotFound indicates the name does not exist (NXDOMAIN) or
	// has no records of the requested type. This is a permanent
	// condition, not worth retrying.
	ErrDNSNotFound = errors.New("dns: name not found")

	// ErrDNSTimeout indicates the query timed out.
	ErrDNSTimeout = errors.New("dns: query timed out")

	// ErrDNSServFail indicates the server returned SERVFAIL.
	ErrDNSServFail = errors.New("dns: server failure")

	// ErrDNSRefused indicates the server refused the query.
	ErrDNSRefused = errors.New("dns: query refused")

	// ErrDNSBogus indicates the response failed DNSSEC validation at
	// the upstream resolver.
	ErrDNSBogus = errors.New("dns: dnssec validation failed")
)

// Result holds the records of a lookup along with the DNSSEC status of
// the response.
type Result[T any] struct {
	// Records are the answers, in response order.
	Records []T

	// Authentic indicates the response was DNSSEC-validated (the
	// resolver set the AD bit).
	Authentic bool
}

// Resolver resolves TXT records. The context bounds the lookup.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)
}

// IsNotFound returns true if the error means the name has no usable
// records.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout returns true if the error is a query timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsServFail returns true if the error is a server failure.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary returns true if the lookup may succeed when retried
// later. A DNSSEC-bogus response is not temporary: retrying will keep
// failing until the zone is fixed.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSTimeout) ||
		errors.Is(err, ErrDNSServFail) ||
		errors.Is(err, ErrDNSRefused) ||
		errors.Is(err, context.DeadlineExceeded)
}
