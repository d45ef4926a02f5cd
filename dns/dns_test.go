package dns

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		isNotFound bool
		isTimeout  bool
		isServFail bool
		isTemp     bool
	}{
		{
			name:       "not found error",
			err:        ErrDNSNotFound,
			isNotFound: true,
		},
		{
			name:      "timeout error",
			err:       ErrDNSTimeout,
			isTimeout: true,
			isTemp:    true,
		},
		{
			name:       "server failure",
			err:        ErrDNSServFail,
			isServFail: true,
			isTemp:     true,
		},
		{
			name:   "refused",
			err:    ErrDNSRefused,
			isTemp: true,
		},
		{
			// Bogus DNSSEC data stays bogus on retry
			name: "dnssec bogus",
			err:  ErrDNSBogus,
		},
		{
			name:       "wrapped not found",
			err:        fmt.Errorf("lookup: %w", ErrDNSNotFound),
			isNotFound: true,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			isTimeout: true,
			isTemp:    true,
		},
		{
			name: "unrelated error",
			err:  errors.New("wrapper: " + ErrDNSNotFound.Error()),
		},
		{
			name: "nil error",
			err:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.isNotFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.isNotFound)
			}
			if got := IsTimeout(tt.err); got != tt.isTimeout {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.isTimeout)
			}
			if got := IsServFail(tt.err); got != tt.isServFail {
				t.Errorf("IsServFail() = %v, want %v", got, tt.isServFail)
			}
			if got := IsTemporary(tt.err); got != tt.isTemp {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.isTemp)
			}
		})
	}
}

func TestResultGeneric(t *testing.T) {
	result := Result[string]{
		Records:   []string{"txt1", "txt2"},
		Authentic: true,
	}
	if len(result.Records) != 2 {
		t.Errorf("expected 2 records, got %d", len(result.Records))
	}
	if !result.Authentic {
		t.Error("expected authentic to be true")
	}
}

// TestResolverInterface verifies that our types implement Resolver
func TestResolverInterface(t *testing.T) {
	var _ Resolver = (*DNSResolver)(nil)
	var _ Resolver = (*StdResolver)(nil)
	var _ Resolver = MockResolver{}
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{})

	if r.config.Timeout == 0 {
		t.Error("expected default timeout to be set")
	}
	if r.config.Retries == 0 {
		t.Error("expected default retries to be set")
	}
	// Nameservers come from the system, or the public fallback
	if len(r.config.Nameservers) == 0 {
		t.Error("expected nameservers to be set")
	}
}

func TestNewStdResolver(t *testing.T) {
	r := NewStdResolver()
	if r == nil {
		t.Fatal("expected non-nil resolver")
	}
	if r.resolver == nil {
		t.Error("expected non-nil internal resolver")
	}
}

func TestEnsureAbsolute(t *testing.T) {
	if got := ensureAbsolute("example.com"); got != "example.com." {
		t.Errorf("ensureAbsolute() = %q", got)
	}
	if got := ensureAbsolute("example.com."); got != "example.com." {
		t.Errorf("ensureAbsolute() = %q", got)
	}
}

func TestMockResolver(t *testing.T) {
	resolver := MockResolver{
		TXT: map[string][]string{
			"sel._domainkey.example.com.": {"v=DKIM1; p=abc", "other"},
		},
		Fail:      []string{"txt down._domainkey.example.com."},
		Authentic: []string{"txt sel._domainkey.example.com."},
	}

	ctx := context.Background()

	// Lookup without trailing dot resolves the same name
	result, err := resolver.LookupTXT(ctx, "sel._domainkey.example.com")
	if err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	if len(result.Records) != 2 {
		t.Errorf("expected 2 records, got %d", len(result.Records))
	}
	if !result.Authentic {
		t.Error("expected Authentic=true from Authentic list")
	}

	_, err = resolver.LookupTXT(ctx, "missing._domainkey.example.com.")
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	_, err = resolver.LookupTXT(ctx, "down._domainkey.example.com.")
	if !IsServFail(err) {
		t.Errorf("expected servfail, got %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = resolver.LookupTXT(canceled, "sel._domainkey.example.com.")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// Integration test - skip if no network
func TestDNSResolverIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	r := NewResolver(ResolverConfig{
		Nameservers: []string{"8.8.8.8:53"},
	})

	result, err := r.LookupTXT(context.Background(), "google.com")
	if err != nil {
		t.Logf("TXT lookup failed (may be expected): %v", err)
	} else if len(result.Records) == 0 {
		t.Log("No TXT records found for google.com")
	}
}

func TestStdResolverIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	r := NewStdResolver()
	result, err := r.LookupTXT(context.Background(), "google.com.")
	if err != nil {
		t.Logf("TXT lookup failed (may be expected): %v", err)
	} else if result.Authentic {
		t.Error("StdResolver should never return Authentic=true")
	}
}
