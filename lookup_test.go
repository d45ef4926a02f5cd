package dkim

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/erooster-mail/dkim/dns"
)

func TestLookup(t *testing.T) {
	rsaRecord := "v=DKIM1; k=rsa; p=" + testRSAPubB64
	ed25519Record := "v=DKIM1; k=ed25519; p=" + testEd25519PubB64

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"sel._domainkey.example.com.":     {rsaRecord},
			"ed._domainkey.example.com.":      {ed25519Record},
			"multi._domainkey.example.com.":   {"some unrelated txt", rsaRecord, ed25519Record},
			"broken._domainkey.example.com.":  {"v=DKIM1; k=rsa; p=!!!"},
			"mixed._domainkey.example.com.":   {"v=DKIM1; k=rsa; p=!!!", ed25519Record},
			"spfonly._domainkey.example.com.": {"v=spf1 -all"},
			"sel._domainkey.xn--n3h.example.": {ed25519Record},
		},
		Fail: []string{
			"txt down._domainkey.example.com.",
		},
		Authentic: []string{
			"txt ed._domainkey.example.com.",
		},
	}

	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		record, txt, authentic, err := Lookup(ctx, resolver, "sel", "example.com")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if record.Key != "rsa" {
			t.Errorf("key = %s, want rsa", record.Key)
		}
		if txt != rsaRecord {
			t.Errorf("txt = %q", txt)
		}
		if authentic {
			t.Error("authentic = true, want false")
		}
	})

	t.Run("dnssec authentic", func(t *testing.T) {
		_, _, authentic, err := Lookup(ctx, resolver, "ed", "example.com")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if !authentic {
			t.Error("authentic = false, want true")
		}
	})

	t.Run("no record", func(t *testing.T) {
		_, _, _, err := Lookup(ctx, resolver, "missing", "example.com")
		if !errors.Is(err, ErrNoRecord) {
			t.Fatalf("error = %v, want ErrNoRecord", err)
		}
		if IsTemporaryError(err) {
			t.Error("ErrNoRecord should not be temporary")
		}
	})

	t.Run("dns failure", func(t *testing.T) {
		_, _, _, err := Lookup(ctx, resolver, "down", "example.com")
		if !errors.Is(err, ErrDNS) {
			t.Fatalf("error = %v, want ErrDNS", err)
		}
		if !IsTemporaryError(err) {
			t.Error("SERVFAIL should be temporary")
		}
	})

	// Multiple TXT records at one name is undefined per RFC 6376; the
	// first record that parses as DKIM wins, deterministically.
	t.Run("multiple records, first valid wins", func(t *testing.T) {
		record, txt, _, err := Lookup(ctx, resolver, "multi", "example.com")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if record.Key != "rsa" {
			t.Errorf("key = %s, want rsa (first DKIM record)", record.Key)
		}
		if txt != rsaRecord {
			t.Errorf("txt = %q, want the rsa record", txt)
		}
	})

	t.Run("malformed DKIM record", func(t *testing.T) {
		_, _, _, err := Lookup(ctx, resolver, "broken", "example.com")
		if !errors.Is(err, ErrSyntax) {
			t.Fatalf("error = %v, want ErrSyntax", err)
		}
	})

	// A broken record does not mask a valid one at the same name
	t.Run("malformed record beside valid record", func(t *testing.T) {
		record, _, _, err := Lookup(ctx, resolver, "mixed", "example.com")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if record.Key != "ed25519" {
			t.Errorf("key = %s, want ed25519", record.Key)
		}
	})

	t.Run("unrelated TXT only", func(t *testing.T) {
		_, _, _, err := Lookup(ctx, resolver, "spfonly", "example.com")
		if !errors.Is(err, ErrNoRecord) {
			t.Fatalf("error = %v, want ErrNoRecord", err)
		}
	})

	// U-label domains are queried by their A-label form
	t.Run("internationalized domain", func(t *testing.T) {
		record, _, _, err := Lookup(ctx, resolver, "sel", "☃.example")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if record.Key != "ed25519" {
			t.Errorf("key = %s, want ed25519", record.Key)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, _, _, err := Lookup(canceled, resolver, "sel", "example.com")
		if err == nil {
			t.Fatal("want error for canceled context")
		}
	})
}

func TestIsTemporaryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no record", fmt.Errorf("%w: name", ErrNoRecord), false},
		{"syntax", fmt.Errorf("%w: bad", ErrSyntax), false},
		{"dns servfail", fmt.Errorf("%w: %w", ErrDNS, dns.ErrDNSServFail), true},
		{"dns timeout", fmt.Errorf("%w: %w", ErrDNS, dns.ErrDNSTimeout), true},
		{"dns refused", fmt.Errorf("%w: %w", ErrDNS, dns.ErrDNSRefused), true},
		// A DNSSEC-bogus response is a hard failure, retrying won't help
		{"dnssec bogus", fmt.Errorf("%w: %w", ErrDNS, dns.ErrDNSBogus), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporaryError(tt.err); got != tt.want {
				t.Errorf("IsTemporaryError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
