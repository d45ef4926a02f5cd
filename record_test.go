package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
)

const testEd25519PubB64 = "11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo="

// PKIX form of a 2048-bit RSA public key.
const testRSAPubB64 = "MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAy3Z9ffZe8gUTJrdGuKj6" +
	"IwEembmKYpp0jMa8uhudErcI4gFVUaFiiRWxc4jP/XR9NAEv3XwHm+CVcHu+L/n6VWt6g59U7vHXQicMfKGmEp2V" +
	"plsgojNy/Y5X9HdVYM0azsI47NcJCDW9UVfeOHdOSgFME4F8dNtUKC4KTB2d1pqj/yixz+V8Sv8xkEyPfSRHcNXI" +
	"w0LvelqJ1MRfN3hO/3uQSVrPYYk4SyV0b6wfnkQs28fpiIpGQvzlGI5WkrdOQT5k4YHaEvZDLNdwiMeVZOEL7dDo" +
	"Fs2mQsovm+tH0StUAZTnr61NLVFfD5V6Ip1V9zVtspPHvYSuOWwyArFZ9QIDAQAB"

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name      string
		txt       string
		wantErr   error
		wantDKIM  bool
		checkFunc func(t *testing.T, r *Record)
	}{
		{
			name: "valid RSA record",
			txt:  "v=DKIM1; k=rsa; p=" + testRSAPubB64,
			checkFunc: func(t *testing.T, r *Record) {
				if r.Version != "DKIM1" {
					t.Errorf("version = %s, want DKIM1", r.Version)
				}
				if r.Key != "rsa" {
					t.Errorf("key = %s, want rsa", r.Key)
				}
				if _, ok := r.PublicKey.(*rsa.PublicKey); !ok {
					t.Errorf("publicKey = %T, want *rsa.PublicKey", r.PublicKey)
				}
			},
		},
		{
			name: "valid Ed25519 record",
			txt:  "v=DKIM1; k=ed25519; p=" + testEd25519PubB64,
			checkFunc: func(t *testing.T, r *Record) {
				if r.Key != "ed25519" {
					t.Errorf("key = %s, want ed25519", r.Key)
				}
				if _, ok := r.PublicKey.(ed25519.PublicKey); !ok {
					t.Errorf("publicKey = %T, want ed25519.PublicKey", r.PublicKey)
				}
			},
		},
		{
			name: "defaults are applied",
			txt:  "p=" + testRSAPubB64,
			checkFunc: func(t *testing.T, r *Record) {
				if r.Key != "rsa" {
					t.Errorf("default key = %s, want rsa", r.Key)
				}
				if len(r.Services) != 1 || r.Services[0] != "*" {
					t.Errorf("default services = %v, want [*]", r.Services)
				}
				if !r.HashAllowed("sha256") || !r.HashAllowed("sha1") {
					t.Error("default record should allow any hash")
				}
			},
		},
		{
			name: "hash restriction",
			txt:  "v=DKIM1; h=sha256; p=" + testRSAPubB64,
			checkFunc: func(t *testing.T, r *Record) {
				if !r.HashAllowed("sha256") {
					t.Error("sha256 should be allowed")
				}
				if r.HashAllowed("sha1") {
					t.Error("sha1 should not be allowed")
				}
			},
		},
		{
			name: "flags",
			txt:  "v=DKIM1; t=y:s; p=" + testRSAPubB64,
			checkFunc: func(t *testing.T, r *Record) {
				if !r.IsTesting() {
					t.Error("IsTesting() = false, want true")
				}
				if !r.RequireStrictAlignment() {
					t.Error("RequireStrictAlignment() = false, want true")
				}
			},
		},
		{
			name: "services",
			txt:  "v=DKIM1; s=email; p=" + testRSAPubB64,
			checkFunc: func(t *testing.T, r *Record) {
				if !r.ServiceAllowed("email") {
					t.Error("email service should be allowed")
				}
				if r.ServiceAllowed("tlsrpt") {
					t.Error("tlsrpt service should not be allowed")
				}
			},
		},
		{
			name: "quoted-printable notes",
			txt:  "v=DKIM1; n=key=20notes; p=" + testRSAPubB64,
			checkFunc: func(t *testing.T, r *Record) {
				if r.Notes != "key notes" {
					t.Errorf("notes = %q, want %q", r.Notes, "key notes")
				}
			},
		},
		{
			name: "revoked key parses, nil public key",
			txt:  "v=DKIM1; p=",
			checkFunc: func(t *testing.T, r *Record) {
				if r.PublicKey != nil {
					t.Errorf("publicKey = %v, want nil for revoked key", r.PublicKey)
				}
				if len(r.Pubkey) != 0 {
					t.Errorf("pubkey = %x, want empty", r.Pubkey)
				}
			},
		},
		{
			name: "whitespace inside p= is ignored",
			txt:  "v=DKIM1; k=ed25519; p=11qYAYKxCrfVS/7TyWQHOg 7hcvPapiMlrwIaaPcHURo=",
			checkFunc: func(t *testing.T, r *Record) {
				if _, ok := r.PublicKey.(ed25519.PublicKey); !ok {
					t.Errorf("publicKey = %T, want ed25519.PublicKey", r.PublicKey)
				}
			},
		},
		{
			name:     "wrong version",
			txt:      "v=DKIM2; p=" + testRSAPubB64,
			wantErr:  errors.New("not a DKIM1 record"),
			wantDKIM: false,
		},
		{
			name:     "unrelated TXT record",
			txt:      "v=spf1 include:_spf.example.com ~all",
			wantErr:  errors.New("not a DKIM record"),
			wantDKIM: false,
		},
		{
			name:     "missing p tag",
			txt:      "v=DKIM1; k=rsa",
			wantErr:  ErrSyntax,
			wantDKIM: true,
		},
		{
			name:     "invalid base64 in p tag",
			txt:      "v=DKIM1; p=!!!not-base64!!!",
			wantErr:  ErrSyntax,
			wantDKIM: true,
		},
		{
			name:     "key type and key data mismatch",
			txt:      "v=DKIM1; k=ed25519; p=" + testRSAPubB64,
			wantErr:  ErrSyntax,
			wantDKIM: true,
		},
		{
			name:     "unsupported key type",
			txt:      "v=DKIM1; k=dsa; p=" + testRSAPubB64,
			wantErr:  ErrSyntax,
			wantDKIM: true,
		},
		{
			name:     "duplicate tag",
			txt:      "v=DKIM1; k=rsa; k=rsa; p=" + testRSAPubB64,
			wantErr:  ErrSyntax,
			wantDKIM: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, isDKIM, err := ParseRecord(tt.txt)
			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("ParseRecord() = %+v, want error", record)
				}
				if isDKIM != tt.wantDKIM {
					t.Errorf("isDKIM = %v, want %v", isDKIM, tt.wantDKIM)
				}
				// Sentinel errors must be matchable with errors.Is
				if errors.Is(tt.wantErr, ErrSyntax) && !errors.Is(err, ErrSyntax) {
					t.Errorf("error = %v, want ErrSyntax", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRecord() error = %v", err)
			}
			if !isDKIM {
				t.Error("isDKIM = false, want true")
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, record)
			}
		})
	}
}

func TestRecordToTXT(t *testing.T) {
	record := &Record{
		Version:  "DKIM1",
		Key:      "ed25519",
		Hashes:   []string{"sha256"},
		Notes:    "test key; rotate soon",
		Services: []string{"email"},
		Flags:    []string{"y"},
		Pubkey:   base64Decode(testEd25519PubB64),
	}

	txt, err := record.ToTXT()
	if err != nil {
		t.Fatalf("ToTXT() error = %v", err)
	}
	if !strings.HasPrefix(txt, "v=DKIM1") {
		t.Errorf("TXT should start with v=DKIM1: %s", txt)
	}

	parsed, isDKIM, err := ParseRecord(txt)
	if err != nil || !isDKIM {
		t.Fatalf("ParseRecord(%q) error = %v, isDKIM = %v", txt, err, isDKIM)
	}
	if parsed.Key != "ed25519" {
		t.Errorf("key = %s, want ed25519", parsed.Key)
	}
	if len(parsed.Hashes) != 1 || parsed.Hashes[0] != "sha256" {
		t.Errorf("hashes = %v, want [sha256]", parsed.Hashes)
	}
	if parsed.Notes != record.Notes {
		t.Errorf("notes = %q, want %q", parsed.Notes, record.Notes)
	}
	if !parsed.IsTesting() {
		t.Error("IsTesting() = false after round-trip")
	}
	if _, ok := parsed.PublicKey.(ed25519.PublicKey); !ok {
		t.Errorf("publicKey = %T, want ed25519.PublicKey", parsed.PublicKey)
	}
}

func TestRecordToTXTFromPublicKey(t *testing.T) {
	record := &Record{
		Version:   "DKIM1",
		Key:       "ed25519",
		PublicKey: ed25519.PublicKey(base64Decode(testEd25519PubB64)),
	}
	txt, err := record.ToTXT()
	if err != nil {
		t.Fatalf("ToTXT() error = %v", err)
	}
	if !strings.Contains(txt, "p="+testEd25519PubB64) {
		t.Errorf("TXT should contain the marshaled key: %s", txt)
	}
}

func TestRecordToTXTRevoked(t *testing.T) {
	record := &Record{Version: "DKIM1"}
	txt, err := record.ToTXT()
	if err != nil {
		t.Fatalf("ToTXT() error = %v", err)
	}
	if !strings.HasSuffix(txt, "p=") {
		t.Errorf("revoked record should end with empty p=: %s", txt)
	}
}

func TestQPSection(t *testing.T) {
	tests := []struct {
		decoded string
		encoded string
	}{
		{"plain", "plain"},
		{"two words", "two=20words"},
		{"a=b", "a=3Db"},
		{"semi;colon", "semi=3Bcolon"},
		{" leading", "=20leading"},
	}
	for _, tt := range tests {
		if got := encodeQPSection(tt.decoded); got != tt.encoded {
			t.Errorf("encodeQPSection(%q) = %q, want %q", tt.decoded, got, tt.encoded)
		}
		if got := decodeQPSection(tt.encoded); got != tt.decoded {
			t.Errorf("decodeQPSection(%q) = %q, want %q", tt.encoded, got, tt.decoded)
		}
	}
}
