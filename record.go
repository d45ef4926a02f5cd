package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// Record represents a DKIM DNS TXT record (RFC 6376 Section 3.6.1),
// published at <selector>._domainkey.<domain>.
type Record struct {
	// Version is the record version, must be "DKIM1".
	Version string

	// Hashes is the list of acceptable hash algorithms (h=), e.g.
	// "sha256". Empty means all algorithms are acceptable.
	Hashes []string

	// Key is the key type (k=): "rsa" (default) or "ed25519".
	Key string

	// Notes contains optional human-readable notes (n=).
	Notes string

	// Pubkey is the raw public key data (p=, base64-decoded).
	// Empty means the key has been revoked.
	Pubkey []byte

	// Services lists acceptable service types (s=). Empty or
	// containing "*" means all services.
	Services []string

	// Flags contains key flags (t=):
	//   "y" - domain is testing DKIM
	//   "s" - the i= domain must exactly match the d= domain
	Flags []string

	// PublicKey is the parsed public key, either *rsa.PublicKey or
	// ed25519.PublicKey. Nil when the key is revoked.
	PublicKey any
}

// ServiceAllowed returns true if the given service is allowed by this key.
func (r *Record) ServiceAllowed(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, s := range r.Services {
		if s == "*" || strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}

// IsTesting returns true if the key is marked for testing (t=y).
func (r *Record) IsTesting() bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "y") {
			return true
		}
	}
	return false
}

// RequireStrictAlignment returns true if strict alignment is required (t=s).
func (r *Record) RequireStrictAlignment() bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "s") {
			return true
		}
	}
	return false
}

// HashAllowed returns true if the given hash algorithm is allowed.
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	for _, h := range r.Hashes {
		if strings.EqualFold(h, hash) {
			return true
		}
	}
	return false
}

// ToTXT generates the DNS TXT record string for this Record, for
// publishing a key. When Pubkey is empty but PublicKey is set, the key
// is marshaled; when both are empty the record is published revoked.
func (r *Record) ToTXT() (string, error) {
	var parts []string

	if r.Version != "DKIM1" {
		return "", fmt.Errorf("invalid version: %s", r.Version)
	}
	parts = append(parts, "v=DKIM1")

	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}

	// Key type, unless the default rsa
	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		parts = append(parts, "k="+r.Key)
	}

	if r.Notes != "" {
		parts = append(parts, "n="+encodeQPSection(r.Notes))
	}

	// Services, unless the default any
	if len(r.Services) > 0 && !(len(r.Services) == 1 && r.Services[0] == "*") {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}

	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error
		pk, err = marshalPublicKey(r.PublicKey)
		if err != nil {
			return "", err
		}
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))

	return strings.Join(parts, "; "), nil
}

// marshalPublicKey converts a public key to bytes for the p= tag.
func marshalPublicKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return x509.MarshalPKIXPublicKey(k)
	case ed25519.PublicKey:
		return []byte(k), nil
	default:
		return nil, fmt.Errorf("unsupported public key type: %T", key)
	}
}

// ParseRecord parses a DKIM DNS TXT record. The second return value
// reports whether the TXT looked like a DKIM record at all: a TXT that
// is recognizably DKIM but malformed fails with isDKIM true, while an
// unrelated TXT at the same name fails with isDKIM false.
//
// A record with an empty p= parses successfully with a nil PublicKey;
// that means the key was revoked, which is not a syntax error.
func ParseRecord(txt string) (*Record, bool, error) {
	record := &Record{
		Version:  "DKIM1",
		Key:      "rsa",
		Services: []string{"*"},
	}

	seen := make(map[string]bool)
	isDKIM := false

	for _, part := range strings.Split(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		tag = strings.TrimSpace(tag)
		value = strings.TrimSpace(value)

		if seen[tag] {
			if isDKIM {
				return nil, true, fmt.Errorf("%w: duplicate tag %s", ErrSyntax, tag)
			}
			continue
		}
		seen[tag] = true

		switch tag {
		case "v":
			if value != "DKIM1" {
				return nil, false, fmt.Errorf("not a DKIM1 record")
			}
			record.Version = value
			isDKIM = true

		case "h":
			record.Hashes = splitTagList(value, ":")
			isDKIM = true

		case "k":
			record.Key = strings.ToLower(value)
			isDKIM = true

		case "n":
			record.Notes = decodeQPSection(value)
			isDKIM = true

		case "p":
			// Base64, possibly split across whitespace
			cleaned := stripFWS(value)
			if cleaned != "" {
				decoded, err := base64.StdEncoding.DecodeString(cleaned)
				if err != nil {
					return nil, isDKIM, fmt.Errorf("%w: invalid public key encoding: %v", ErrSyntax, err)
				}
				record.Pubkey = decoded
			}
			isDKIM = true

		case "s":
			record.Services = splitTagList(value, ":")
			isDKIM = true

		case "t":
			record.Flags = splitTagList(value, ":")
			isDKIM = true
		}
	}

	if !isDKIM {
		return nil, false, fmt.Errorf("not a DKIM record")
	}

	// p= is required, but may be empty for revoked keys
	if !seen["p"] {
		return nil, true, fmt.Errorf("%w: missing public key (p=)", ErrSyntax)
	}

	if len(record.Pubkey) > 0 {
		pk, err := parsePublicKey(record.Key, record.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		record.PublicKey = pk
	}

	return record, true, nil
}

// parsePublicKey parses the p= data based on the key type.
func parsePublicKey(keyType string, data []byte) (any, error) {
	switch strings.ToLower(keyType) {
	case "", "rsa":
		// RSA keys are published in PKIX form
		pk, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("invalid RSA public key: %w", err)
		}
		rsaPK, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("expected RSA public key, got %T", pk)
		}
		return rsaPK, nil

	case "ed25519":
		// Ed25519 keys are raw bytes (RFC 8463)
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid Ed25519 public key size: %d", len(data))
		}
		return ed25519.PublicKey(data), nil

	default:
		return nil, fmt.Errorf("unsupported key type: %s", keyType)
	}
}

// encodeQPSection encodes a string as a qp-section for the n= tag.
func encodeQPSection(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		if c > ' ' && c < 0x7f && c != '=' && c != ';' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// decodeQPSection decodes a quoted-printable encoded section.
func decodeQPSection(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
