// Package dkim signs and verifies DomainKeys Identified Mail (DKIM)
// signatures per RFC 6376.
//
// DKIM allows a sender to associate a domain name with an email message,
// thus vouching for its authenticity. A message is signed by adding a
// DKIM-Signature header, which contains a cryptographic signature of the
// message headers and body. The public key is published in DNS at
// <selector>._domainkey.<domain>.
//
// This implementation supports:
//   - RSA-SHA256 (required by RFC 6376)
//   - RSA-SHA1 (deprecated; accepted when verifying, refused when signing)
//   - Ed25519-SHA256 (RFC 8463)
//
// Messages are expected to use CRLF line endings. As a transport
// concession, bare LF line endings are accepted everywhere and treated as
// CRLF, in headers and body alike. Signer and verifier apply the same
// normalization, so a message signed from an LF-terminated buffer
// verifies against its CRLF-terminated twin.
//
// # Basic Usage
//
// Signing a message:
//
//	signer := dkim.Signer{
//	    Domain:     "example.com",
//	    Selector:   "selector1",
//	    PrivateKey: privateKey,
//	}
//	header, err := signer.Sign(message)
//
// Verifying a message:
//
//	verifier := dkim.Verifier{Resolver: resolver}
//	results, err := verifier.Verify(ctx, bytes.NewReader(message))
//	for _, r := range results {
//	    if r.Status == dkim.StatusPass {
//	        // Signature verified.
//	    }
//	}
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"time"
)

// Status represents the result of DKIM verification per RFC 8601.
type Status string

const (
	// StatusNone indicates the message was not signed, or the signing
	// domain is in test mode (t=y) and the signature did not verify.
	StatusNone Status = "none"

	// StatusPass indicates the signature was verified successfully.
	StatusPass Status = "pass"

	// StatusFail indicates the signature verification failed.
	StatusFail Status = "fail"

	// StatusPolicy indicates the signature was rejected by local policy.
	StatusPolicy Status = "policy"

	// StatusNeutral indicates the signature could not be processed.
	StatusNeutral Status = "neutral"

	// StatusTemperror indicates a temporary error (e.g. DNS timeout).
	// The caller may retry; all other statuses are final.
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g. invalid syntax).
	StatusPermerror Status = "permerror"
)

// Algorithm represents a DKIM signing algorithm: a key family paired
// with a digest.
type Algorithm string

const (
	// AlgorithmRSASHA256 is the rsa-sha256 algorithm, required by RFC 6376.
	AlgorithmRSASHA256 Algorithm = "rsa-sha256"

	// AlgorithmRSASHA1 is the historic rsa-sha1 algorithm. It is accepted
	// when verifying but refused when signing.
	AlgorithmRSASHA1 Algorithm = "rsa-sha1"

	// AlgorithmEd25519SHA256 is the ed25519-sha256 algorithm (RFC 8463).
	AlgorithmEd25519SHA256 Algorithm = "ed25519-sha256"
)

// Canonicalization represents a header or body canonicalization
// algorithm.
type Canonicalization string

const (
	// CanonSimple is the "simple" canonicalization algorithm.
	CanonSimple Canonicalization = "simple"

	// CanonRelaxed is the "relaxed" canonicalization algorithm.
	CanonRelaxed Canonicalization = "relaxed"
)

// Lookup errors.
var (
	ErrNoRecord = errors.New("dkim: no DKIM DNS record found")
	ErrDNS      = errors.New("dkim: DNS lookup failed")
	ErrSyntax   = errors.New("dkim: syntax error in DKIM record")
)

// Signature parsing and verification errors.
var (
	ErrSigAlgMismatch          = errors.New("dkim: signature algorithm mismatch with DNS record")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not allowed by DNS record")
	ErrKeyNotForEmail          = errors.New("dkim: DNS record not allowed for email")
	ErrDomainIdentityMismatch  = errors.New("dkim: domain and identity mismatch")
	ErrSigExpired              = errors.New("dkim: signature has expired")
	ErrHashAlgorithmUnknown    = errors.New("dkim: unknown hash algorithm")
	ErrBodyHashLength          = errors.New("dkim: body hash length does not match hash algorithm")
	ErrBodyHashMismatch        = errors.New("dkim: body hash does not match")
	ErrSigVerify               = errors.New("dkim: signature verification failed")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed         = errors.New("dkim: mail header is malformed")
	ErrFromRequired            = errors.New("dkim: From header is required")
	ErrQueryMethod             = errors.New("dkim: no recognized query method")
	ErrKeyRevoked              = errors.New("dkim: key has been revoked")
	ErrWeakKey                 = errors.New("dkim: key is too weak")
	ErrPolicy                  = errors.New("dkim: signature rejected by policy")
	ErrMissingTag              = errors.New("dkim: missing required tag")
	ErrDuplicateTag            = errors.New("dkim: duplicate tag")
	ErrInvalidVersion          = errors.New("dkim: invalid version")
	ErrTLD                     = errors.New("dkim: signed domain is top-level domain")
)

// Signing errors.
var (
	// ErrSigningHashNotAllowed is returned when signing is requested
	// with a hash algorithm that is accepted only for verification.
	ErrSigningHashNotAllowed = errors.New("dkim: hash algorithm not allowed for signing")
)

// Result is the verification result of a single DKIM-Signature header.
type Result struct {
	// Status is the verification result per RFC 8601.
	Status Status

	// Signature is the parsed DKIM-Signature header. Nil if the header
	// could not be parsed.
	Signature *Signature

	// Record is the parsed DKIM DNS record, if a lookup was performed
	// and a record was found.
	Record *Record

	// RecordAuthentic indicates the DNS record was DNSSEC-validated.
	RecordAuthentic bool

	// Err is the specific failure, checkable with errors.Is against the
	// package sentinels. Nil when Status is StatusPass.
	Err error
}

// DefaultSignedHeaders is the default list of headers to sign. These
// cover the fields a receiver renders or threads on.
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Reply-To",
}

// MinimumSignedHeaders is the minimum set of headers that should be
// signed for a signature to be meaningful.
var MinimumSignedHeaders = []string{
	"From",
	"To",
	"Subject",
	"Date",
}

// timeNow is used for testing.
var timeNow = time.Now

// cryptoRand is the random source for signing.
var cryptoRand = rand.Reader

// getHash maps a hash algorithm name to crypto.Hash.
func getHash(algorithm string) (crypto.Hash, bool) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return crypto.SHA256, true
	case "sha1":
		return crypto.SHA1, true
	default:
		return 0, false
	}
}

// signWithKey signs a digest with the given private key. This is the
// only place key-type dispatch happens on the signing path.
func signWithKey(key crypto.Signer, hash crypto.Hash, digest []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(cryptoRand, digest, hash)
	case ed25519.PrivateKey:
		// PureEdDSA over the sha256 digest, not Ed25519ph (RFC 8463).
		return k.Sign(cryptoRand, digest, crypto.Hash(0))
	default:
		return nil, ErrSigAlgorithmUnknown
	}
}

// verifyWithKey verifies a signature over a digest with the given
// public key. This is the only place key-type dispatch happens on the
// verification path.
func verifyWithKey(key any, hash crypto.Hash, digest, signature []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, hash, digest, signature); err != nil {
			return ErrSigVerify
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, signature) {
			return ErrSigVerify
		}
		return nil
	default:
		return ErrSigAlgorithmUnknown
	}
}
