package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"
)

// Signer provides DKIM message signing.
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector is the selector for the signing key (s= tag).
	Selector string

	// PrivateKey is the signing key.
	// Supported types: *rsa.PrivateKey, ed25519.PrivateKey
	PrivateKey crypto.Signer

	// Headers is the list of headers to sign.
	// If empty, DefaultSignedHeaders is used.
	Headers []string

	// HeaderCanonicalization is the header canonicalization algorithm.
	// Default is CanonRelaxed.
	HeaderCanonicalization Canonicalization

	// BodyCanonicalization is the body canonicalization algorithm.
	// Default is CanonRelaxed.
	BodyCanonicalization Canonicalization

	// Hash is the hash algorithm name. Only "sha256" is allowed for
	// signing; sha1 signatures can be verified but no longer produced.
	// Default is "sha256".
	Hash string

	// Identity is the signing identity (i= tag).
	Identity string

	// Expiration is the signature validity period.
	// If zero, no expiration is set.
	Expiration time.Duration

	// Length limits the signature to the first Length bytes of the
	// canonical body (l= tag). Zero signs the whole body. Signing with
	// a length limit lets intermediaries append content undetected, so
	// leave it unset unless that is the point.
	Length int64

	// OversignHeaders signs each header name one more time than it
	// appears in the message, so a header added later with the same
	// name breaks the signature.
	OversignHeaders bool
}

// Sign signs the message and returns the DKIM-Signature header,
// including the trailing CRLF, ready to prepend to the message.
// The message is the complete RFC 5322 message (headers + body).
func (s *Signer) Sign(message []byte) (string, error) {
	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}
	if err := checkSingleFrom(headers); err != nil {
		return "", err
	}
	return s.sign(headers, message[bodyOffset:], make(map[bodyHashKey][]byte))
}

// SignMultiple signs the message with several signers, for example one
// RSA and one Ed25519 key, or keys for several selectors. It returns
// the concatenated DKIM-Signature headers. The message is parsed once
// and body hashes are shared between signers that use the same
// canonicalization, hash, and length limit.
func SignMultiple(message []byte, signers []Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}

	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}
	if err := checkSingleFrom(headers); err != nil {
		return "", err
	}

	body := message[bodyOffset:]
	bodyHashes := make(map[bodyHashKey][]byte)

	var result strings.Builder
	for i := range signers {
		header, err := signers[i].sign(headers, body, bodyHashes)
		if err != nil {
			return "", fmt.Errorf("signer %d: %w", i, err)
		}
		result.WriteString(header)
	}
	return result.String(), nil
}

// checkSingleFrom enforces the RFC 6376 requirement of exactly one
// From header in a signed message.
func checkSingleFrom(headers []headerData) error {
	fromCount := 0
	for _, h := range headers {
		if h.lkey == "from" {
			fromCount++
		}
	}
	if fromCount == 0 {
		return ErrFromRequired
	}
	if fromCount > 1 {
		return fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, fromCount)
	}
	return nil
}

// bodyHashKey identifies a cacheable body hash.
type bodyHashKey struct {
	simple bool   // true for simple, false for relaxed canonicalization
	hash   string // lowercase hash algorithm
	length int64  // l= limit, -1 for the whole body
}

// sign builds, hashes and signs a single DKIM-Signature header over
// already-parsed headers and body.
func (s *Signer) sign(headers []headerData, body []byte, bodyHashes map[bodyHashKey][]byte) (string, error) {
	sig := NewSignature()
	sig.Domain = s.Domain
	sig.Selector = s.Selector

	alg, hashAlg, err := s.getAlgorithm()
	if err != nil {
		return "", err
	}
	sig.Algorithm = alg

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)

	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}

	// From must always be signed
	hasFrom := false
	for _, h := range signedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		signedHeaders = append([]string{"From"}, signedHeaders...)
	}

	// Sign only headers the message actually has
	presentHeaders := make(map[string]int)
	for _, h := range headers {
		presentHeaders[h.lkey]++
	}

	var finalSignedHeaders []string
	for _, h := range signedHeaders {
		if presentHeaders[strings.ToLower(h)] > 0 {
			finalSignedHeaders = append(finalSignedHeaders, h)
		}
	}

	// Oversigning: list each name once more than it occurs, so later
	// additions of that header invalidate the signature
	if s.OversignHeaders {
		headerCounts := make(map[string]int)
		for _, h := range finalSignedHeaders {
			headerCounts[strings.ToLower(h)]++
		}
		for _, h := range finalSignedHeaders {
			lh := strings.ToLower(h)
			count := presentHeaders[lh]
			for headerCounts[lh] < count+1 {
				finalSignedHeaders = append(finalSignedHeaders, h)
				headerCounts[lh]++
			}
		}
	}

	sig.SignedHeaders = finalSignedHeaders

	if s.Identity != "" {
		sig.Identity = s.Identity
	}

	sig.SignTime = timeNow().Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	length := int64(-1)
	if s.Length > 0 {
		length = s.Length
		sig.Length = s.Length
	}

	h, ok := getHash(hashAlg)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}

	hk := bodyHashKey{
		simple: bodyCanon == CanonSimple,
		hash:   strings.ToLower(hashAlg),
		length: length,
	}
	bodyHash, ok := bodyHashes[hk]
	if !ok {
		bodyHash, err = computeBodyHash(h.New(), bodyCanon, bytes.NewReader(body), length)
		if err != nil {
			return "", fmt.Errorf("computing body hash: %w", err)
		}
		bodyHashes[hk] = bodyHash
	}
	sig.BodyHash = bodyHash

	// Hash the headers against the signature header with an empty b=
	sigHeader, err := sig.Header(false)
	if err != nil {
		return "", fmt.Errorf("generating signature header: %w", err)
	}
	dataHash, err := computeDataHash(h.New(), headerCanon, headers, finalSignedHeaders, []byte(sigHeader))
	if err != nil {
		return "", fmt.Errorf("computing data hash: %w", err)
	}

	signature, err := signWithKey(s.PrivateKey, h, dataHash)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig.Signature = signature

	finalHeader, err := sig.Header(true)
	if err != nil {
		return "", fmt.Errorf("generating final signature header: %w", err)
	}
	return finalHeader + "\r\n", nil
}

// getAlgorithm determines the signing algorithm from the key type and
// the configured hash.
func (s *Signer) getAlgorithm() (Algorithm, string, error) {
	hashAlg := strings.ToLower(s.Hash)
	if hashAlg == "" {
		hashAlg = "sha256"
	}

	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		switch hashAlg {
		case "sha256":
			return AlgorithmRSASHA256, "sha256", nil
		case "sha1":
			// Verify-only: RFC 8301 forbids producing new sha1 signatures
			return "", "", fmt.Errorf("%w: sha1", ErrSigningHashNotAllowed)
		default:
			return "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
		}

	case ed25519.PrivateKey:
		if hashAlg != "sha256" {
			return "", "", fmt.Errorf("%w: ed25519 requires sha256", ErrHashAlgorithmUnknown)
		}
		return AlgorithmEd25519SHA256, "sha256", nil

	default:
		return "", "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, s.PrivateKey)
	}
}
