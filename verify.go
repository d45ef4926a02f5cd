package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/erooster-mail/dkim/dns"
)

// Verifier verifies DKIM signatures.
type Verifier struct {
	// Resolver is the DNS resolver used to fetch key records.
	Resolver dns.Resolver

	// IgnoreTestMode ignores the t=y flag in DKIM records. When false
	// (default), failing signatures from domains in test mode return
	// StatusNone instead of StatusFail.
	IgnoreTestMode bool

	// Policy can reject signatures based on local policy. Return an
	// error to reject the signature with StatusPolicy. Nil accepts all
	// signatures.
	Policy func(*Signature) error

	// MinRSAKeyBits is the minimum RSA key size to accept. Default is
	// 1024, the RFC 8301 minimum.
	MinRSAKeyBits int
}

// Verify verifies all DKIM-Signature headers in the message. It
// returns one Result per signature, in the order the signatures appear
// in the message. The returned error is non-nil only when the message
// itself cannot be processed; per-signature failures are reported in
// the results.
func (v *Verifier) Verify(ctx context.Context, message []byte) ([]Result, error) {
	return v.VerifyReader(ctx, bytes.NewReader(message))
}

// VerifyReader verifies all DKIM-Signature headers read from message.
// Signatures are verified concurrently, one goroutine per signature;
// ctx bounds the DNS lookups. The reader is only accessed through
// ReadAt, never seeked, so it is shared safely between goroutines.
func (v *Verifier) VerifyReader(ctx context.Context, message io.ReaderAt) ([]Result, error) {
	br := bufio.NewReader(&atReader{r: message})
	headers, bodyOffset, err := parseHeaders(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderMalformed, err)
	}

	// Parsing and parameter checks are cheap and run synchronously;
	// only signatures that get as far as hashing and DNS go to a
	// goroutine. Placeholder slots keep results in message order.
	type sigWork struct {
		index       int
		sig         *Signature
		verifySig   []byte
		hashFunc    crypto.Hash
		headerCanon Canonicalization
		bodyCanon   Canonicalization
	}

	var results []Result
	var work []sigWork

	for _, hdr := range headers {
		if hdr.lkey != "dkim-signature" {
			continue
		}

		sig, verifySig, err := ParseSignature(string(hdr.raw))
		if err != nil {
			results = append(results, Result{
				Status: StatusPermerror,
				Err:    fmt.Errorf("parsing signature: %w", err),
			})
			continue
		}

		hashFunc, headerCanon, bodyCanon, err := v.checkSignatureParams(sig)
		if err != nil {
			results = append(results, Result{
				Status:    StatusPermerror,
				Signature: sig,
				Err:       err,
			})
			continue
		}

		if v.Policy != nil {
			if err := v.Policy(sig); err != nil {
				results = append(results, Result{
					Status:    StatusPolicy,
					Signature: sig,
					Err:       fmt.Errorf("%w: %v", ErrPolicy, err),
				})
				continue
			}
		}

		results = append(results, Result{Signature: sig})
		work = append(work, sigWork{
			index:       len(results) - 1,
			sig:         sig,
			verifySig:   verifySig,
			hashFunc:    hashFunc,
			headerCanon: headerCanon,
			bodyCanon:   bodyCanon,
		})
	}

	var wg sync.WaitGroup
	for _, wk := range work {
		wg.Add(1)
		go func(wk sigWork) {
			defer wg.Done()
			status, record, authentic, err := v.verifySignature(
				ctx, wk.sig, wk.hashFunc, wk.headerCanon, wk.bodyCanon,
				headers, wk.verifySig, message, bodyOffset,
			)
			results[wk.index] = Result{
				Status:          status,
				Signature:       wk.sig,
				Record:          record,
				RecordAuthentic: authentic,
				Err:             err,
			}
		}(wk)
	}
	wg.Wait()

	return results, nil
}

// checkSignatureParams validates signature parameters that need no DNS
// or crypto.
func (v *Verifier) checkSignatureParams(sig *Signature) (crypto.Hash, Canonicalization, Canonicalization, error) {
	// The From header must be signed
	hasFrom := false
	for _, h := range sig.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return 0, "", "", fmt.Errorf("%w: From header must be signed", ErrFromRequired)
	}

	if sig.ExpireTime >= 0 && sig.ExpireTime < timeNow().Unix() {
		return 0, "", "", fmt.Errorf("%w: expired at %d", ErrSigExpired, sig.ExpireTime)
	}

	// Refuse signatures claiming an entire public suffix, like d=com
	if isTLD(sig.Domain) {
		return 0, "", "", fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}

	hashAlg := sig.AlgorithmHash()
	h, ok := getHash(hashAlg)
	if !ok {
		return 0, "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}

	headerCanon := sig.HeaderCanon()
	bodyCanon := sig.BodyCanon()
	if headerCanon != CanonSimple && headerCanon != CanonRelaxed {
		return 0, "", "", fmt.Errorf("%w: header %s", ErrCanonicalizationUnknown, headerCanon)
	}
	if bodyCanon != CanonSimple && bodyCanon != CanonRelaxed {
		return 0, "", "", fmt.Errorf("%w: body %s", ErrCanonicalizationUnknown, bodyCanon)
	}

	// Only dns/txt is defined
	if len(sig.QueryMethods) > 0 {
		hasDNS := false
		for _, m := range sig.QueryMethods {
			if strings.EqualFold(m, "dns/txt") {
				hasDNS = true
				break
			}
		}
		if !hasDNS {
			return 0, "", "", fmt.Errorf("%w: only dns/txt supported", ErrQueryMethod)
		}
	}

	return h, headerCanon, bodyCanon, nil
}

// verifySignature performs the expensive part of verification: body
// hash, key lookup, record checks, header hash, and the public key
// operation. The body hash is checked before the DNS lookup, so a
// modified body never costs a network round trip or an RSA operation.
func (v *Verifier) verifySignature(
	ctx context.Context,
	sig *Signature,
	hashFunc crypto.Hash,
	headerCanon, bodyCanon Canonicalization,
	headers []headerData,
	verifySig []byte,
	message io.ReaderAt,
	bodyOffset int64,
) (Status, *Record, bool, error) {
	bodyReader := &atReader{r: message, offset: bodyOffset}
	bodyHash, err := computeBodyHash(hashFunc.New(), bodyCanon, bodyReader, sig.Length)
	if err != nil {
		return StatusTemperror, nil, false, fmt.Errorf("computing body hash: %w", err)
	}
	if !bytes.Equal(sig.BodyHash, bodyHash) {
		return StatusFail, nil, false, fmt.Errorf("%w: header bh=%x, computed %x",
			ErrBodyHashMismatch, sig.BodyHash, bodyHash)
	}

	record, _, authentic, err := Lookup(ctx, v.Resolver, sig.Selector, sig.Domain)
	if err != nil {
		if IsTemporaryError(err) {
			return StatusTemperror, nil, authentic, err
		}
		return StatusPermerror, nil, authentic, err
	}

	status, err := v.verifyWithRecord(
		record, sig, hashFunc, headerCanon, headers, verifySig,
	)

	// A failing signature from a domain still testing its DKIM setup
	// must not count against the message (RFC 6376 Section 3.6.1)
	if !v.IgnoreTestMode && record.IsTesting() && status == StatusFail {
		return StatusNone, record, authentic, nil
	}

	return status, record, authentic, err
}

// verifyWithRecord checks the signature against the fetched key record.
func (v *Verifier) verifyWithRecord(
	record *Record,
	sig *Signature,
	hashFunc crypto.Hash,
	headerCanon Canonicalization,
	headers []headerData,
	verifySig []byte,
) (Status, error) {
	// An empty p= means the key was revoked
	if record.PublicKey == nil {
		return StatusPermerror, ErrKeyRevoked
	}

	if !record.HashAllowed(sig.AlgorithmHash()) {
		return StatusPermerror, fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.AlgorithmHash())
	}

	if !strings.EqualFold(record.Key, sig.AlgorithmSign()) {
		return StatusPermerror, fmt.Errorf("%w: record specifies %s, signature uses %s",
			ErrSigAlgMismatch, record.Key, sig.AlgorithmSign())
	}

	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok {
		minBits := v.MinRSAKeyBits
		if minBits == 0 {
			minBits = 1024 // RFC 8301 minimum
		}
		if rsaKey.N.BitLen() < minBits {
			return StatusPermerror, fmt.Errorf("%w: %d bits, minimum %d",
				ErrWeakKey, rsaKey.N.BitLen(), minBits)
		}
	}

	if !record.ServiceAllowed("email") {
		return StatusPermerror, ErrKeyNotForEmail
	}

	// t=s requires the i= domain to match d= exactly
	if record.RequireStrictAlignment() && sig.Identity != "" {
		atIdx := strings.LastIndex(sig.Identity, "@")
		if atIdx >= 0 {
			identityDomain := strings.ToLower(sig.Identity[atIdx+1:])
			if identityDomain != sig.Domain {
				return StatusPermerror, fmt.Errorf("%w: strict alignment required",
					ErrDomainIdentityMismatch)
			}
		}
	}

	dataHash, err := computeDataHash(hashFunc.New(), headerCanon, headers, sig.SignedHeaders, verifySig)
	if err != nil {
		return StatusPermerror, fmt.Errorf("computing data hash: %w", err)
	}

	if err := verifyWithKey(record.PublicKey, hashFunc, dataHash, sig.Signature); err != nil {
		return StatusFail, err
	}

	return StatusPass, nil
}

// Verify is a convenience function to verify DKIM signatures with a
// default Verifier.
func Verify(ctx context.Context, resolver dns.Resolver, message []byte) ([]Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, message)
}

// VerifyReader is a convenience function to verify DKIM signatures
// from a reader with a default Verifier.
func VerifyReader(ctx context.Context, resolver dns.Resolver, message io.ReaderAt) ([]Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.VerifyReader(ctx, message)
}

// isTLD reports whether the domain is a public suffix or otherwise
// above the organizational domain level, using the Public Suffix List.
func isTLD(domain string) bool {
	if domain == "" {
		return true
	}
	domain = strings.TrimSuffix(domain, ".")

	etldPlusOne, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		// The domain is itself a public suffix, or not a valid name
		return true
	}

	return !strings.EqualFold(domain, etldPlusOne) &&
		!strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(etldPlusOne))
}
