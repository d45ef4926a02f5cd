package dkim

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Signature represents a parsed DKIM-Signature header (RFC 6376 Section 3.5).
type Signature struct {
	// Required fields
	Version       int       // v= Version, must be 1
	Algorithm     Algorithm // a= Algorithm (e.g. "rsa-sha256")
	Signature     []byte    // b= Signature data
	BodyHash      []byte    // bh= Body hash
	Domain        string    // d= Signing domain
	SignedHeaders []string  // h= Signed header fields
	Selector      string    // s= Selector

	// Optional fields
	Canonicalization string   // c= Canonicalization (e.g. "relaxed/simple")
	Identity         string   // i= Agent or User Identifier (AUID)
	Length           int64    // l= Body length limit (-1 if not set)
	QueryMethods     []string // q= Query methods
	SignTime         int64    // t= Signature timestamp (-1 if not set)
	ExpireTime       int64    // x= Signature expiration (-1 if not set)
	CopiedHeaders    []string // z= Copied header fields

	// Tags holds unrecognized tags, which RFC 6376 requires to be
	// ignored rather than rejected.
	Tags map[string]string
}

// NewSignature creates a new Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Version:          1,
		Canonicalization: "simple/simple",
		Length:           -1,
		SignTime:         -1,
		ExpireTime:       -1,
	}
}

// AlgorithmSign returns the key family part (e.g. "rsa" from "rsa-sha256").
func (s *Signature) AlgorithmSign() string {
	alg, _, _ := strings.Cut(string(s.Algorithm), "-")
	return alg
}

// AlgorithmHash returns the digest part (e.g. "sha256" from "rsa-sha256").
func (s *Signature) AlgorithmHash() string {
	_, hash, _ := strings.Cut(string(s.Algorithm), "-")
	return hash
}

// HeaderCanon returns the header canonicalization algorithm.
func (s *Signature) HeaderCanon() Canonicalization {
	canon, _, _ := strings.Cut(s.Canonicalization, "/")
	if canon == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(canon))
}

// BodyCanon returns the body canonicalization algorithm. When c= names
// only the header algorithm, the body algorithm defaults to simple.
func (s *Signature) BodyCanon() Canonicalization {
	_, canon, ok := strings.Cut(s.Canonicalization, "/")
	if !ok || canon == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(canon))
}

// IsExpired returns true if the signature has expired.
func (s *Signature) IsExpired() bool {
	if s.ExpireTime < 0 {
		return false
	}
	return timeNow().Unix() > s.ExpireTime
}

// headerWriter builds a DKIM-Signature header with RFC 5322 folding.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

// add adds text, folding to a new line when it would exceed maxLen.
func (w *headerWriter) add(sep, text string) {
	const maxLen = 76

	n := len(text)
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+n > maxLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

// addf formats and adds text.
func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that can be folded at any position (like base64).
func (w *headerWriter) addWrap(data []byte) {
	const maxLen = 76

	for len(data) > 0 {
		n := maxLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

// String returns the header content (without trailing CRLF).
func (w *headerWriter) String() string {
	return w.b.String()
}

// Header generates the DKIM-Signature header string, folded and without
// a trailing CRLF. If includeSignature is false, the b= value is left
// empty, which is the form hashed when signing.
func (s *Signature) Header(includeSignature bool) (string, error) {
	w := &headerWriter{}

	w.addf("", "DKIM-Signature: v=%d;", s.Version)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)
	w.addf(" ", "a=%s;", s.Algorithm)

	// Canonicalization, unless the default simple/simple
	if s.Canonicalization != "" &&
		!strings.EqualFold(s.Canonicalization, "simple") &&
		!strings.EqualFold(s.Canonicalization, "simple/simple") {
		w.addf(" ", "c=%s;", s.Canonicalization)
	}

	if s.Identity != "" {
		w.addf(" ", "i=%s;", s.Identity)
	}

	// Query methods, unless the default dns/txt
	if len(s.QueryMethods) > 0 && !(len(s.QueryMethods) == 1 && strings.EqualFold(s.QueryMethods[0], "dns/txt")) {
		w.addf(" ", "q=%s;", strings.Join(s.QueryMethods, ":"))
	}

	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}
	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}
	if s.Length >= 0 {
		w.addf(" ", "l=%d;", s.Length)
	}

	// Signed headers (required)
	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.add(sep, h)
	}

	// Copied headers (optional)
	for i, h := range s.CopiedHeaders {
		name, value, found := strings.Cut(h, ":")
		var encoded string
		if found {
			encoded = name + ":" + encodeCopiedHeader(value)
		} else {
			encoded = encodeCopiedHeader(h)
		}

		sep := ""
		if i == 0 {
			encoded = "z=" + encoded
			sep = " "
		}
		if i < len(s.CopiedHeaders)-1 {
			encoded += "|"
		} else {
			encoded += ";"
		}
		w.add(sep, encoded)
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	return w.String(), nil
}

// encodeCopiedHeader encodes a header value for the z= tag using DKIM
// quoted-printable.
func encodeCopiedHeader(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		// dkim-safe-char: printable ASCII except ; = | :
		if c > ' ' && c < 0x7f && c != ';' && c != '=' && c != '|' && c != ':' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// decodeCopiedHeader decodes a DKIM quoted-printable encoded header.
func decodeCopiedHeader(s string) string {
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

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	}
	return -1
}

// sigParser walks a raw DKIM-Signature header once, accumulating every
// byte it passes into tracked. With drop set, bytes are consumed but
// not accumulated; that is how the b= value is removed to produce the
// exact bytes hashed during signing.
type sigParser struct {
	s       string
	offset  int
	tracked []byte
	drop    bool
}

func (p *sigParser) empty() bool {
	return p.offset >= len(p.s)
}

func (p *sigParser) peek() byte {
	if p.offset >= len(p.s) {
		return 0
	}
	return p.s[p.offset]
}

// take consumes n bytes, tracking them unless drop is set.
func (p *sigParser) take(n int) string {
	if p.offset+n > len(p.s) {
		n = len(p.s) - p.offset
	}
	r := p.s[p.offset : p.offset+n]
	p.offset += n
	if !p.drop {
		p.tracked = append(p.tracked, r...)
	}
	return r
}

// skipFWS consumes folding whitespace: WSP, and CRLF or LF followed by WSP.
func (p *sigParser) skipFWS() {
	for p.offset < len(p.s) {
		c := p.s[p.offset]
		switch {
		case c == ' ' || c == '\t':
			p.take(1)
		case c == '\r' && p.offset+2 < len(p.s) && p.s[p.offset+1] == '\n' && isWSP(p.s[p.offset+2]):
			p.take(3)
		case c == '\n' && p.offset+1 < len(p.s) && isWSP(p.s[p.offset+1]):
			p.take(2)
		default:
			return
		}
	}
}

// takeTagName consumes a tag name: ALPHA followed by alphanumerics and
// underscores.
func (p *sigParser) takeTagName() string {
	start := p.offset
	for p.offset < len(p.s) && isTagChar(p.s[p.offset], p.offset == start) {
		p.offset++
	}
	r := p.s[start:p.offset]
	if !p.drop {
		p.tracked = append(p.tracked, r...)
	}
	return r
}

// takeValue consumes everything up to the next semicolon or the end of
// the header.
func (p *sigParser) takeValue() string {
	start := p.offset
	for p.offset < len(p.s) && p.s[p.offset] != ';' {
		p.offset++
	}
	r := p.s[start:p.offset]
	if !p.drop {
		p.tracked = append(p.tracked, r...)
	}
	return r
}

func isWSP(c byte) bool {
	return c == ' ' || c == '\t'
}

func isTagChar(c byte, first bool) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return true
	}
	if first {
		return false
	}
	return c >= '0' && c <= '9' || c == '_'
}

// stripFWS removes all whitespace from a tag value, folded or not.
func stripFWS(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

// splitTagList splits a colon-separated tag value into its non-empty
// trimmed elements.
func splitTagList(value string, sep string) []string {
	var out []string
	for _, e := range strings.Split(value, sep) {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// ParseSignature parses a DKIM-Signature header. The input includes the
// header name and may be folded; a trailing CRLF is ignored.
//
// The second return value is the input with the b= value removed,
// byte-for-byte otherwise. That form, without trailing CRLF, is what
// gets appended to the header hash during verification, so it is
// produced during the same single pass that parses the tags.
func ParseSignature(header string) (*Signature, []byte, error) {
	input := strings.TrimSuffix(header, "\r\n")

	colon := strings.IndexByte(input, ':')
	if colon < 0 {
		return nil, nil, fmt.Errorf("%w: missing colon in header", ErrHeaderMalformed)
	}
	name := strings.TrimRight(input[:colon], " \t")
	if !strings.EqualFold(name, "DKIM-Signature") {
		return nil, nil, fmt.Errorf("%w: not a DKIM-Signature header", ErrHeaderMalformed)
	}

	p := &sigParser{s: input}
	p.take(colon + 1)

	sig := NewSignature()
	seen := make(map[string]bool)

	for {
		p.skipFWS()
		if p.empty() {
			break
		}
		if p.peek() == ';' {
			// Empty tag-spec, such as a trailing semicolon
			p.take(1)
			continue
		}

		tag := p.takeTagName()
		if tag == "" {
			return nil, nil, fmt.Errorf("%w: malformed tag name", ErrHeaderMalformed)
		}
		p.skipFWS()
		if p.peek() != '=' {
			return nil, nil, fmt.Errorf("%w: missing = after tag %q", ErrHeaderMalformed, tag)
		}
		p.take(1)

		// RFC 6376 Section 3.2: duplicate tag names make the whole
		// tag-list invalid.
		if seen[tag] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
		}
		seen[tag] = true

		if tag == "b" {
			p.drop = true
		}
		p.skipFWS()
		rawValue := p.takeValue()
		if tag == "b" {
			p.drop = false
		}

		if err := parseSignatureTag(sig, tag, rawValue); err != nil {
			return nil, nil, err
		}

		if !p.empty() {
			// Must be the semicolon takeValue stopped at
			p.take(1)
		}
	}

	if err := validateSignature(sig, seen); err != nil {
		return nil, nil, err
	}

	return sig, p.tracked, nil
}

// parseSignatureTag interprets a single tag. rawValue is the raw bytes
// between = and ;, which may contain folding whitespace.
func parseSignatureTag(sig *Signature, tag, rawValue string) error {
	value := strings.TrimSpace(stripCRLF(rawValue))

	switch tag {
	case "v":
		if value != "1" {
			return fmt.Errorf("%w: %q", ErrInvalidVersion, value)
		}
		sig.Version = 1

	case "a":
		sig.Algorithm = Algorithm(strings.ToLower(stripFWS(value)))

	case "b":
		decoded, err := base64.StdEncoding.DecodeString(stripFWS(value))
		if err != nil {
			return fmt.Errorf("%w: invalid signature encoding: %v", ErrHeaderMalformed, err)
		}
		sig.Signature = decoded

	case "bh":
		decoded, err := base64.StdEncoding.DecodeString(stripFWS(value))
		if err != nil {
			return fmt.Errorf("%w: invalid body hash encoding: %v", ErrHeaderMalformed, err)
		}
		sig.BodyHash = decoded

	case "c":
		sig.Canonicalization = strings.ToLower(stripFWS(value))

	case "d":
		sig.Domain = strings.ToLower(stripFWS(value))

	case "h":
		sig.SignedHeaders = splitTagList(value, ":")

	case "i":
		sig.Identity = stripFWS(value)

	case "l":
		l, err := strconv.ParseInt(stripFWS(value), 10, 64)
		if err != nil || l < 0 {
			return fmt.Errorf("%w: invalid body length %q", ErrHeaderMalformed, value)
		}
		sig.Length = l

	case "q":
		sig.QueryMethods = splitTagList(value, ":")

	case "s":
		sig.Selector = strings.ToLower(stripFWS(value))

	case "t":
		t, err := strconv.ParseInt(stripFWS(value), 10, 64)
		if err != nil || t < 0 {
			return fmt.Errorf("%w: invalid timestamp %q", ErrHeaderMalformed, value)
		}
		sig.SignTime = t

	case "x":
		x, err := strconv.ParseInt(stripFWS(value), 10, 64)
		if err != nil || x < 0 {
			return fmt.Errorf("%w: invalid expiration %q", ErrHeaderMalformed, value)
		}
		sig.ExpireTime = x

	case "z":
		for _, h := range strings.Split(value, "|") {
			sig.CopiedHeaders = append(sig.CopiedHeaders, decodeCopiedHeader(strings.TrimSpace(h)))
		}

	default:
		if sig.Tags == nil {
			sig.Tags = make(map[string]string)
		}
		sig.Tags[tag] = value
	}

	return nil
}

// validateSignature applies the cross-tag checks of RFC 6376 Section 3.5.
func validateSignature(sig *Signature, seen map[string]bool) error {
	for _, tag := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[tag] {
			return fmt.Errorf("%w: %s", ErrMissingTag, tag)
		}
	}

	if sig.Domain == "" {
		return fmt.Errorf("%w: empty domain (d=)", ErrHeaderMalformed)
	}
	if sig.Selector == "" {
		return fmt.Errorf("%w: empty selector (s=)", ErrHeaderMalformed)
	}
	if len(sig.SignedHeaders) == 0 {
		return fmt.Errorf("%w: empty signed header list (h=)", ErrHeaderMalformed)
	}

	switch sig.Algorithm {
	case AlgorithmRSASHA256, AlgorithmRSASHA1, AlgorithmEd25519SHA256:
	default:
		return fmt.Errorf("%w: %s", ErrSigAlgorithmUnknown, sig.Algorithm)
	}

	// Body hash length must match the declared digest
	var wantLen int
	switch sig.AlgorithmHash() {
	case "sha1":
		wantLen = 20
	case "sha256":
		wantLen = 32
	}
	if wantLen > 0 && len(sig.BodyHash) != wantLen {
		return fmt.Errorf("%w: got %d bytes, expected %d for %s",
			ErrBodyHashLength, len(sig.BodyHash), wantLen, sig.AlgorithmHash())
	}

	if sig.SignTime >= 0 && sig.ExpireTime >= 0 && sig.SignTime >= sig.ExpireTime {
		return fmt.Errorf("%w: sign time not before expire time", ErrSigExpired)
	}

	// The i= domain must be the d= domain or a subdomain of it
	if sig.Identity != "" {
		atIdx := strings.LastIndex(sig.Identity, "@")
		if atIdx >= 0 {
			identityDomain := strings.ToLower(sig.Identity[atIdx+1:])
			if identityDomain != sig.Domain && !strings.HasSuffix(identityDomain, "."+sig.Domain) {
				return fmt.Errorf("%w: identity domain %s not under signing domain %s",
					ErrDomainIdentityMismatch, identityDomain, sig.Domain)
			}
		}
	}

	return nil
}

// stripCRLF removes CR and LF, leaving other whitespace alone.
func stripCRLF(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}
