package dkim

import (
	"bufio"
	"bytes"
	"hash"
	"io"
	"strings"
)

var crlf = []byte("\r\n")

// canonicalizeHeaderRelaxed returns the header in relaxed canonicalization.
// Relaxed canonicalization:
//   - Convert header name to lowercase
//   - Unfold header lines (remove CRLF before WSP)
//   - Compress WSP to single space
//   - Remove trailing WSP from header value
func canonicalizeHeaderRelaxed(header string) (string, error) {
	idx := strings.Index(header, ":")
	if idx == -1 {
		return "", ErrHeaderMalformed
	}

	name := strings.ToLower(strings.TrimRight(header[:idx], " \t"))
	value := header[idx+1:]

	// Unfold (remove CRLF followed by WSP)
	value = strings.ReplaceAll(value, "\r\n\t", " ")
	value = strings.ReplaceAll(value, "\r\n ", " ")
	value = strings.ReplaceAll(value, "\n\t", " ")
	value = strings.ReplaceAll(value, "\n ", " ")

	// Compress WSP to single space
	var result strings.Builder
	prevWS := false
	for _, c := range value {
		if c == ' ' || c == '\t' {
			if !prevWS {
				result.WriteByte(' ')
				prevWS = true
			}
		} else {
			result.WriteRune(c)
			prevWS = false
		}
	}

	return name + ":" + strings.TrimSpace(result.String()), nil
}

// limitWriter truncates the canonical body at a byte limit, for the l=
// tag. The limit applies to canonical bytes, not raw message bytes.
// A negative remaining means no limit.
type limitWriter struct {
	w         io.Writer
	remaining int64
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if lw.remaining < 0 {
		return lw.w.Write(p)
	}
	n := int64(len(p))
	if n > lw.remaining {
		n = lw.remaining
	}
	if n > 0 {
		if _, err := lw.w.Write(p[:n]); err != nil {
			return 0, err
		}
		lw.remaining -= n
	}
	return len(p), nil
}

// computeBodyHash calculates the hash of the message body in the given
// canonicalization. A non-negative length truncates the canonical body
// (the l= tag); -1 hashes the whole body.
func computeBodyHash(h hash.Hash, canonicalization Canonicalization, body io.Reader, length int64) ([]byte, error) {
	lw := &limitWriter{w: h, remaining: length}
	br := bufio.NewReader(body)

	var err error
	if canonicalization == CanonSimple {
		err = bodyCanonSimple(lw, br)
	} else {
		err = bodyCanonRelaxed(lw, br)
	}
	if err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// readBodyLine reads one body line, stripped of its line ending. Bare
// LF counts as a line ending, same as CRLF. hadEOL reports whether the
// line was terminated at all; only the last line of a message can be
// unterminated.
func readBodyLine(br *bufio.Reader) (line []byte, hadEOL bool, err error) {
	line, err = br.ReadBytes('\n')
	if len(line) == 0 && err == io.EOF {
		return nil, false, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	if bytes.HasSuffix(line, []byte("\n")) {
		hadEOL = true
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
	}
	return line, hadEOL, nil
}

// bodyCanonSimple streams the body in simple canonicalization:
//   - Trailing empty lines are removed
//   - The body always ends with exactly one CRLF
//   - An empty body becomes a single CRLF
func bodyCanonSimple(w io.Writer, br *bufio.Reader) error {
	// Hold back CRLFs until more content shows up, so trailing empty
	// lines never reach the hash.
	pendingCRLF := 0

	for {
		line, hadEOL, err := readBodyLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if len(line) > 0 {
			for i := 0; i < pendingCRLF; i++ {
				w.Write(crlf)
			}
			pendingCRLF = 0
			w.Write(line)
		}
		if hadEOL {
			pendingCRLF++
		}
	}

	w.Write(crlf)
	return nil
}

// bodyCanonRelaxed streams the body in relaxed canonicalization:
//   - WSP at line ends is removed
//   - WSP runs within a line compress to a single space
//   - Trailing empty lines are removed
//   - A non-empty body ends with exactly one CRLF; an empty body
//     stays empty
func bodyCanonRelaxed(w io.Writer, br *bufio.Reader) error {
	pendingCRLF := 0

	for {
		line, _, err := readBodyLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		line = relaxBodyLine(line)
		if len(line) == 0 {
			pendingCRLF++
			continue
		}

		for i := 0; i < pendingCRLF; i++ {
			w.Write(crlf)
		}
		pendingCRLF = 0
		w.Write(line)
		w.Write(crlf)
	}

	return nil
}

// relaxBodyLine applies relaxed canonicalization to a single body line
// (without its line ending).
func relaxBodyLine(line []byte) []byte {
	line = bytes.TrimRight(line, " \t")

	var out []byte
	prevWS := false
	for _, b := range line {
		if b == ' ' || b == '\t' {
			if !prevWS {
				out = append(out, ' ')
				prevWS = true
			}
		} else {
			out = append(out, b)
			prevWS = false
		}
	}
	return out
}

// computeDataHash calculates the hash of the signed headers plus the
// signature header itself. Headers named in signedHeaders are consumed
// most-recent-first; names with no remaining instance are skipped.
// sigHeader is the DKIM-Signature header with an empty b= value, and is
// appended without a trailing CRLF.
func computeDataHash(h hash.Hash, canonicalization Canonicalization, headers []headerData, signedHeaders []string, sigHeader []byte) ([]byte, error) {
	// Map each name to its instances, most recent first
	headerMap := make(map[string][]headerData)
	for i := len(headers) - 1; i >= 0; i-- {
		lkey := headers[i].lkey
		headerMap[lkey] = append(headerMap[lkey], headers[i])
	}

	for _, key := range signedHeaders {
		lkey := strings.ToLower(key)
		hdrs := headerMap[lkey]
		if len(hdrs) == 0 {
			// Not present, skip (RFC 6376 Section 5.4)
			continue
		}
		hdr := hdrs[0]
		headerMap[lkey] = hdrs[1:]

		if canonicalization == CanonSimple {
			h.Write(bytes.TrimSuffix(hdr.raw, crlf))
		} else {
			canonical, err := canonicalizeHeaderRelaxed(string(hdr.raw))
			if err != nil {
				return nil, err
			}
			h.Write([]byte(canonical))
		}
		h.Write(crlf)
	}

	if canonicalization == CanonSimple {
		h.Write(bytes.TrimSuffix(sigHeader, crlf))
	} else {
		canonical, err := canonicalizeHeaderRelaxed(string(sigHeader))
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonical))
	}

	return h.Sum(nil), nil
}
