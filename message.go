package dkim

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// headerData represents a parsed header.
type headerData struct {
	key   string // Original case
	lkey  string // Lowercase
	value []byte // Header value (after colon)
	raw   []byte // Complete header including name, colon, and value
}

// parseMessageHeaders parses message headers from raw message data.
// Returns headers and the offset where the body starts.
func parseMessageHeaders(data []byte) ([]headerData, int64, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	return parseHeaders(br)
}

// parseHeaders parses headers from a reader. The returned offset counts
// bytes consumed from the reader, so it points at the body start even
// when lines were LF-terminated in the input.
func parseHeaders(br *bufio.Reader) ([]headerData, int64, error) {
	var headers []headerData
	var offset int64
	var currentKey, currentLKey string
	var currentValue, currentRaw []byte

	for {
		line, consumed, err := readLine(br)
		if err != nil && err != io.EOF {
			return nil, 0, err
		}
		offset += int64(consumed)

		// Empty line signals end of headers. EOF without one means the
		// message has no body.
		if bytes.Equal(line, []byte("\r\n")) || len(line) == 0 {
			break
		}

		// Continuation of a folded header
		if line[0] == ' ' || line[0] == '\t' {
			if currentKey == "" {
				return nil, 0, ErrHeaderMalformed
			}
			currentValue = append(currentValue, line...)
			currentRaw = append(currentRaw, line...)
			if err == io.EOF {
				break
			}
			continue
		}

		// Save previous header
		if currentKey != "" {
			headers = append(headers, headerData{
				key:   currentKey,
				lkey:  currentLKey,
				value: currentValue,
				raw:   currentRaw,
			})
		}

		// Parse new header
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			return nil, 0, ErrHeaderMalformed
		}

		currentKey = strings.TrimRight(string(line[:colonIdx]), " \t")
		currentLKey = strings.ToLower(currentKey)
		currentValue = bytes.Clone(line[colonIdx+1:])
		currentRaw = bytes.Clone(line)

		// Validate header name
		for _, c := range currentKey {
			if c <= ' ' || c >= 0x7f {
				return nil, 0, ErrHeaderMalformed
			}
		}

		if err == io.EOF {
			break
		}
	}

	// Don't forget the last header
	if currentKey != "" {
		headers = append(headers, headerData{
			key:   currentKey,
			lkey:  currentLKey,
			value: currentValue,
			raw:   currentRaw,
		})
	}

	return headers, offset, nil
}

// readLine reads one line and returns it CRLF-terminated, along with
// the number of bytes actually consumed from the reader. Bare LF line
// endings are rewritten to CRLF; this keeps simple canonicalization
// byte-identical for CRLF and LF transports of the same message. A
// final line without any terminator is returned CRLF-terminated with
// io.EOF.
func readLine(r *bufio.Reader) ([]byte, int, error) {
	line, err := r.ReadBytes('\n')
	consumed := len(line)
	if err != nil && err != io.EOF {
		return nil, consumed, err
	}
	if len(line) == 0 {
		return nil, 0, io.EOF
	}
	if bytes.HasSuffix(line, []byte("\r\n")) {
		return line, consumed, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = append(line, '\r', '\n')
	return line, consumed, err
}

// atReader wraps an io.ReaderAt to provide io.Reader. Each reader has
// its own offset, so multiple goroutines can read the same message
// concurrently.
type atReader struct {
	r      io.ReaderAt
	offset int64
}

func (r *atReader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}
