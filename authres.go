package dkim

import (
	"log/slog"
	"strings"
)

// AuthenticationResults renders an RFC 8601 Authentication-Results
// header value for a set of verification results. hostname is the
// authserv-id of the verifying host. MTAs prepend the returned value as
// an Authentication-Results header before handing the message on.
func AuthenticationResults(hostname string, results []Result) string {
	var b strings.Builder

	b.WriteString(hostname)

	if len(results) == 0 {
		b.WriteString("; dkim=none")
		return b.String()
	}

	for _, r := range results {
		b.WriteString("; dkim=")
		b.WriteString(string(r.Status))

		if r.Signature != nil {
			b.WriteString(" header.d=")
			b.WriteString(r.Signature.Domain)

			b.WriteString(" header.s=")
			b.WriteString(r.Signature.Selector)

			if r.Signature.Identity != "" {
				b.WriteString(" header.i=")
				b.WriteString(r.Signature.Identity)
			}
		}

		if r.Err != nil {
			b.WriteString(" (")
			b.WriteString(sanitizeComment(r.Err.Error()))
			b.WriteString(")")
		}
	}

	return b.String()
}

// sanitizeComment makes an error message safe for an RFC 8601 comment:
// no line breaks, no unbalanced parentheses, bounded length.
func sanitizeComment(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", "")
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "(", "[")
	msg = strings.ReplaceAll(msg, ")", "]")
	if len(msg) > 100 {
		msg = msg[:100]
	}
	return msg
}

// LogResults logs one line per verification result. A nil logger uses
// slog.Default.
func LogResults(logger *slog.Logger, results []Result) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range results {
		domain := ""
		selector := ""
		if r.Signature != nil {
			domain = r.Signature.Domain
			selector = r.Signature.Selector
		}
		logger.Info("dkim verification",
			slog.String("status", string(r.Status)),
			slog.String("domain", domain),
			slog.String("selector", selector),
			slog.Any("error", r.Err),
		)
	}
}
