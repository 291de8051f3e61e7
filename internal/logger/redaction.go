package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// rule replaces matches of re with repl. repl may refer to capture groups so a
// field name survives while its value is masked.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials before log lines reach a writer.
type Redactor struct {
	rules []rule
}

func keep(pattern string) rule {
	return rule{re: regexp.MustCompile(pattern), repl: "${1}" + redacted}
}

// NewRedactor masks tenant API keys, bearer tokens, webhook signatures and
// secrets, and passwords embedded in DSNs.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			{re: regexp.MustCompile(`tlk_[A-Za-z0-9_-]{16,}`), repl: redacted},
			keep(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`),
			keep(`((?i)x-api-key["\s:=]+)[^\s",]+`),
			keep(`(sha256=)[0-9a-f]{64}`),
			{re: regexp.MustCompile(`(://[^:/\s"]+:)[^@\s"]+@`), repl: "${1}" + redacted + "@"},
			keep(`((?i)(?:password|secret|admin_key)["\s:=]+)[^\s",]+`),
		},
	}
}

// AddPattern masks every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact returns s with every credential masked.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return redactingWriter{next: w, r: r}
}

type redactingWriter struct {
	next io.Writer
	r    *Redactor
}

// Write reports len(p) on success; redaction may change the byte count.
func (w redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.next, w.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
