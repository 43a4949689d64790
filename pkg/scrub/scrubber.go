// Package scrub redacts secrets from text flowing to and from the LLM and
// tool layers. All patterns are compiled eagerly at startup; scrubbing a
// string with no matches returns the input unchanged without allocating.
package scrub

import (
	"log/slog"
	"regexp"
)

// Redacted is the replacement written over every recognized secret.
const Redacted = "[REDACTED]"

// compiledPattern couples a name (for diagnostics) with a compiled regex and
// its replacement template.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns covers the provider token prefixes and credential forms the
// runtime is expected to encounter. Credential key=value forms keep the key
// readable so scrubbed logs still show which credential was present.
var builtinPatterns = []struct {
	name        string
	expr        string
	replacement string
}{
	{"anthropic_key", `sk-ant-[A-Za-z0-9_-]{10,}`, Redacted},
	{"openai_key", `sk-[A-Za-z0-9_-]{20,}`, Redacted},
	{"slack_token", `xox[baps]-[A-Za-z0-9-]{10,}`, Redacted},
	{"github_token", `gh[pu]_[A-Za-z0-9]{20,}`, Redacted},
	{"huggingface_token", `hf_[A-Za-z0-9]{20,}`, Redacted},
	{"gitlab_token", `glpat-[A-Za-z0-9_-]{20,}`, Redacted},
	{"google_oauth", `ya29\.[A-Za-z0-9_-]{20,}`, Redacted},
	{"google_api_key", `AIza[A-Za-z0-9_-]{30,}`, Redacted},
	{"bearer_header", `(?i)(authorization:\s*bearer\s+)[A-Za-z0-9._~+/-]+=*`, "${1}" + Redacted},
	{"credential_pair", `(?i)\b(api_key|apikey|access_token|refresh_token|id_token|client_secret)(\s*[=:]\s*)[A-Za-z0-9_.~+/=-]{8,}`, "${1}${2}" + Redacted},
	{"credential_json", `(?i)"(api_key|apikey|access_token|refresh_token|id_token|client_secret)"(\s*:\s*)"[^"]{8,}"`, `"${1}"${2}"` + Redacted + `"`},
}

// Scrubber applies the redaction pattern set. Created once at startup;
// thread-safe and stateless aside from compiled patterns.
type Scrubber struct {
	patterns []*compiledPattern
}

// New compiles the built-in pattern set plus any extra expressions.
// Invalid extra patterns are logged and skipped.
func New(extra ...string) *Scrubber {
	s := &Scrubber{}
	for _, p := range builtinPatterns {
		s.patterns = append(s.patterns, &compiledPattern{
			name:        p.name,
			regex:       regexp.MustCompile(p.expr),
			replacement: p.replacement,
		})
	}
	for i, expr := range extra {
		compiled, err := regexp.Compile(expr)
		if err != nil {
			slog.Error("Failed to compile extra scrub pattern, skipping", "index", i, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &compiledPattern{name: "extra", regex: compiled, replacement: Redacted})
	}
	return s
}

// Scrub redacts all recognized secrets in the input. When nothing matches the
// original string is returned as-is, keeping the hot path allocation-free.
func (s *Scrubber) Scrub(input string) string {
	if input == "" {
		return input
	}
	out := input
	dirty := false
	for _, p := range s.patterns {
		if !p.regex.MatchString(out) {
			continue
		}
		dirty = true
		out = p.regex.ReplaceAllString(out, p.replacement)
	}
	if !dirty {
		return input
	}
	return out
}

// ContainsSecret reports whether any pattern matches without rewriting.
func (s *Scrubber) ContainsSecret(input string) bool {
	for _, p := range s.patterns {
		if p.regex.MatchString(input) {
			return true
		}
	}
	return false
}
