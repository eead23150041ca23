// Package redact scrubs credentials from free text before it is persisted.
// Tool gateways and wallet signers sometimes echo request material in their
// error messages; job errors and audit metadata pass through Secrets first.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// Kind names the class of a detected secret
type Kind string

const (
	KindPrivateKey    Kind = "private_key"
	KindWalletKey     Kind = "wallet_key"
	KindJWT           Kind = "jwt"
	KindBearer        Kind = "bearer"
	KindAWSKey        Kind = "aws_key"
	KindGitHubToken   Kind = "github_token"
	KindSlackToken    Kind = "slack_token"
	KindStripeKey     Kind = "stripe_key"
	KindDatabaseURL   Kind = "database_url"
	KindAssignedValue Kind = "secret"
)

// Finding is one detected secret span in the input
type Finding struct {
	Kind  Kind
	Start int
	End   int
}

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
	// group selects the submatch holding the secret; 0 redacts the whole match
	group int
}

var rules = []rule{
	{KindPrivateKey, regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY-----|$)`), 0},
	{KindJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), 0},
	{KindWalletKey, regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{64}\b`), 0},
	{KindAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), 0},
	{KindGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), 0},
	{KindSlackToken, regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9\-]{10,}\b`), 0},
	{KindStripeKey, regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9A-Za-z]{24,}\b`), 0},
	{KindDatabaseURL, regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis)://[^\s:@/'"]+:([^\s@'"]+)@`), 1},
	{KindBearer, regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-\.=]{16,})`), 1},
	{KindAssignedValue, regexp.MustCompile(`(?i)\b(?:api[_\-]?key|secret|password|passwd|token|access[_\-]?token|private[_\-]?key)["']?\s*[:=]\s*["']?([^\s"',;&]{8,})`), 1},
}

// Detect returns the non-overlapping secret spans in text ordered by position.
// When spans overlap the one found by the earlier rule wins.
func Detect(text string) []Finding {
	var findings []Finding
	for _, r := range rules {
		for _, m := range r.pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*r.group], m[2*r.group+1]
			if start < 0 || overlaps(findings, start, end) {
				continue
			}
			findings = append(findings, Finding{Kind: r.kind, Start: start, End: end})
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })
	return findings
}

func overlaps(findings []Finding, start, end int) bool {
	for _, f := range findings {
		if start < f.End && f.Start < end {
			return true
		}
	}
	return false
}

// Placeholder is the text that replaces a secret of kind k
func Placeholder(k Kind) string {
	return "[" + strings.ToUpper(string(k)) + "_REDACTED]"
}

// Secrets replaces every detected secret in text with its placeholder
func Secrets(text string) string {
	findings := Detect(text)
	if len(findings) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, f := range findings {
		b.WriteString(text[last:f.Start])
		b.WriteString(Placeholder(f.Kind))
		last = f.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// Contains reports whether text holds anything Secrets would replace
func Contains(text string) bool {
	return len(Detect(text)) > 0
}
