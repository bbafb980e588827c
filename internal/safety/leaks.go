// Package safety flags credentials that leak into script output before it
// reaches the model.
package safety

import "regexp"

// Leak is one suspected secret in scanned text.
type Leak struct {
	Kind   string `json:"kind"`
	Sample string `json:"sample"` // masked prefix, safe to log
}

const maxPerPattern = 3

var patterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "api key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google api key"},
	{regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`), "openai/anthropic api key"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "aws access key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)["']?\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// Scan reports suspected secrets in text without modifying it.
func Scan(text string) []Leak {
	if text == "" {
		return nil
	}
	var leaks []Leak
	for _, p := range patterns {
		for _, m := range p.re.FindAllString(text, maxPerPattern) {
			leaks = append(leaks, Leak{Kind: p.kind, Sample: mask(m)})
		}
	}
	return leaks
}

// Kinds returns the distinct leak kinds in order of first appearance.
func Kinds(leaks []Leak) []string {
	seen := make(map[string]bool, len(leaks))
	var out []string
	for _, l := range leaks {
		if !seen[l.Kind] {
			seen[l.Kind] = true
			out = append(out, l.Kind)
		}
	}
	return out
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 8 {
		return "***"
	}
	return string(r[:8]) + "***"
}
