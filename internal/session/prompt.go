package session

import (
	"strings"
	"unicode"
)

const (
	maxSenderRunes = 64
	summaryLabel   = "[conversation summary]"
)

// ComposePrompt flattens history into "role[: sender]: content" lines and
// appends the new message last. Summary entries become one labeled block.
func ComposePrompt(history []HistoryEntry, message string) string {
	var b strings.Builder
	for _, h := range history {
		content := strings.TrimSpace(h.Content)
		if content == "" {
			continue
		}
		if h.IsSummary {
			b.WriteString(summaryLabel)
			b.WriteByte('\n')
			b.WriteString(content)
			b.WriteByte('\n')
			continue
		}
		role := strings.ToLower(strings.TrimSpace(h.Role))
		if role == "" {
			role = "user"
		}
		b.WriteString(role)
		if sender := SanitizeSender(h.Sender); sender != "" {
			b.WriteString(": ")
			b.WriteString(sender)
		}
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteByte('\n')
	}
	b.WriteString("user: ")
	b.WriteString(strings.TrimSpace(message))
	return b.String()
}

// SanitizeSender strips newlines and control characters, collapses the
// result and caps it at 64 runes.
func SanitizeSender(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if r := []rune(cleaned); len(r) > maxSenderRunes {
		cleaned = strings.TrimSpace(string(r[:maxSenderRunes]))
	}
	return cleaned
}

// TruncateContinuation drops everything from the first line after the first
// that starts with "user:" or "assistant:" (case-insensitive, leading
// whitespace ignored). Runtimes sometimes append a fabricated next turn.
func TruncateContinuation(answer string) string {
	lines := strings.Split(answer, "\n")
	for i := 1; i < len(lines); i++ {
		l := strings.ToLower(strings.TrimLeftFunc(lines[i], unicode.IsSpace))
		if strings.HasPrefix(l, "user:") || strings.HasPrefix(l, "assistant:") {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
