package pdf

import (
	"fmt"
	"strings"
)

// cleanPageText strips artifacts that confuse the classifier context window:
// bare page numbers, shouty running heads, lines with no alphanumerics.
// humanPage is the 1-based page number as printed in the book.
func cleanPageText(text string, humanPage int) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isPageNumberLine(trimmed, humanPage) {
			continue
		}
		if isRunningHead(trimmed) {
			continue
		}
		if !hasAlnum(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}

	return strings.TrimSpace(joinWrappedLines(kept))
}

func isPageNumberLine(line string, page int) bool {
	if line == fmt.Sprintf("%d", page) {
		return true
	}
	for _, p := range []string{
		fmt.Sprintf("Page %d", page),
		fmt.Sprintf("- %d -", page),
		fmt.Sprintf("[%d]", page),
	} {
		if strings.EqualFold(line, p) {
			return true
		}
	}
	return false
}

// isRunningHead flags short all-caps chapter headers repeated on every page.
// Real section titles inside recipes are longer or mixed case.
func isRunningHead(line string) bool {
	if len(line) >= 50 || strings.ToUpper(line) != line {
		return false
	}
	return len(strings.Fields(line)) <= 2
}

func hasAlnum(line string) bool {
	for _, r := range line {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}

// joinWrappedLines merges a line into the next when the break looks like a
// layout wrap mid-sentence rather than a real line end.
func joinWrappedLines(lines []string) string {
	var out []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		for i < len(lines)-1 && wrapsInto(line, lines[i+1]) {
			line = line + " " + lines[i+1]
			i++
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func wrapsInto(cur, next string) bool {
	if cur == "" || next == "" {
		return false
	}
	last := cur[len(cur)-1]
	switch last {
	case '.', '!', '?', ':', ';', '-':
		return false
	}
	first := next[0]
	return first >= 'a' && first <= 'z'
}
