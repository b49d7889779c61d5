package parser

import (
	"regexp"
	"strings"

	"crate-rag/internal/models"
)

var (
	sectionMarkerRe = regexp.MustCompile(models.SectionMarkerRegex)
	chromeLineRe    = regexp.MustCompile(models.ChromeLineRegex)
	fenceRe         = regexp.MustCompile(models.FenceRegex)
	invisibleRe     = regexp.MustCompile(models.InvisibleRegex)
)

type normalizerState struct {
	fence    string // opening fence while inside a code block
	blankRun int
	lines    []string
}

// Normalize cleans documentation text before chunking and embedding. Section
// markers, invisible characters and rustdoc chrome are removed outside of
// code; fenced code blocks and inline code spans are kept verbatim. Blank
// line runs collapse to one blank line so block boundaries survive.
func Normalize(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	var state normalizerState
	for _, line := range strings.Split(raw, "\n") {
		processNormalizeLine(line, &state)
	}
	return strings.Trim(strings.Join(state.lines, "\n"), "\n")
}

func processNormalizeLine(line string, state *normalizerState) {
	if state.fence != "" {
		state.lines = append(state.lines, line)
		if m := fenceRe.FindStringSubmatch(line); m != nil && m[1] == state.fence {
			state.fence = ""
		}
		return
	}

	if m := fenceRe.FindStringSubmatch(line); m != nil {
		state.fence = m[1]
		state.blankRun = 0
		state.lines = append(state.lines, strings.TrimRight(line, " \t"))
		return
	}

	if chromeLineRe.MatchString(line) {
		return
	}

	cleaned := cleanProse(line)
	if strings.TrimSpace(cleaned) == "" {
		state.blankRun++
		if state.blankRun == 1 {
			state.lines = append(state.lines, "")
		}
		return
	}
	state.blankRun = 0
	state.lines = append(state.lines, cleaned)
}

// cleanProse normalises one line of prose, leaving `code spans` untouched.
func cleanProse(line string) string {
	parts := strings.Split(line, "`")
	// An unbalanced trailing backtick does not open a span.
	closed := len(parts) - 1
	if closed%2 == 1 {
		closed--
	}
	leadingMarker := strings.HasPrefix(strings.TrimLeft(invisibleRe.ReplaceAllString(line, ""), " \t"), "§")
	for i := range parts {
		if i%2 == 1 && i < closed {
			continue
		}
		p := parts[i]
		if strings.Contains(p, "§") {
			p = sectionMarkerRe.ReplaceAllString(p, " ")
		}
		p = invisibleRe.ReplaceAllString(p, "")
		p = strings.ReplaceAll(p, "\u00a0", " ")
		parts[i] = p
	}
	out := strings.TrimRight(strings.Join(parts, "`"), " \t")
	if leadingMarker {
		out = strings.TrimLeft(out, " \t")
	}
	return out
}
