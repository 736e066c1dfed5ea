package stage

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Worker output is free text and unversioned. Each parser below matches the
// wording of one worker; a wording change degrades progress to phase-only
// updates rather than failing the run.

var (
	percentPattern = regexp.MustCompile(`Progress:\s*(\d{1,3})%`)
	pagesPattern   = regexp.MustCompile(`\[PDF진행\]\s*(\d+)/(\d+)\s*페이지\s*\((\d{1,3})%\)`)
	itemsPattern   = regexp.MustCompile(`Processing problem\s+(\d+)/(\d+)`)
	splitPattern   = regexp.MustCompile(`총\s*(\d+)개 문제로 분할됨`)
	statusPrefixes = []string{"[OK]", "[!]", "[ERROR]"}
)

// PercentLines parses "Progress: N%" lines.
func PercentLines(line string) (Update, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return Update{}, false
	}
	p, err := strconv.Atoi(m[1])
	if err != nil {
		return Update{}, false
	}
	return Percent(p, fmt.Sprintf("%d%%", p)), true
}

// PageLines parses the convert worker's page counter:
// "[PDF진행] 10/40 페이지 (25%) - ...".
func PageLines(line string) (Update, bool) {
	m := pagesPattern.FindStringSubmatch(line)
	if m == nil {
		return Update{}, false
	}
	p, err := strconv.Atoi(m[3])
	if err != nil {
		return Update{}, false
	}
	return Percent(p, fmt.Sprintf("converting page %s of %s", m[1], m[2])), true
}

// ItemLines parses the structure worker's "Processing problem i/n" counter.
func ItemLines(line string) (Update, bool) {
	m := itemsPattern.FindStringSubmatch(line)
	if m == nil {
		return Update{}, false
	}
	done, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total <= 0 {
		return Update{}, false
	}
	if done > total {
		done = total
	}
	return Percent(done*100/total, fmt.Sprintf("structuring item %d of %d", done, total)), true
}

// SplitSummary reports the split worker's final item count.
func SplitSummary(line string) (Update, bool) {
	m := splitPattern.FindStringSubmatch(line)
	if m == nil {
		return Update{}, false
	}
	return Percent(100, fmt.Sprintf("split into %s items", m[1])), true
}

// StatusLines forwards only [OK], [!] and [ERROR] lines as messages.
func StatusLines(line string) (Update, bool) {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range statusPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return Message(trimmed), true
		}
	}
	return Update{}, false
}

// EchoLines forwards every non-blank line as a message.
func EchoLines(line string) (Update, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Update{}, false
	}
	return Message(trimmed), true
}

// IgnoreLines reports nothing.
func IgnoreLines(string) (Update, bool) {
	return Update{}, false
}

// Chain returns a parser trying each parser in order; the first match wins.
func Chain(parsers ...LineParser) LineParser {
	return func(line string) (Update, bool) {
		for _, p := range parsers {
			if upd, ok := p(line); ok {
				return upd, true
			}
		}
		return Update{}, false
	}
}

var namedParsers = map[string]LineParser{
	"percent":   PercentLines,
	"pages":     PageLines,
	"items":     ItemLines,
	"status":    StatusLines,
	"echo":      EchoLines,
	"none":      IgnoreLines,
	"convert":   Chain(PercentLines, PageLines, EchoLines),
	"filter":    StatusLines,
	"split":     Chain(SplitSummary, StatusLines),
	"structure": Chain(ItemLines, StatusLines),
}

// ParserByName resolves a configured parser name. Several names may be joined
// with '+' to chain them, e.g. "percent+status".
func ParserByName(name string) (LineParser, error) {
	if name == "" {
		return IgnoreLines, nil
	}
	parts := strings.Split(name, "+")
	chain := make([]LineParser, 0, len(parts))
	for _, part := range parts {
		p, ok := namedParsers[strings.TrimSpace(part)]
		if !ok {
			return nil, fmt.Errorf("unknown line parser %q", part)
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return Chain(chain...), nil
}

// ParserNames lists the names accepted by ParserByName.
func ParserNames() []string {
	names := make([]string, 0, len(namedParsers))
	for name := range namedParsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
