// Package classify decides whether captured text reads as a note or a
// checklist and pulls checklist items out of it.
//
// Everything here is a heuristic built on a few regular expressions. It is
// pure and total: every input string, including the empty one, produces a
// result, and the same input always produces the same result.
package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// EntryType is the display shape of a captured entry.
type EntryType string

const (
	Note      EntryType = "note"
	Checklist EntryType = "checklist"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	return t == Note || t == Checklist
}

// Toggle returns the other entry type.
func (t EntryType) Toggle() EntryType {
	if t == Checklist {
		return Note
	}
	return Checklist
}

// Item is one line of a checklist.
type Item struct {
	Label   string `json:"label"`
	Checked bool   `json:"checked"`
}

// Result is the combined output of DetectType and ExtractItems.
// Items is nil unless Type is Checklist.
type Result struct {
	Type  EntryType
	Items []Item
}

const (
	minCommaItems   = 3
	maxCommaItemLen = 50
	minShortLines   = 2
	maxShortLineLen = 100
	minSplitItems   = 2
)

// space matches Unicode spaces as well as ASCII whitespace, so a marker
// followed by a no-break space still counts.
const space = `[\s\v\pZ\x{FEFF}]`

var (
	bulletLine   = regexp.MustCompile(`(?m)^` + space + `*[-*•]` + space + `+(.+)`)
	numberedLine = regexp.MustCompile(`(?m)^` + space + `*\d+[.)]` + space + `+(.+)`)
	listKeywords = regexp.MustCompile(`(?i)\b(acheter|buy|todo|faire|get|prendre|apporter|list|liste)\b`)
	leadMarkers  = regexp.MustCompile(`^[-*•\d.)]+` + space + `*`)
)

// Classify runs DetectType and, for checklists, ExtractItems.
func Classify(text string) Result {
	t := DetectType(text)
	if t != Checklist {
		return Result{Type: t}
	}
	return Result{Type: t, Items: ExtractItems(text)}
}

// DetectType guesses whether text is a checklist. The first matching rule
// wins: explicit list markers, then three or more short comma-separated
// segments, then two or more short lines combined with a list keyword.
func DetectType(rawText string) EntryType {
	text := strings.TrimSpace(rawText)

	if bulletLine.MatchString(text) || numberedLine.MatchString(text) {
		return Checklist
	}

	commaItems := splitNonEmpty(text, ",")
	if len(commaItems) >= minCommaItems && allShorterThan(commaItems, maxCommaItemLen) {
		return Checklist
	}

	lines := splitNonEmpty(text, "\n")
	if len(lines) >= minShortLines && allShorterThan(lines, maxShortLineLen) && listKeywords.MatchString(text) {
		return Checklist
	}

	return Note
}

// ExtractItems splits text into unchecked checklist items. Marker lines take
// precedence (bullets first, then numbered lines), then comma separation,
// then line separation, and finally the whole text as a single item.
func ExtractItems(rawText string) []Item {
	text := strings.TrimSpace(rawText)

	var labels []string
	for _, m := range bulletLine.FindAllStringSubmatch(text, -1) {
		labels = append(labels, strings.TrimSpace(m[1]))
	}
	for _, m := range numberedLine.FindAllStringSubmatch(text, -1) {
		labels = append(labels, strings.TrimSpace(m[1]))
	}

	if len(labels) == 0 {
		if commaItems := splitNonEmpty(text, ","); len(commaItems) >= minSplitItems {
			labels = commaItems
		} else if lineItems := splitNonEmpty(text, "\n"); len(lineItems) >= minSplitItems {
			labels = lineItems
		} else {
			labels = []string{text}
		}
	}

	items := make([]Item, 0, len(labels))
	for _, l := range labels {
		label := strings.TrimSpace(leadMarkers.ReplaceAllString(l, ""))
		if label == "" {
			continue
		}
		items = append(items, Item{Label: label})
	}
	return items
}

func splitNonEmpty(text, sep string) []string {
	parts := strings.Split(text, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func allShorterThan(parts []string, limit int) bool {
	for _, p := range parts {
		if utf8.RuneCountInString(p) >= limit {
			return false
		}
	}
	return true
}
