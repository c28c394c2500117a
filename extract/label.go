package extract

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// LabelRule extracts a value that appears near a label in the rendered
// text. It scans the normalized text line by line: when a line contains
// Label, the value Pattern is searched on that line and, failing that, on
// a window of following lines. This survives pages where the label and
// its value land in sibling cells that render on adjacent lines.
//
// Typical use: vacancy boards where a row reads "ダーツ 残2席" or the
// seat count renders one line below the facility name.
type LabelRule struct {
	// RuleName identifies the rule in errors and records.
	RuleName string
	// Label is the anchor text to look for, matched after normalization.
	Label string
	// Pattern matches the value near the label, e.g. `(満席|残\s*\d+\s*席(?:以上)?)`.
	Pattern *regexp.Regexp
	// Window is how many lines after the label line to search when the
	// label line itself has no match. Default 2.
	Window int
	// Optional marks the rule as allowed to find neither label nor value.
	Optional bool
}

func (r *LabelRule) Name() string { return r.RuleName }

// Extract returns one record per label occurrence with a nearby value.
func (r *LabelRule) Extract(_ *html.Node, text string) ([]Record, error) {
	if r.Label == "" || r.Pattern == nil {
		return nil, &ParseError{Rule: r.RuleName, Detail: "label rule needs both label and pattern"}
	}
	window := r.Window
	if window <= 0 {
		window = 2
	}

	lines := splitLines(text)
	var records []Record
	labelSeen := false

	for i, ln := range lines {
		if !containsLabel(ln, r.Label) {
			continue
		}
		labelSeen = true

		m := r.Pattern.FindString(ln)
		if m == "" {
			// Search the following window of lines.
			end := i + 1 + window
			if end > len(lines) {
				end = len(lines)
			}
			for _, next := range lines[i+1 : end] {
				if m = r.Pattern.FindString(next); m != "" {
					break
				}
			}
		}
		if m == "" {
			continue
		}

		fields := map[string]string{
			"label": r.Label,
			"value": m,
		}
		records = append(records, Record{
			ID:     StableID(fields, []string{"label", "value"}),
			Rule:   r.RuleName,
			Fields: fields,
			Text:   fmt.Sprintf("%s: %s", r.Label, m),
		})
	}

	if len(records) == 0 && !r.Optional {
		if !labelSeen {
			return nil, &ParseError{Rule: r.RuleName, Detail: fmt.Sprintf("label %q not found in rendered text", r.Label)}
		}
		return nil, &ParseError{Rule: r.RuleName, Detail: fmt.Sprintf("label %q found but value pattern matched nothing", r.Label)}
	}
	return records, nil
}

func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

func containsLabel(line, label string) bool {
	return label != "" && strings.Contains(line, label)
}
