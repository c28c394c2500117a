// Package extract converts rendered page snapshots into structured records.
//
// Extraction is a pure function of the snapshot and the configured rules:
// no network, no clock, no side effects. Each record carries a stable
// identifier derived from its normalized key fields, so re-rendering the
// same logical content yields the same identifier even when surrounding
// markup or whitespace differs.
package extract

import (
	"bytes"
	"fmt"

	"golang.org/x/net/html"
)

// Record is one structured unit extracted from a snapshot.
type Record struct {
	// ID is the stable content-derived identifier. Two records with the
	// same ID are the same logical entity.
	ID string `json:"id"`
	// Rule is the name of the rule that produced the record.
	Rule string `json:"rule"`
	// Fields holds the extracted display fields, normalized.
	Fields map[string]string `json:"fields"`
	// Text is a one-line rendering of the record for plain-text sinks.
	Text string `json:"text"`
	// HTML is the raw markup of the matched region, if the rule captured it.
	HTML string `json:"html,omitempty"`
}

// ParseError reports that a rule's expected structure is absent from the
// snapshot — usually a sign the site layout changed and the rule needs
// operator attention.
type ParseError struct {
	Rule   string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extract: rule %q: %s", e.Rule, e.Detail)
}

// Rule extracts records from a parsed document and its rendered text.
// Implementations must be pure and safe for concurrent use.
type Rule interface {
	// Name identifies the rule in errors, logs, and Record.Rule.
	Name() string
	// Extract returns the records the rule matches, in document order.
	Extract(doc *html.Node, text string) ([]Record, error)
}

// Extract runs all rules against a snapshot's HTML and rendered text and
// returns the concatenated records in rule order, document order within
// each rule. A rule whose expected structure is absent fails the whole
// extraction with a ParseError; a broken rule must surface, not be
// silently skipped.
func Extract(htmlBytes []byte, text string, rules []Rule) ([]Record, error) {
	if len(rules) == 0 {
		return nil, &ParseError{Rule: "", Detail: "no extraction rules configured"}
	}

	doc, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, &ParseError{Rule: "", Detail: "parse html: " + err.Error()}
	}

	norm := NormalizeText(text)

	var records []Record
	for _, r := range rules {
		recs, err := r.Extract(doc, norm)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}
