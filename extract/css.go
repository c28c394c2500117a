package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// CSSRule extracts one record per node matching Selector. Field selectors
// are evaluated relative to each matched node; an empty field selector
// takes the node's own text.
//
// Supports a subset of CSS selectors:
//   - tag: "article", "li", "div"
//   - .class: ".vacancy-row"
//   - #id: "#seat-table"
//   - tag.class: "div.status"
//   - tag#id: "div#main"
//   - tag[attr]: "div[data-status]"
//   - tag[attr=val]: "div[role=row]"
//   - combinations separated by space (descendant combinator)
type CSSRule struct {
	// RuleName identifies the rule in errors and records.
	RuleName string
	// Selector scopes the nodes that become records.
	Selector string
	// Fields maps field name → selector relative to the record node.
	Fields map[string]string
	// Keys names the fields that form the record identity.
	// Empty means all fields.
	Keys []string
	// Optional marks the rule as allowed to match nothing. Default is
	// strict: zero matches is a ParseError (layout changed).
	Optional bool
	// KeepHTML captures the matched node's markup on each record.
	KeepHTML bool
}

func (r *CSSRule) Name() string { return r.RuleName }

// Extract returns one record per node matching the rule's selector,
// in document order.
func (r *CSSRule) Extract(doc *html.Node, _ string) ([]Record, error) {
	nodes := querySelectorAll(doc, r.Selector)
	if len(nodes) == 0 {
		if r.Optional {
			return nil, nil
		}
		return nil, &ParseError{Rule: r.RuleName, Detail: "selector matched nothing: " + r.Selector}
	}

	records := make([]Record, 0, len(nodes))
	for _, n := range nodes {
		fields := make(map[string]string, len(r.Fields))
		for name, sel := range r.Fields {
			if sel == "" {
				fields[name] = normalizeNodeText(n)
				continue
			}
			sub := querySelectorAll(n, sel)
			if len(sub) == 0 {
				fields[name] = ""
				continue
			}
			fields[name] = normalizeNodeText(sub[0])
		}
		if len(r.Fields) == 0 {
			fields["text"] = normalizeNodeText(n)
		}

		rec := Record{
			ID:     StableID(fields, r.Keys),
			Rule:   r.RuleName,
			Fields: fields,
			Text:   joinFields(fields, r.Keys),
		}
		if r.KeepHTML {
			rec.HTML = renderNode(n)
		}
		records = append(records, rec)
	}
	return records, nil
}

func normalizeNodeText(n *html.Node) string {
	return strings.TrimSpace(collapseSpaces(foldWidth(collectText(n))))
}

// joinFields renders the key fields (or all fields, sorted) as one line.
func joinFields(fields map[string]string, keys []string) string {
	if len(keys) == 0 {
		return fields["text"]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := fields[k]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// querySelectorAll returns all nodes matching a simple CSS selector.
func querySelectorAll(root *html.Node, selector string) []*html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchSimple(root, parts[0])

	// For descendant combinators, filter through subsequent parts.
	for i := 1; i < len(parts); i++ {
		var next []*html.Node
		for _, parent := range matches {
			next = append(next, matchSimple(parent, parts[i])...)
		}
		matches = next
	}

	return matches
}

// matchSimple finds all nodes matching a single CSS selector part.
func matchSimple(root *html.Node, sel string) []*html.Node {
	m := parseSimpleSelector(sel)
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n != root && matchesSelector(n, m) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

// parseSimpleSelector parses "tag.class", "#id", "tag[attr=val]", etc.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	// Handle attribute selector: tag[attr] or tag[attr=val]
	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eqIdx := strings.IndexByte(attrPart, '='); eqIdx >= 0 {
			s.attrKey = attrPart[:eqIdx]
			s.attrVal = strings.Trim(attrPart[eqIdx+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}

	// Handle #id
	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}

	// Handle .class
	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}

	s.tag = sel
	return s
}

// matchesSelector checks if a node matches a parsed simple selector.
func matchesSelector(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}

	if s.tag != "" && n.Data != s.tag {
		return false
	}

	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}

	if s.class != "" {
		classes := strings.Fields(getAttr(n, "class"))
		found := false
		for _, c := range classes {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if s.attrKey != "" {
		if s.attrVal != "" {
			if getAttr(n, s.attrKey) != s.attrVal {
				return false
			}
		} else if !hasAttr(n, s.attrKey) {
			return false
		}
	}

	return true
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}
