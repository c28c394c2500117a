package dispatch

import (
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/vigil/extract"
)

// Formatter renders records into chat message bodies. Records that carry
// a captured HTML fragment are sanitized and converted to Markdown;
// plain records fall back to their normalized text line.
type Formatter struct {
	sanitizer *bluemonday.Policy
	md        *converter.Converter
}

// NewFormatter builds a Formatter with a UGC sanitization policy and a
// CommonMark converter.
func NewFormatter() *Formatter {
	return &Formatter{
		sanitizer: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// RecordLine renders one record as a Markdown line.
func (f *Formatter) RecordLine(r extract.Record) string {
	if r.HTML != "" {
		clean := f.sanitizer.Sanitize(r.HTML)
		md, err := f.md.ConvertString(clean)
		if err == nil {
			md = strings.TrimSpace(md)
			if md != "" {
				return md
			}
		}
		// Conversion failures degrade to the text rendering.
	}
	return r.Text
}

// Compose batches records into message bodies no longer than maxLen, one
// record line each, preserving record order. A single oversize line is
// truncated rather than dropped.
func (f *Formatter) Compose(subject string, records []extract.Record, maxLen int, now time.Time) []Message {
	if maxLen <= 0 {
		maxLen = 4000
	}

	var messages []Message
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		messages = append(messages, Message{
			Subject:   subject,
			Text:      strings.TrimRight(b.String(), "\n"),
			Timestamp: now,
		})
		b.Reset()
	}

	for _, r := range records {
		line := f.RecordLine(r)
		if len(line) > maxLen {
			line = truncate(line, maxLen)
		}
		if b.Len() > 0 && b.Len()+len(line)+1 > maxLen {
			flush()
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	flush()
	return messages
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
