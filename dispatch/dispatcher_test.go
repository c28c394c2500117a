package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/vigil/extract"
)

// fakeChannel fails the first failures sends, then succeeds.
type fakeChannel struct {
	mu       sync.Mutex
	failures int
	sent     []Message
}

func (c *fakeChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return &ErrSendFailed{Channel: msg.ChannelName, Platform: "fake",
			Cause: fmt.Errorf("simulated outage")}
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Status() ChannelStatus { return ChannelStatus{Platform: "fake", Connected: true} }
func (c *fakeChannel) Close() error          { return nil }

func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testDispatcher(ch Channel, cfg Config) *Dispatcher {
	d := NewDispatcher(map[string]Channel{"main": ch}, cfg)
	d.sleep = instantSleep
	return d
}

func recs(ids ...string) []extract.Record {
	out := make([]extract.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, extract.Record{ID: id, Text: "record " + id})
	}
	return out
}

func TestSend_DeliversBatchedRecords(t *testing.T) {
	// WHAT: All records from one cycle arrive, batched into one message
	// when they fit.
	// WHY: One chat message per record spams; one per cycle reads well.
	ch := &fakeChannel{}
	d := testDispatcher(ch, Config{})

	if err := d.Send(context.Background(), "vacancy", recs("A", "B", "C")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ch.sent) != 1 {
		t.Fatalf("messages: got %d, want 1", len(ch.sent))
	}
	for _, id := range []string{"A", "B", "C"} {
		if !strings.Contains(ch.sent[0].Text, "record "+id) {
			t.Errorf("message missing record %s: %q", id, ch.sent[0].Text)
		}
	}
	if ch.sent[0].Subject != "vacancy" {
		t.Errorf("subject = %q", ch.sent[0].Subject)
	}
}

func TestSend_EmptyIsNoop(t *testing.T) {
	// WHAT: No records, no messages.
	// WHY: A quiet cycle must not ping the channel.
	ch := &fakeChannel{}
	d := testDispatcher(ch, Config{})
	if err := d.Send(context.Background(), "vacancy", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ch.sent) != 0 {
		t.Fatalf("messages: got %d, want 0", len(ch.sent))
	}
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	// WHAT: Transient failures within the retry budget still deliver.
	// WHY: Rate limits and network blips should not fail a tick.
	ch := &fakeChannel{failures: 2}
	d := testDispatcher(ch, Config{MaxRetries: 3})

	if err := d.Send(context.Background(), "vacancy", recs("A")); err != nil {
		t.Fatalf("send should succeed within budget: %v", err)
	}
	if len(ch.sent) != 1 {
		t.Fatalf("messages: got %d, want 1", len(ch.sent))
	}
}

func TestSend_BudgetExhausted_DeliveryError(t *testing.T) {
	// WHAT: Exhausting the retry budget surfaces a DeliveryError.
	// WHY: The cycle must know delivery failed so it skips the commit and
	// the records stay eligible next cycle.
	ch := &fakeChannel{failures: 10}
	d := testDispatcher(ch, Config{MaxRetries: 2})

	err := d.Send(context.Background(), "vacancy", recs("A"))
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", de.Attempts)
	}
	var sf *ErrSendFailed
	if !errors.As(err, &sf) {
		t.Error("DeliveryError should unwrap to the last ErrSendFailed")
	}
}

func TestSend_CancelledDuringBackoff(t *testing.T) {
	// WHAT: Cancelling the context during backoff aborts the retry loop.
	// WHY: Shutdown must not wait out a full backoff ladder.
	ch := &fakeChannel{failures: 10}
	d := NewDispatcher(map[string]Channel{"main": ch}, Config{MaxRetries: 5})
	ctx, cancel := context.WithCancel(context.Background())
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := d.Send(ctx, "vacancy", recs("A"))
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
}

func TestCompose_SplitsOnMaxSize(t *testing.T) {
	// WHAT: Records that exceed the size budget split across messages,
	// preserving order.
	// WHY: Telegram rejects messages over 4096 characters.
	f := NewFormatter()
	records := []extract.Record{
		{ID: "1", Text: strings.Repeat("a", 30)},
		{ID: "2", Text: strings.Repeat("b", 30)},
		{ID: "3", Text: strings.Repeat("c", 30)},
	}
	msgs := f.Compose("s", records, 70, time.Now())
	if len(msgs) != 2 {
		t.Fatalf("messages: got %d, want 2", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "a") || !strings.Contains(msgs[1].Text, "c") {
		t.Errorf("split order broken: %q / %q", msgs[0].Text, msgs[1].Text)
	}
}

func TestCompose_TruncatesOversizeLine(t *testing.T) {
	// WHAT: A single line longer than the budget is truncated on a rune
	// boundary, not dropped.
	// WHY: Losing a record silently violates the no-silent-drop rule;
	// splitting UTF-8 corrupts Japanese text.
	f := NewFormatter()
	records := []extract.Record{{ID: "1", Text: strings.Repeat("残", 100)}}
	msgs := f.Compose("s", records, 50, time.Now())
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if len(msgs[0].Text) > 50 {
		t.Errorf("message too long: %d bytes", len(msgs[0].Text))
	}
	for _, r := range msgs[0].Text {
		if r == '�' {
			t.Fatal("truncation split a UTF-8 sequence")
		}
	}
}

func TestRecordLine_HTMLBecomesMarkdown(t *testing.T) {
	// WHAT: A record's captured HTML fragment is sanitized and rendered
	// as Markdown.
	// WHY: Chat output should carry the page's emphasis, not raw tags or
	// scripts.
	f := NewFormatter()
	r := extract.Record{
		Text: "fallback",
		HTML: `<p><strong>ダーツ</strong> 残2席<script>alert(1)</script></p>`,
	}
	line := f.RecordLine(r)
	if !strings.Contains(line, "**ダーツ**") {
		t.Errorf("expected markdown bold, got %q", line)
	}
	if strings.Contains(line, "script") || strings.Contains(line, "alert") {
		t.Errorf("script content leaked: %q", line)
	}
}
