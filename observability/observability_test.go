package observability

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/vigil/dbopen"
	_ "modernc.org/sqlite"
)

func TestRecordAndQueryTicks(t *testing.T) {
	// WHAT: Recorded events come back from RecentTicks newest-first,
	// filtered by target.
	// WHY: The status endpoint shows the last cycles per target; wrong
	// order or cross-target bleed would mislead the operator.
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	ctx := context.Background()

	seq := 0
	rec := NewRecorder(db, WithEventIDGenerator(func() string {
		seq++
		return string(rune('a' + seq))
	}))

	rec.RecordTick(ctx, TickEvent{Target: "darts", Status: StatusOK, NewRecords: 2, Elapsed: 1200 * time.Millisecond})
	rec.RecordTick(ctx, TickEvent{Target: "darts", Status: StatusFailed, ErrorKind: "render.TimeoutError", ErrorMessage: "navigate"})
	rec.RecordTick(ctx, TickEvent{Target: "other", Status: StatusOK})

	ticks, err := RecentTicks(ctx, db, "darts", 10)
	if err != nil {
		t.Fatalf("recent ticks: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}
	if ticks[0].Status != StatusFailed || ticks[0].ErrorKind != "render.TimeoutError" {
		t.Errorf("newest tick = %+v, want the failed one", ticks[0])
	}
	if ticks[1].Status != StatusOK || ticks[1].NewRecords != 2 || ticks[1].ElapsedMS != 1200 {
		t.Errorf("older tick = %+v", ticks[1])
	}

	all, err := RecentTicks(ctx, db, "", 10)
	if err != nil {
		t.Fatalf("recent ticks all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all targets: got %d ticks, want 3", len(all))
	}
}

func TestLastSuccess(t *testing.T) {
	// WHAT: LastSuccess reports the newest ok tick and the zero time
	// when a target has never succeeded.
	// WHY: "when did it last succeed" is the first question during an outage.
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	ctx := context.Background()
	rec := NewRecorder(db)

	at, err := LastSuccess(ctx, db, "darts")
	if err != nil {
		t.Fatalf("last success: %v", err)
	}
	if !at.IsZero() {
		t.Errorf("expected zero time before any tick, got %v", at)
	}

	rec.RecordTick(ctx, TickEvent{Target: "darts", Status: StatusFailed})
	rec.RecordTick(ctx, TickEvent{Target: "darts", Status: StatusOK, NewRecords: 1})

	at, err = LastSuccess(ctx, db, "darts")
	if err != nil {
		t.Fatalf("last success: %v", err)
	}
	if at.IsZero() {
		t.Error("expected a success timestamp after an ok tick")
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	// WHAT: A written heartbeat is retrievable and reported alive within
	// the staleness threshold.
	// WHY: The health endpoint relies on this to distinguish a running
	// watcher from a wedged one.
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	ctx := context.Background()

	hw := NewHeartbeatWriter(db, "vigil", time.Minute)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	hs, err := LatestHeartbeat(ctx, db, "vigil", time.Minute)
	if err != nil {
		t.Fatalf("latest heartbeat: %v", err)
	}
	if hs == nil {
		t.Fatal("expected a heartbeat row")
	}
	if !hs.Alive {
		t.Error("fresh heartbeat should be alive")
	}
	if hs.GoroutinesCount <= 0 {
		t.Errorf("goroutines = %d, want > 0", hs.GoroutinesCount)
	}

	missing, err := LatestHeartbeat(ctx, db, "nobody", time.Minute)
	if err != nil {
		t.Fatalf("latest heartbeat: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown worker, got %+v", missing)
	}
}

func TestHeartbeatWriterStop(t *testing.T) {
	// WHAT: Stop terminates the heartbeat goroutine without hanging.
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	hw := NewHeartbeatWriter(db, "vigil", 10*time.Millisecond)
	hw.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		hw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestCleanupRetention(t *testing.T) {
	// WHAT: Cleanup removes rows older than the retention window and
	// keeps newer ones.
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -10).Unix()
	if _, err := db.Exec(`
		INSERT INTO tick_events (event_id, target, status, created_at)
		VALUES ('old', 'darts', 'ok', ?), ('new', 'darts', 'ok', strftime('%s', 'now'))`, old); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp)
		VALUES ('vigil', 'h', 1, ?)`, old); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}

	err := Cleanup(ctx, db, RetentionConfig{TickEventsDays: 7, HeartbeatsDays: 7})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	var ticks, beats int
	if err := db.QueryRow("SELECT COUNT(*) FROM tick_events").Scan(&ticks); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&beats); err != nil {
		t.Fatal(err)
	}
	if ticks != 1 {
		t.Errorf("tick_events rows = %d, want 1", ticks)
	}
	if beats != 0 {
		t.Errorf("worker_heartbeats rows = %d, want 0", beats)
	}
}
