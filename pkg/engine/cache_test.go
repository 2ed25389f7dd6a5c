package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFingerprint_Normalization(t *testing.T) {
	a := Fingerprint(Request{Prompt: "Build a  Calculator\n", TaskLabel: "App"})
	b := Fingerprint(Request{Prompt: "build a calculator", TaskLabel: " app "})
	c := Fingerprint(Request{Prompt: "build a calculator", TaskLabel: "web"})

	if a != b {
		t.Error("Expected case and whitespace differences to share a fingerprint")
	}
	if a == c {
		t.Error("Expected different labels to produce different fingerprints")
	}
	if len(a) != 64 {
		t.Errorf("Expected hex SHA-256 fingerprint, got %d chars", len(a))
	}
	// The separator keeps prompt and label from bleeding into each other.
	if Fingerprint(Request{Prompt: "ab", TaskLabel: "c"}) == Fingerprint(Request{Prompt: "a", TaskLabel: "bc"}) {
		t.Error("Expected prompt/label boundary to matter")
	}
}

func TestSolutionCache_IdempotentGetOrRun(t *testing.T) {
	ctx := context.Background()
	cache := NewSolutionCache(nil)
	racer := NewRacingScheduler(nil)
	counting := &mockApproach{name: "counting", fn: succeedAfter(time.Millisecond, "print('hi')")}
	racer.Register(counting)

	first := cache.GetOrRun(ctx, racer, Request{Prompt: "Say hi", TaskLabel: "greeting"})
	second := cache.GetOrRun(ctx, racer, Request{Prompt: "  say HI ", TaskLabel: "Greeting"})

	if !first.OK() || !second.OK() {
		t.Fatalf("Expected both lookups to succeed: %v / %v", first.Err(), second.Err())
	}
	if counting.calls.Load() != 1 {
		t.Errorf("Expected approach invoked once, got %d", counting.calls.Load())
	}
	if first.Winner.Cached {
		t.Error("Expected first result to come from the race")
	}
	if !second.Winner.Cached || second.Winner.Payload != "print('hi')" || second.Winner.Approach != "counting" {
		t.Errorf("Expected cached payload with provenance, got %+v", second.Winner)
	}

	stats := cache.Stats(ctx)
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSolutionCache_ConcurrentMissesRunOnce(t *testing.T) {
	ctx := context.Background()
	cache := NewSolutionCache(nil)
	racer := NewRacingScheduler(nil)
	release := make(chan struct{})
	slow := &mockApproach{name: "slow", fn: func(ctx context.Context, _ Request, _ *PoolToken) (string, error) {
		select {
		case <-release:
			return "print('once')", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	racer.Register(slow)

	const callers = 5
	results := make([]RaceResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.GetOrRun(ctx, racer, Request{Prompt: "same prompt"})
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for slow.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if slow.calls.Load() != 1 {
		t.Fatalf("Expected approach invoked once, got %d", slow.calls.Load())
	}
	raced := 0
	for i, rr := range results {
		if !rr.OK() || rr.Winner.Payload != "print('once')" {
			t.Fatalf("Expected caller %d to receive the winner, got %+v", i, rr)
		}
		if !rr.Winner.Cached {
			raced++
		}
	}
	if raced != 1 {
		t.Errorf("Expected exactly one uncached result, got %d", raced)
	}
	if cache.Len(ctx) != 1 {
		t.Errorf("Expected 1 entry, got %d", cache.Len(ctx))
	}
}

func TestSolutionCache_FailuresNotCached(t *testing.T) {
	ctx := context.Background()
	cache := NewSolutionCache(nil)
	racer := NewRacingScheduler(nil)
	failing := &mockApproach{name: "failing", fn: failAfter(0)}
	racer.Register(failing)

	req := Request{Prompt: "impossible"}
	cache.GetOrRun(ctx, racer, req)
	cache.GetOrRun(ctx, racer, req)

	if failing.calls.Load() != 2 {
		t.Errorf("Expected failures to be retried, got %d calls", failing.calls.Load())
	}
	if cache.Len(ctx) != 0 {
		t.Errorf("Expected empty cache, got %d", cache.Len(ctx))
	}

	stored, err := cache.Put(ctx, req, &Result{Success: false, Payload: "x"})
	if err != nil || stored {
		t.Errorf("Expected failed result to be ignored, stored=%v err=%v", stored, err)
	}
}

func TestSolutionCache_WriteOnce(t *testing.T) {
	ctx := context.Background()
	cache := NewSolutionCache(nil)
	req := Request{Prompt: "p"}

	stored, _ := cache.Put(ctx, req, &Result{Success: true, Payload: "first", Approach: "a"})
	if !stored {
		t.Fatal("Expected first put to store")
	}
	stored, _ = cache.Put(ctx, req, &Result{Success: true, Payload: "second", Approach: "b"})
	if stored {
		t.Error("Expected second put to be ignored")
	}

	res, ok := cache.Get(ctx, req)
	if !ok || res.Payload != "first" {
		t.Errorf("Expected first payload to win, got %+v", res)
	}
}

func TestSolutionCache_MaxEntries(t *testing.T) {
	ctx := context.Background()
	cache := NewSolutionCache(nil, WithMaxEntries(2))

	for _, p := range []string{"one", "two", "three"} {
		cache.Put(ctx, Request{Prompt: p}, &Result{Success: true, Payload: p})
		time.Sleep(2 * time.Millisecond)
	}

	if cache.Len(ctx) != 2 {
		t.Fatalf("Expected 2 entries, got %d", cache.Len(ctx))
	}
	if _, ok := cache.Get(ctx, Request{Prompt: "one"}); ok {
		t.Error("Expected oldest entry to be evicted")
	}
	if _, ok := cache.Get(ctx, Request{Prompt: "three"}); !ok {
		t.Error("Expected newest entry to remain")
	}
}

func TestSolutionCache_ExportImportFile(t *testing.T) {
	ctx := context.Background()
	src := NewSolutionCache(nil)
	src.Put(ctx, Request{Prompt: "calc", TaskLabel: "app"}, &Result{Success: true, Payload: "def add(a, b): return a + b", Approach: "template"})
	src.Put(ctx, Request{Prompt: "web"}, &Result{Success: true, Payload: "<html></html>", Approach: "static_knowledge"})

	path := filepath.Join(t.TempDir(), "exports", "cache.json")
	if err := src.ExportFile(ctx, path); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := NewSolutionCache(nil)
	dst.Put(ctx, Request{Prompt: "web"}, &Result{Success: true, Payload: "existing", Approach: "other"})

	added, err := dst.ImportFile(ctx, path)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if added != 1 {
		t.Errorf("Expected 1 new entry, got %d", added)
	}

	res, ok := dst.Get(ctx, Request{Prompt: "CALC", TaskLabel: "app"})
	if !ok || res.Approach != "template" {
		t.Errorf("Expected imported entry with provenance, got %+v", res)
	}
	res, _ = dst.Get(ctx, Request{Prompt: "web"})
	if res.Payload != "existing" {
		t.Errorf("Expected import to keep existing entry, got %q", res.Payload)
	}
}

func TestSolutionCache_ExportFormat(t *testing.T) {
	ctx := context.Background()
	history := NewExecutionHistory(10)
	history.Record(ExecutionRecord{Approach: "a", Success: true, Elapsed: 5 * time.Millisecond, At: time.Now()})
	cache := NewSolutionCache(nil, WithMaxEntries(50), WithCacheHistory(history))
	cache.Put(ctx, Request{Prompt: "p"}, &Result{Success: true, Payload: "x", Approach: "a"})
	cache.Get(ctx, Request{Prompt: "p"})

	if stats := cache.Stats(ctx); stats.MaxEntries != 50 {
		t.Errorf("Expected max entries 50, got %d", stats.MaxEntries)
	}

	var buf bytes.Buffer
	if err := cache.ExportTo(ctx, &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	for _, key := range []string{`"version": 1`, `"exported_at"`, `"entries"`, `"stats"`, `"hits": 1`, `"max_entries": 50`, `"approaches"`, `"total_executions": 1`} {
		if !bytes.Contains(buf.Bytes(), []byte(key)) {
			t.Errorf("Expected export to contain %s, got %s", key, buf.String())
		}
	}

	if _, err := cache.ImportFrom(ctx, bytes.NewBufferString(`{"version": 99}`)); err == nil {
		t.Error("Expected newer export version to be rejected")
	}
}

func TestSolutionCache_Clear(t *testing.T) {
	ctx := context.Background()
	cache := NewSolutionCache(nil)
	cache.Put(ctx, Request{Prompt: "p"}, &Result{Success: true, Payload: "x"})
	cache.Get(ctx, Request{Prompt: "p"})

	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats := cache.Stats(ctx)
	if stats.Entries != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Expected reset stats, got %+v", stats)
	}
}
