package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestReaperSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	for _, r := range []struct {
		id      string
		expires time.Time
	}{
		{"dep-a", now.Add(-time.Minute)},
		{"dep-b", now.Add(-time.Second)},
		{"dep-c", now.Add(time.Minute)},
		{"dep-d", time.Time{}},
	} {
		rec := provisionedRecord(r.id, true, true)
		rec.ExpiresAt = r.expires
		store.put(rec)
	}
	invoker := newScriptedInvoker()
	publisher := &mockPublisher{}
	opts := testOptions(store, invoker, testLabs())
	opts.Publisher = publisher

	reaper := NewReaper(store, NewHandler(opts), opts, 0)
	res, err := reaper.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Expired != 2 || res.Purged != 2 || len(res.Failed) != 0 {
		t.Errorf("result = %+v, want 2 expired and purged", res)
	}
	for _, id := range []string{"dep-a", "dep-b"} {
		if store.get(id) != nil {
			t.Errorf("%s not purged", id)
		}
	}
	for _, id := range []string{"dep-c", "dep-d"} {
		if store.get(id) == nil {
			t.Errorf("%s purged before expiry", id)
		}
	}
	want := []string{"remove-user", "remove-ns", "remove-user", "remove-ns"}
	if got := invoker.actions(); !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
	if publisher.types()[0] != EventTypeDeploymentExpired {
		t.Errorf("first event = %s, want deployment.expired", publisher.types()[0])
	}
}

func TestReaperSweepKeepsFailedRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	for _, id := range []string{"dep-a", "dep-b"} {
		rec := provisionedRecord(id, false, true)
		rec.ExpiresAt = now.Add(-time.Minute)
		store.put(rec)
	}
	invoker := newScriptedInvoker()
	invoker.script("remove-user", response{err: NewInvocationError("remove-user", errors.New("refused"))}, respond(200))
	opts := testOptions(store, invoker, testLabs())

	res, err := NewReaper(store, NewHandler(opts), opts, 10).Sweep(context.Background(), now)
	if err == nil {
		t.Fatal("Sweep() error = nil, want the cleanup failure")
	}
	if res.Purged != 1 || !reflect.DeepEqual(res.Failed, []string{"dep-a"}) {
		t.Errorf("result = %+v, want dep-a failed and one purge", res)
	}
	if rec := store.get("dep-a"); rec == nil || rec.CleanupStatus != WorkflowStatusFailed {
		t.Errorf("dep-a = %+v, want kept with cleanup FAILED", rec)
	}
}

func TestReaperSweepPurgeFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	rec := provisionedRecord("dep-a", false, false)
	rec.ExpiresAt = now.Add(-time.Minute)
	store.put(rec)
	store.failOn["delete"] = NewStoreUnavailableError("delete", errors.New("locked"))
	opts := testOptions(store, newScriptedInvoker(), testLabs())

	res, err := NewReaper(store, NewHandler(opts), opts, 10).Sweep(context.Background(), now)
	if !IsStoreUnavailable(err) {
		t.Errorf("error = %v, want store unavailable", err)
	}
	if res.Purged != 0 || len(res.Failed) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestReaperBatchSize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	for _, id := range []string{"dep-a", "dep-b", "dep-c"} {
		rec := provisionedRecord(id, false, false)
		rec.ExpiresAt = now.Add(-time.Minute)
		store.put(rec)
	}
	opts := testOptions(store, newScriptedInvoker(), testLabs())

	res, err := NewReaper(store, NewHandler(opts), opts, 2).Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Expired != 2 {
		t.Errorf("Expired = %d, want 2", res.Expired)
	}
	if store.get("dep-c") == nil {
		t.Error("dep-c swept beyond the batch size")
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	store := newMemStore()
	opts := testOptions(store, newScriptedInvoker(), testLabs())
	reaper := NewReaper(store, NewHandler(opts), opts, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
