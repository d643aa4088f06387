package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	logx "rentbot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "registry.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func testRecord(id string, at time.Time) JobRecord {
	return JobRecord{
		ID:      id,
		Type:    TaskNotification,
		NextRun: at,
		Payload: json.RawMessage(`{"notification_id":"n1","message":"hi","chat_ids":[1]}`),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if err := st.PutJob(ctx, testRecord("notification:n1", at)); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	got, ok, err := st.GetJob(ctx, "notification:n1")
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if !got.NextRun.Equal(at) || got.Type != TaskNotification {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected default status %q, got %q", StatusPending, got.Status)
	}

	if err := st.DeleteJob(ctx, "notification:n1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, ok, _ := st.GetJob(ctx, "notification:n1"); ok {
		t.Fatal("record survived delete")
	}
}

func TestFileStoreDeleteAbsentIsNotAnError(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	defer st.Close()
	if err := st.DeleteJob(context.Background(), "never-existed"); err != nil {
		t.Fatalf("DeleteJob on absent id: %v", err)
	}
}

func TestFileStorePutIsUpsert(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	at := time.Now().UTC().Truncate(time.Second)
	if err := st.PutJob(ctx, testRecord("job", at)); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	if err := st.PutJob(ctx, testRecord("job", at.Add(time.Hour))); err != nil {
		t.Fatalf("PutJob replace: %v", err)
	}

	recs, err := st.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after upsert, got %d", len(recs))
	}
	if !recs[0].NextRun.Equal(at.Add(time.Hour)) {
		t.Fatalf("upsert kept the old next run: %v", recs[0].NextRun)
	}
}

func TestFileStoreUpdateNextRun(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	at := time.Now().UTC().Truncate(time.Second)
	if err := st.PutJob(ctx, testRecord("job", at)); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	next := at.Add(30 * time.Minute)
	if err := st.UpdateNextRun(ctx, "job", next); err != nil {
		t.Fatalf("UpdateNextRun: %v", err)
	}
	got, _, _ := st.GetJob(ctx, "job")
	if !got.NextRun.Equal(next) {
		t.Fatalf("NextRun = %v, want %v", got.NextRun, next)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestStore(t, dir)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		if err := st.PutJob(ctx, testRecord(id, at)); err != nil {
			t.Fatalf("PutJob %s: %v", id, err)
		}
	}
	if err := st.DeleteJob(ctx, "b"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()
	recs, err := st2.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records after reopen, got %d", len(recs))
	}
	ids := map[string]bool{}
	for _, r := range recs {
		ids[r.ID] = true
	}
	if !ids["a"] || !ids["c"] || ids["b"] {
		t.Fatalf("unexpected ids after reopen: %v", ids)
	}
}

func TestFileStoreNextRunStoredAsUTC(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	loc := time.FixedZone("X", 3*60*60)
	at := time.Date(2026, 9, 1, 13, 0, 0, 0, loc)
	if err := st.PutJob(ctx, testRecord("tz", at)); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	got, _, _ := st.GetJob(ctx, "tz")
	if got.NextRun.Location() != time.UTC {
		t.Fatalf("NextRun not normalized to UTC: %v", got.NextRun)
	}
	if !got.NextRun.Equal(at) {
		t.Fatalf("NextRun changed instant: %v vs %v", got.NextRun, at)
	}
}
