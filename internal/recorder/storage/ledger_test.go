package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/mikeyg42/dashcam/internal/recorder/metasync"
)

func newMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLedgerFromDB(sqlx.NewDb(db, "postgres")), mock
}

func testClip() *metasync.FinishedClip {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &metasync.FinishedClip{
		SessionID:      "0b7c3c1e-5d7a-4c5e-9f0e-0d2a8f1c9b11",
		Path:           "/clips/20240501T120000Z_pothole_0b7c3c1e.mkv",
		Size:           6 << 20,
		StartAt:        start,
		EndAt:          start.Add(8 * time.Second),
		Duration:       8 * time.Second,
		DurationSource: "container",
		Label:          "pothole",
		Metadata:       map[string]string{"zone_id": "downtown", "manual": "false"},
	}
}

func TestLedgerEnqueueInserts(t *testing.T) {
	l, mock := newMockLedger(t)
	c := testClip()

	mock.ExpectExec(`INSERT INTO clips`).
		WithArgs(c.SessionID, c.Path, c.Size, c.StartAt, c.EndAt, int64(8000), "container", "pothole", "downtown",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := l.Enqueue(context.Background(), c); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
	if got := l.GetMetrics()["inserted"].(uint64); got != 1 {
		t.Fatalf("inserted = %d", got)
	}
}

func TestLedgerDuplicateIsNoop(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectExec(`INSERT INTO clips`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := l.Enqueue(context.Background(), testClip()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := l.GetMetrics()["duplicates"].(uint64); got != 1 {
		t.Fatalf("duplicates = %d", got)
	}
}

func TestLedgerInsertError(t *testing.T) {
	l, mock := newMockLedger(t)
	boom := errors.New("connection reset")
	mock.ExpectExec(`INSERT INTO clips`).WillReturnError(boom)

	err := l.Enqueue(context.Background(), testClip())
	if !errors.Is(err, boom) {
		t.Fatalf("Enqueue = %v, want wrapped %v", err, boom)
	}
	if !IsRetryable(err) {
		t.Fatalf("insert errors should be retryable")
	}
}

func TestLedgerSince(t *testing.T) {
	l, mock := newMockLedger(t)
	c := testClip()
	rows := sqlmock.NewRows([]string{
		"session_id", "path", "size_bytes", "started_at", "ended_at", "duration_ms",
		"duration_source", "label", "zone_id", "tags", "metadata", "created_at",
	}).AddRow(c.SessionID, c.Path, c.Size, c.StartAt, c.EndAt, int64(8000),
		"container", "pothole", "downtown", []byte("{pothole}"), []byte(`{"zone_id":"downtown"}`), c.EndAt)
	mock.ExpectQuery(`SELECT (.+) FROM clips`).WithArgs(c.StartAt, int64(10)).WillReturnRows(rows)

	got, err := l.Since(context.Background(), c.StartAt, 10)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != c.SessionID || got[0].DurationMS != 8000 {
		t.Fatalf("Since = %+v", got)
	}
	if len(got[0].Tags) != 1 || got[0].Tags[0] != "pothole" {
		t.Fatalf("tags = %v", got[0].Tags)
	}
}

func TestRecordTags(t *testing.T) {
	c := testClip()
	c.Metadata["manual"] = "true"
	rec, err := Record(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Tags) != 2 || rec.Tags[0] != "manual" || rec.Tags[1] != "pothole" {
		t.Fatalf("tags = %v", rec.Tags)
	}
	if rec.ZoneID != "downtown" || rec.DurationMS != 8000 {
		t.Fatalf("record = %+v", rec)
	}
}
