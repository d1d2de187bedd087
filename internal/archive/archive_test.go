package archive_test

import (
	"context"
	"testing"

	"github.com/qtrace/qtrace/internal/archive"
)

func openStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(":memory:")
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	lines := []archive.TraceLine{
		{PID: 100, TracerID: 1, Qualified: "String#gsub", DurationUs: 12500, Nesting: 0},
		{PID: 100, TracerID: 1, Qualified: "Foo#bar", DurationUs: 1000000, Nesting: 1},
		{PID: 200, TracerID: 2, Qualified: "Other#call", DurationUs: 500, Nesting: 0},
	}
	for _, l := range lines {
		if err := s.Record(ctx, l); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Query(ctx, 100, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	// Most recent first.
	if got[0].Qualified != "Foo#bar" {
		t.Errorf("got[0].Qualified = %q, want Foo#bar", got[0].Qualified)
	}
}

func TestQueryZeroLimitReturnsNil(t *testing.T) {
	s := openStore(t)
	got, err := s.Query(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("got = %v, want nil", got)
	}
}

func TestCount(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_ = s.Record(ctx, archive.TraceLine{PID: 1, TracerID: 1, Qualified: "A#b"})
	_ = s.Record(ctx, archive.TraceLine{PID: 1, TracerID: 1, Qualified: "A#c"})
	_ = s.Record(ctx, archive.TraceLine{PID: 2, TracerID: 1, Qualified: "A#d"})

	n, err := s.Count(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
}
