package subscription

import (
	"errors"
	"testing"
)

func TestValidateQueries(t *testing.T) {
	if err := ValidateQueries(nil); !errors.Is(err, ErrNoQueries) {
		t.Fatalf("expected ErrNoQueries, got: %v", err)
	}
	if err := ValidateQueries([]string{"SELECT * FROM User", "  "}); err == nil {
		t.Fatalf("expected blank query to fail")
	}
	if err := ValidateQueries([]string{"SELECT * FROM User"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTrackerAppliesInSendOrder(t *testing.T) {
	var tr Tracker
	tr.Sent([]string{"SELECT * FROM User"})
	tr.Sent([]string{"SELECT * FROM User", "SELECT * FROM Message"})
	if got := tr.Pending(); got != 2 {
		t.Fatalf("unexpected pending count: %d", got)
	}

	first, ok := tr.Applied()
	if !ok || len(first.Queries) != 1 {
		t.Fatalf("unexpected first applied request: %+v ok=%v", first, ok)
	}
	if got := tr.Active(); len(got) != 1 {
		t.Fatalf("unexpected active queries: %v", got)
	}

	second, ok := tr.Applied()
	if !ok || len(second.Queries) != 2 {
		t.Fatalf("unexpected second applied request: %+v ok=%v", second, ok)
	}
	if _, ok := tr.Applied(); ok {
		t.Fatalf("expected no pending requests")
	}
	if got := tr.Active(); len(got) != 2 {
		t.Fatalf("unsolicited update should keep the active set, got %v", got)
	}
}

func TestTrackerForgetDropsOnlyThatRequest(t *testing.T) {
	var tr Tracker
	a := tr.Sent([]string{"a"})
	b := tr.Sent([]string{"b"})
	if a.ID == 0 || a.ID == b.ID {
		t.Fatalf("expected distinct non-zero ids, got %d and %d", a.ID, b.ID)
	}

	// The first send failed while the second is still in flight.
	if !tr.Forget(a.ID) {
		t.Fatalf("expected request %d to be pending", a.ID)
	}
	req, ok := tr.Applied()
	if !ok || req.ID != b.ID || req.Queries[0] != "b" {
		t.Fatalf("unexpected applied request: %+v", req)
	}
	if tr.Forget(a.ID) || tr.Forget(b.ID) {
		t.Fatalf("forget of a request that is no longer pending should report false")
	}
	if tr.Pending() != 0 {
		t.Fatalf("unexpected pending count: %d", tr.Pending())
	}
}
