package refresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buoywatch/internal/erddap"
	"buoywatch/internal/storage"
)

func testGroup(seriesIDs ...int64) Group {
	group := Group{Key: GroupKey{Kind: storage.KindObservation}}
	for _, id := range seriesIDs {
		group.Series = append(group.Series, storage.Series{ID: id, PlatformName: "A01"})
	}
	return group
}

func testClassifier(store *fakeStore, now time.Time) *Classifier {
	c := NewClassifier(store, testLogger())
	c.now = func() time.Time { return now }
	return c
}

func TestClassifyStatusBackoff(t *testing.T) {
	store := newFakeStore()
	c := testClassifier(store, time.Now())
	dataset := storage.Dataset{Name: "A01_met"}

	for _, status := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		outcome := c.Classify(context.Background(), dataset, testGroup(1), &erddap.HTTPError{StatusCode: status})
		if outcome != OutcomeBackoff {
			t.Fatalf("status %d: expected backoff, got %v", status, outcome)
		}
	}
}

func TestClassifyForbiddenHandled(t *testing.T) {
	store := newFakeStore()
	c := testClassifier(store, time.Now())

	outcome := c.Classify(context.Background(), storage.Dataset{Name: "A01_met"}, testGroup(1), &erddap.HTTPError{StatusCode: http.StatusForbidden})
	if outcome != OutcomeHandled {
		t.Fatalf("403 should be handled, got %v", outcome)
	}
}

func TestClassify404Taxonomy(t *testing.T) {
	store := newFakeStore()
	c := testClassifier(store, time.Now())
	dataset := storage.Dataset{Name: "A01_met"}

	bodies := []string{
		"Resource not found: Currently unknown datasetID=A01_met",
		"Your query produced no matching results. There are no matching stations.",
		"No data matches time>=2024-05-01 (code=404)",
		"java.io.FileNotFoundException: file missing (code=404)",
		"some other not found page",
	}
	for _, body := range bodies {
		outcome := c.Classify(context.Background(), dataset, testGroup(1), &erddap.HTTPError{StatusCode: http.StatusNotFound, Body: body})
		if outcome != OutcomeHandled {
			t.Fatalf("404 body %q: expected handled, got %v", body, outcome)
		}
	}
}

func TestClassifyTextTimeouts(t *testing.T) {
	store := newFakeStore()
	c := testClassifier(store, time.Now())
	dataset := storage.Dataset{Name: "A01_met"}

	cases := map[string]Outcome{
		"java.util.concurrent.TimeoutException (code=408)":      OutcomeBackoff,
		"Too Many Requests, wait a minute (code=429)":           OutcomeBackoff,
		"Query error: Unrecognized variable=\"does_not_exist\"": OutcomeHandled,
		"something entirely new and surprising":                 OutcomeUnhandled,
	}
	for text, want := range cases {
		outcome := c.classifyText(context.Background(), dataset, testGroup(1), text)
		if outcome != want {
			t.Fatalf("text %q: expected %v, got %v", text, want, outcome)
		}
	}
}

func TestClassify500FetchesErrorPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Your query produced no matching results. (nRows = 0)"))
	}))
	defer srv.Close()

	store := newFakeStore()
	c := testClassifier(store, time.Now())
	dataset := storage.Dataset{Name: "A01_met"}

	httpErr := &erddap.HTTPError{StatusCode: http.StatusInternalServerError, URL: srv.URL}
	outcome := c.Classify(context.Background(), dataset, testGroup(1), httpErr)
	if outcome != OutcomeHandled {
		t.Fatalf("nRows = 0 should be handled, got %v", outcome)
	}
}

func TestClassify500UnrecognizedConstraint(t *testing.T) {
	store := newFakeStore()
	c := testClassifier(store, time.Now())
	dataset := storage.Dataset{Name: "A01_met"}

	outcome, ok := c.classify500(context.Background(), dataset, testGroup(1), `Query error: Unrecognized constraint variable="water_temp"`)
	if !ok || outcome != OutcomeHandled {
		t.Fatalf("expected handled constraint error, got %v (ok=%v)", outcome, ok)
	}
}

func TestCorrectEndTimesRetiresStaleSeries(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	c := testClassifier(store, now)
	dataset := storage.Dataset{Name: "A01_met"}

	body := `Your query produced no matching results. (time>=2024-05-01T12:00:00Z is outside of the variable's actual_range: 2020-01-01T00:00:00Z to 2024-01-15T06:00:00Z)`
	outcome, ok := c.classify500(context.Background(), dataset, testGroup(1, 2), body)
	if !ok || outcome != OutcomeHandled {
		t.Fatalf("expected handled out-of-range error, got %v (ok=%v)", outcome, ok)
	}

	want := time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)
	for _, id := range []int64{1, 2} {
		got, ok := store.endTimes[id]
		if !ok {
			t.Fatalf("series %d should have an end time", id)
		}
		if !got.Equal(want) {
			t.Fatalf("series %d: expected end time %v, got %v", id, want, got)
		}
	}
}

func TestCorrectEndTimesSkipsRecentRange(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	c := testClassifier(store, now)
	dataset := storage.Dataset{Name: "A01_met"}

	// Data ends two days ago: inside the week-long grace window.
	body := `Your query produced no matching results. (time>=2024-05-01T12:00:00Z is outside of the variable's actual_range: 2020-01-01T00:00:00Z to 2024-04-30T12:00:00Z)`
	outcome, ok := c.classify500(context.Background(), dataset, testGroup(1), body)
	if !ok || outcome != OutcomeHandled {
		t.Fatalf("expected handled out-of-range error, got %v (ok=%v)", outcome, ok)
	}

	if len(store.endTimes) != 0 {
		t.Fatalf("recent data should not retire series, got %v", store.endTimes)
	}
}

func TestCorrectEndTimesFallsThroughWithoutTimestamps(t *testing.T) {
	store := newFakeStore()
	c := testClassifier(store, time.Now())
	dataset := storage.Dataset{Name: "A01_met"}

	// A non-time variable out of range: no timestamps to parse, so the
	// generic out-of-range rule claims it.
	body := `Your query produced no matching results. (depth=500 is outside of the variable's actual_range: 0 to 100)`
	outcome, ok := c.classify500(context.Background(), dataset, testGroup(1), body)
	if !ok || outcome != OutcomeHandled {
		t.Fatalf("expected generic out-of-range handling, got %v (ok=%v)", outcome, ok)
	}
	if len(store.endTimes) != 0 {
		t.Fatalf("no end times should be written, got %v", store.endTimes)
	}
}

func TestClassifyUnknownErrorUnhandled(t *testing.T) {
	store := newFakeStore()
	c := testClassifier(store, time.Now())

	outcome := c.Classify(context.Background(), storage.Dataset{Name: "A01_met"}, testGroup(1), errTest("boom"))
	if outcome != OutcomeUnhandled {
		t.Fatalf("unknown errors should be unhandled, got %v", outcome)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
