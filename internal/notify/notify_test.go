package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"buoywatch/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestSlackNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), "test report"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if received["text"] != "test report" {
		t.Fatalf("unexpected payload %#v", received)
	}
}

func TestSlackNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), "test report"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestRenderStaleReportGroupsByPlatform(t *testing.T) {
	lastA := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	series := []storage.Series{
		{PlatformName: "B02", Variable: "wind_speed", DataType: storage.DataType{LongName: "Wind Speed"}},
		{PlatformName: "A01", Variable: "air_temperature", DataType: storage.DataType{LongName: "Air Temperature"}, ValueTime: &lastA},
	}

	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	report := RenderStaleReport(series, cutoff)

	// Platforms appear sorted.
	if strings.Index(report, "A01") > strings.Index(report, "B02") {
		t.Fatalf("platforms should be sorted:\n%s", report)
	}
	if !strings.Contains(report, "2024-04-01T12:00:00Z") {
		t.Fatalf("last value time missing:\n%s", report)
	}
	if !strings.Contains(report, "never") {
		t.Fatalf("series without a value should report 'never':\n%s", report)
	}
	if !strings.Contains(report, cutoff.Format(time.RFC3339)) {
		t.Fatalf("cutoff missing from header:\n%s", report)
	}
}
