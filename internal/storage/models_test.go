package storage

import (
	"testing"
	"time"
)

func TestKindForward(t *testing.T) {
	forward := map[Kind]bool{
		KindObservation: false,
		KindPrediction:  true,
		KindForecast:    true,
		KindClimatology: false,
	}
	for kind, want := range forward {
		if kind.Forward() != want {
			t.Fatalf("%s.Forward() should be %v", kind, want)
		}
	}
}

func TestKindRowIndex(t *testing.T) {
	// Observations read the last row.
	if idx, ok := KindObservation.RowIndex(5); !ok || idx != 4 {
		t.Fatalf("observation with 5 rows: expected index 4, got %d (ok=%v)", idx, ok)
	}
	if _, ok := KindObservation.RowIndex(0); ok {
		t.Fatal("observation with no rows should not select")
	}

	// Forward-looking kinds read the second row and need at least two.
	if idx, ok := KindForecast.RowIndex(5); !ok || idx != 1 {
		t.Fatalf("forecast with 5 rows: expected index 1, got %d (ok=%v)", idx, ok)
	}
	if _, ok := KindForecast.RowIndex(1); ok {
		t.Fatal("forecast with a single row should not select")
	}
	if idx, ok := KindPrediction.RowIndex(2); !ok || idx != 1 {
		t.Fatalf("prediction with 2 rows: expected index 1, got %d (ok=%v)", idx, ok)
	}
}

func TestServerTimings(t *testing.T) {
	server := Server{RequestRefreshSeconds: 0.5, RequestTimeoutSeconds: 15}
	if server.RequestRefreshTime() != 500*time.Millisecond {
		t.Fatalf("unexpected refresh delay %v", server.RequestRefreshTime())
	}
	if server.RequestTimeout() != 15*time.Second {
		t.Fatalf("unexpected timeout %v", server.RequestTimeout())
	}

	// Missing timeout falls back to a minute.
	if (Server{}).RequestTimeout() != time.Minute {
		t.Fatalf("expected 60s default, got %v", (Server{}).RequestTimeout())
	}
}

func TestServerPushCapable(t *testing.T) {
	if (Server{}).PushCapable() {
		t.Fatal("server without broker should not be push capable")
	}
	if !(Server{BrokerURL: "nats://broker:4222"}).PushCapable() {
		t.Fatal("server with broker url should be push capable")
	}
}

func TestDatasetSlug(t *testing.T) {
	d := Dataset{Name: "A01_met", Server: Server{Name: "neracoos"}}
	if d.Slug() != "neracoos-A01_met" {
		t.Fatalf("unexpected slug %q", d.Slug())
	}
}
