package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"buoywatch/internal/config"
	"buoywatch/internal/queue"
	"buoywatch/internal/refresh"
	"buoywatch/internal/storage"
)

type fakeDatasetStore struct {
	datasets []storage.Dataset
}

func (f *fakeDatasetStore) GetDataset(ctx context.Context, id int64) (storage.Dataset, error) {
	for _, d := range f.datasets {
		if d.ID == id {
			return d, nil
		}
	}
	return storage.Dataset{}, fmt.Errorf("dataset %d not found", id)
}

func (f *fakeDatasetStore) DatasetByName(ctx context.Context, serverID int64, name string) (storage.Dataset, error) {
	return storage.Dataset{}, fmt.Errorf("dataset %s not found", name)
}

func (f *fakeDatasetStore) DatasetsForServer(ctx context.Context, serverID int64) ([]storage.Dataset, error) {
	return f.datasets, nil
}

func (f *fakeDatasetStore) ListDatasets(ctx context.Context) ([]storage.Dataset, error) {
	return f.datasets, nil
}

func (f *fakeDatasetStore) SetRefreshAttempted(ctx context.Context, datasetID int64, attempted time.Time) error {
	return nil
}

func (f *fakeDatasetStore) StaleDatasetIDs(ctx context.Context, olderThan, slowOlderThan time.Time) ([]int64, error) {
	return nil, nil
}

func testServer(t *testing.T, store *fakeDatasetStore) (*Server, *queue.Queue) {
	t.Helper()

	logger := zerolog.Nop()
	tasks := queue.New(1, logger)
	tasks.Register(refresh.TaskRefreshDataset, func(ctx context.Context, task queue.Task) error { return nil })
	tasks.Register(refresh.TaskRefreshServer, func(ctx context.Context, task queue.Task) error { return nil })
	guard := queue.NewGuard(tasks, logger)

	cfg := config.APIConfig{Host: "127.0.0.1", Port: 0}
	return New(cfg, store, guard, logger), tasks
}

func TestHealthz(t *testing.T) {
	server, _ := testServer(t, &fakeDatasetStore{})

	rec := httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListDatasets(t *testing.T) {
	store := &fakeDatasetStore{datasets: []storage.Dataset{
		{ID: 1, Name: "A01_met"},
		{ID: 2, Name: "B02_met"},
	}}
	server, _ := testServer(t, store)

	rec := httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/datasets", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Meta.Count != 2 {
		t.Fatalf("expected 2 datasets, got %d", payload.Meta.Count)
	}
}

func TestRefreshDatasetSchedules(t *testing.T) {
	store := &fakeDatasetStore{datasets: []storage.Dataset{{ID: 5, Name: "A01_met"}}}
	server, tasks := testServer(t, store)

	rec := httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh/datasets/5", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	reserved, _ := tasks.Reserved()
	if len(reserved) != 1 || reserved[0].Args[0] != 5 {
		t.Fatalf("expected refresh task for dataset 5, got %v", reserved)
	}

	// A second trigger for the same dataset is suppressed by the guard.
	rec = httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh/datasets/5", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	reserved, _ = tasks.Reserved()
	if len(reserved) != 1 {
		t.Fatalf("duplicate trigger should not enqueue again, got %d tasks", len(reserved))
	}
}

func TestRefreshDatasetUnknownID(t *testing.T) {
	server, _ := testServer(t, &fakeDatasetStore{})

	rec := httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh/datasets/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh/datasets/not-a-number", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRefreshServerSchedules(t *testing.T) {
	server, tasks := testServer(t, &fakeDatasetStore{})

	rec := httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh/servers/3", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	reserved, _ := tasks.Reserved()
	if len(reserved) != 1 || reserved[0].Name != refresh.TaskRefreshServer || !reserved[0].Healthcheck {
		t.Fatalf("expected healthchecked server refresh task, got %v", reserved)
	}
}
