package protocol_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"studyline/internal/db"
	"studyline/internal/domain"
	"studyline/internal/migrate"
	"studyline/internal/protocol"
	"studyline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedProject(t *testing.T, r repo.Repo, id string) {
	t.Helper()
	err := r.InsertProject(context.Background(), domain.Project{
		ID:        id,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
}

func TestGetFetchesAndPersists(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Write([]byte(`{"version":"v1","assessments":[{"name":"PHQ8","type":"SIMPLE"}]}`))
	}))
	defer srv.Close()

	r := newRepo(t)
	seedProject(t, r, "proj-1")
	c := &protocol.Client{URL: srv.URL, Repo: r}

	doc, err := c.Get(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != "v1" || len(doc.Assessments) != 1 {
		t.Fatalf("unexpected doc: %+v", doc)
	}

	// Second call within the cache ttl must not hit the source.
	if _, err := c.Get(context.Background(), "proj-1"); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("expected 1 upstream hit, got %d", hits)
	}

	stored, err := r.GetProtocolDoc(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("stored doc missing: %v", err)
	}
	if stored.Doc.Version != "v1" {
		t.Fatalf("stored version: %q", stored.Doc.Version)
	}
}

func TestGetFallsBackToStoredDoc(t *testing.T) {
	r := newRepo(t)
	seedProject(t, r, "proj-1")
	err := r.UpsertProtocolDoc(context.Background(), "proj-1", domain.ProtocolDoc{
		Version:     "v-old",
		Assessments: []domain.Assessment{{Name: "PHQ8", Type: domain.AssessmentSimple}},
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &protocol.Client{URL: srv.URL, Repo: r, Timeout: time.Second}
	doc, err := c.Get(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("expected stored fallback, got %v", err)
	}
	if doc.Version != "v-old" {
		t.Fatalf("expected stored version, got %q", doc.Version)
	}
}

func TestGetUnavailableWithoutFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newRepo(t)
	seedProject(t, r, "proj-1")
	c := &protocol.Client{URL: srv.URL, Repo: r, Timeout: time.Second}
	_, err := c.Get(context.Background(), "proj-1")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, protocol.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestPutAssignsContentVersion(t *testing.T) {
	r := newRepo(t)
	seedProject(t, r, "proj-1")
	c := &protocol.Client{Repo: r}

	doc, err := c.Put(context.Background(), "proj-1", domain.ProtocolDoc{
		Assessments: []domain.Assessment{{Name: "PHQ8", Type: domain.AssessmentSimple}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version == "" {
		t.Fatalf("expected derived version")
	}

	got, err := c.Get(context.Background(), "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != doc.Version {
		t.Fatalf("version mismatch: %q vs %q", got.Version, doc.Version)
	}
}

func TestCacheExpiry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Write([]byte(`{"version":"v1","assessments":[]}`))
	}))
	defer srv.Close()

	clock := time.Now()
	r := newRepo(t)
	seedProject(t, r, "proj-1")
	c := &protocol.Client{URL: srv.URL, Repo: r, CacheTTL: time.Minute, Now: func() time.Time { return clock }}

	if _, err := c.Get(context.Background(), "proj-1"); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)
	if _, err := c.Get(context.Background(), "proj-1"); err != nil {
		t.Fatal(err)
	}
	if hits != 2 {
		t.Fatalf("expected refetch after ttl, got %d hits", hits)
	}
}
