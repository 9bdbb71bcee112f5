package sink_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"harvester/internal/config"
	"harvester/internal/logger"
	"harvester/internal/models"
	"harvester/internal/sink"

	"github.com/stretchr/testify/require"
)

func candidates() []models.CandidateRecord {
	return []models.CandidateRecord{
		{IdentityKey: "alice|riding a", Name: "Alice", LocationLabel: "Riding A", ContactAddress: "alice@example.ca", ContactSourceURL: "https://example.ca/alice", SourceLabel: "Test Party"},
		{IdentityKey: "bob|riding b", Name: "Bob", LocationLabel: "Riding B", SourceLabel: "Test Party"},
	}
}

func TestJSONFileWritesIndentedArray(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	j := &sink.JSONFile{Dir: dir}

	require.NoError(t, j.Save(context.Background(), "lpc", candidates()))

	data, err := os.ReadFile(filepath.Join(dir, "candidates-lpc.json"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "[\n  {\n    \"name\": \"Alice\""))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	require.Equal(t, "alice@example.ca", got[0]["email"])
	require.Equal(t, "Riding B", got[1]["riding"])
	require.NotContains(t, got[1], "email")
	require.NotContains(t, got[0], "IdentityKey")
}

func TestJSONFileEmptyRun(t *testing.T) {
	j := &sink.JSONFile{Dir: t.TempDir()}
	require.NoError(t, j.Save(context.Background(), "none", nil))

	data, err := os.ReadFile(j.Path("none"))
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))
}

func TestSQLiteUpsert(t *testing.T) {
	ctx := context.Background()
	s, err := sink.OpenSQLite(ctx, filepath.Join(t.TempDir(), "harvest.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "test", candidates()))
	updated := candidates()[1:]
	updated[0].ContactAddress = "bob@example.ca"
	require.NoError(t, s.Save(ctx, "test", updated))
	// unkeyed records are never merged
	require.NoError(t, s.Save(ctx, "test", []models.CandidateRecord{{Name: "Eve"}, {Name: "Eve"}}))

	var total int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM candidates`).Scan(&total))
	require.Equal(t, 4, total)

	var email string
	var count int
	row := s.DB().QueryRow(`SELECT email, scraped_count FROM candidates WHERE identity_key = ?`, "bob|riding b")
	require.NoError(t, row.Scan(&email, &count))
	require.Equal(t, "bob@example.ca", email)
	require.Equal(t, 2, count)
}

func TestSQLiteRecordRun(t *testing.T) {
	ctx := context.Background()
	s, err := sink.OpenSQLite(ctx, filepath.Join(t.TempDir(), "harvest.db"))
	require.NoError(t, err)
	defer s.Close()

	sum := models.RunSummary{RunID: "r1", Source: "test", State: "closed", Admitted: 3}
	require.NoError(t, s.RecordRun(ctx, sum))
	require.NoError(t, s.RecordRun(ctx, sum))

	var state string
	var admitted int
	require.NoError(t, s.DB().QueryRow(`SELECT state, admitted FROM harvest_runs WHERE run_id = 'r1'`).Scan(&state, &admitted))
	require.Equal(t, "closed", state)
	require.Equal(t, 3, admitted)
}

func TestElasticIndexesByHashedKey(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		docs  []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`{"version":{"number":"8.19.0"},"tagline":"You Know, for Search"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		var doc map[string]any
		_ = json.Unmarshal(body, &doc)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		docs = append(docs, doc)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	e, err := sink.NewElastic(srv.URL, "candidates", logger.Discard())
	require.NoError(t, err)

	recs := append(candidates(), models.CandidateRecord{Name: "Eve"})
	ctx := sink.WithRunID(context.Background(), "run-1")
	require.NoError(t, e.Save(ctx, "lpc", recs))

	require.Len(t, paths, 3)
	require.Equal(t, "PUT /candidates/_doc/"+sink.DocumentID(recs[0]), paths[0])
	require.Equal(t, "POST /candidates/_doc", paths[2])
	require.Equal(t, "lpc", docs[0]["source"])
	require.Equal(t, "run-1", docs[0]["run_id"])
	require.Equal(t, "Alice", docs[0]["name"])
}

func TestElasticReportsIndexFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	e, err := sink.NewElastic(srv.URL, "candidates", logger.Discard())
	require.NoError(t, err)
	err = e.Save(context.Background(), "lpc", candidates())
	require.ErrorContains(t, err, "mapper_parsing_exception")
}

func TestDocumentIDStable(t *testing.T) {
	a := models.CandidateRecord{IdentityKey: "alice|riding a"}
	require.Equal(t, sink.DocumentID(a), sink.DocumentID(a))
	require.Len(t, sink.DocumentID(a), 64)
	require.Empty(t, sink.DocumentID(models.CandidateRecord{}))
}

type fakeSink struct {
	saved  int
	runs   int
	closed int
	err    error
}

func (f *fakeSink) Save(context.Context, string, []models.CandidateRecord) error {
	f.saved++
	return f.err
}

func (f *fakeSink) RecordRun(context.Context, models.RunSummary) error {
	f.runs++
	return nil
}

func (f *fakeSink) Close() error {
	f.closed++
	return f.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	a, b, c := &fakeSink{err: errA}, &fakeSink{err: errB}, &fakeSink{}
	m := sink.Multi{a, b, c, &sink.JSONFile{Dir: t.TempDir()}}

	err := m.Save(context.Background(), "x", candidates())
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.Equal(t, 1, c.saved)

	require.NoError(t, m.RecordRun(context.Background(), models.RunSummary{RunID: "r"}))
	require.Equal(t, 1, a.runs)
	require.Equal(t, 1, c.runs)

	require.Error(t, m.Close())
	require.Equal(t, 1, c.closed)
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.SinkConfig{
		JSONDir: dir,
		SQLite:  &config.SQLiteConfig{Path: filepath.Join(dir, "h.db")},
		Kafka:   &config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "candidates"},
	}
	m, err := sink.FromConfig(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	require.Len(t, m, 3)
	require.NoError(t, m.Close())

	empty, err := sink.FromConfig(context.Background(), config.SinkConfig{}, logger.Discard())
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestRunIDFromContext(t *testing.T) {
	require.Empty(t, sink.RunIDFrom(context.Background()))
	require.Equal(t, "abc", sink.RunIDFrom(sink.WithRunID(context.Background(), "abc")))
}
