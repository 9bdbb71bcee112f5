package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"harvester/internal/models"
)

type Elastic struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

type elasticDoc struct {
	models.CandidateRecord
	Source string `json:"source"`
	RunID  string `json:"run_id,omitempty"`
}

func NewElastic(addr, index string, logger *slog.Logger) (*Elastic, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Elastic{es: es, index: index, log: logger}, nil
}

// DocumentID is stable per identity key, so re-harvests overwrite the
// same document. Unkeyed records get an ID assigned by the server.
func DocumentID(rec models.CandidateRecord) string {
	if rec.IdentityKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(rec.IdentityKey))
	return hex.EncodeToString(sum[:])
}

func (e *Elastic) Save(ctx context.Context, source string, records []models.CandidateRecord) error {
	runID := RunIDFrom(ctx)
	for _, rec := range records {
		payload, err := json.Marshal(elasticDoc{CandidateRecord: rec, Source: source, RunID: runID})
		if err != nil {
			return fmt.Errorf("marshal doc: %w", err)
		}

		req := esapi.IndexRequest{
			Index:      e.index,
			DocumentID: DocumentID(rec),
			Body:       bytes.NewReader(payload),
			Refresh:    "false",
		}
		res, err := req.Do(ctx, e.es)
		if err != nil {
			return fmt.Errorf("sink: elastic: index doc: %w", err)
		}
		if res.IsError() {
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return fmt.Errorf("sink: elastic: index doc failed: %s", strings.TrimSpace(string(body)))
		}
		res.Body.Close()
	}
	e.log.Debug("indexed candidates", "index", e.index, "source", source, "count", len(records))
	return nil
}

func (e *Elastic) Close() error { return nil }
