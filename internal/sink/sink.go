// Package sink persists harvested candidates. Every backend implements
// Sink; backends that also keep run history implement RunRecorder.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"harvester/internal/config"
	"harvester/internal/db"
	"harvester/internal/models"
)

type Sink interface {
	Save(ctx context.Context, source string, records []models.CandidateRecord) error
	Close() error
}

type RunRecorder interface {
	RecordRun(ctx context.Context, summary models.RunSummary) error
}

type runIDKey struct{}

// WithRunID attaches the run identifier that sinks stamp on what they write.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Multi fans out to every sink. One failing sink does not stop the others.
type Multi []Sink

func (m Multi) Save(ctx context.Context, source string, records []models.CandidateRecord) error {
	var errList []error
	for _, s := range m {
		if err := s.Save(ctx, source, records); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (m Multi) RecordRun(ctx context.Context, summary models.RunSummary) error {
	var errList []error
	for _, s := range m {
		if r, ok := s.(RunRecorder); ok {
			if err := r.RecordRun(ctx, summary); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}

func (m Multi) Close() error {
	var errList []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// FromConfig opens every configured backend. Backends opened before a
// failure are closed again.
func FromConfig(ctx context.Context, cfg config.SinkConfig, logger *slog.Logger) (Multi, error) {
	var out Multi
	fail := func(err error) (Multi, error) {
		return nil, errors.Join(err, out.Close())
	}

	if cfg.JSONDir != "" {
		out = append(out, &JSONFile{Dir: cfg.JSONDir})
	}
	if cfg.SQLite != nil {
		s, err := OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return fail(err)
		}
		out = append(out, s)
	}
	if cfg.Mongo != nil {
		m, err := db.NewMongoDB(ctx, *cfg.Mongo, logger)
		if err != nil {
			return fail(err)
		}
		out = append(out, m)
	}
	if cfg.Kafka != nil {
		out = append(out, NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.Elastic != nil {
		e, err := NewElastic(cfg.Elastic.Addr, cfg.Elastic.Index, logger)
		if err != nil {
			return fail(fmt.Errorf("sink: elastic: %w", err))
		}
		out = append(out, e)
	}
	return out, nil
}
