package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"harvester/internal/config"
	"harvester/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB stores candidates keyed by identity key and keeps one document
// per harvest run.
type MongoDB struct {
	client     *mongo.Client
	database   *mongo.Database
	candidates *mongo.Collection
	runs       *mongo.Collection
	logger     *slog.Logger
}

type SourceStats struct {
	Total       int `bson:"total"`
	WithEmail   int `bson:"with_email"`
	NeedsReview int `bson:"needs_review"`
	MaxScraped  int `bson:"max_scraped_count"`
}

func NewMongoDB(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*MongoDB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	database := client.Database(cfg.Database)
	d := &MongoDB{
		client:     client,
		database:   database,
		candidates: database.Collection(cfg.Collections.Candidates),
		runs:       database.Collection(cfg.Collections.Runs),
		logger:     logger,
	}
	d.createIndexes(ctx)
	return d, nil
}

func (d *MongoDB) createIndexes(ctx context.Context) {
	// sparse: records without an identity key are stored but never merged
	_, err := d.candidates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "identity_key", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	})
	if err != nil {
		d.logger.Warn("create index failed", "collection", d.candidates.Name(), "key", "identity_key", "error", err)
	}

	_, err = d.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "source", Value: 1}, {Key: "started_at", Value: -1}},
	})
	if err != nil {
		d.logger.Warn("create index failed", "collection", d.runs.Name(), "key", "source", "error", err)
	}
}

// Save upserts every record. A failing record does not stop the rest.
func (d *MongoDB) Save(ctx context.Context, source string, records []models.CandidateRecord) error {
	var errList []error
	for _, rec := range records {
		if err := d.SaveCandidate(ctx, source, rec); err != nil {
			errList = append(errList, fmt.Errorf("db: save %q: %w", rec.Name, err))
		}
	}
	return errors.Join(errList...)
}

func (d *MongoDB) SaveCandidate(ctx context.Context, source string, rec models.CandidateRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc bson.M
	data, err := bson.Marshal(rec)
	if err != nil {
		return err
	}
	if err := bson.Unmarshal(data, &doc); err != nil {
		return err
	}
	now := time.Now().Unix()
	doc["source"] = source
	doc["last_scraped"] = now

	if rec.IdentityKey == "" {
		doc["first_scraped"] = now
		doc["scraped_count"] = 1
		_, err := d.candidates.InsertOne(ctx, doc)
		return err
	}

	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"first_scraped": now},
		"$inc":         bson.M{"scraped_count": 1},
	}
	_, err = d.candidates.UpdateOne(ctx, bson.M{"identity_key": rec.IdentityKey}, update, options.Update().SetUpsert(true))
	return err
}

func (d *MongoDB) GetCandidate(ctx context.Context, identityKey string) (*models.CandidateRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec models.CandidateRecord
	err := d.candidates.FindOne(ctx, bson.M{"identity_key": identityKey}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *MongoDB) RecordRun(ctx context.Context, summary models.RunSummary) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := d.runs.InsertOne(ctx, summary)
	if err != nil {
		return fmt.Errorf("db: record run %s: %w", summary.RunID, err)
	}
	return nil
}

// LastRun returns the most recent run of source, or nil when there is none.
func (d *MongoDB) LastRun(ctx context.Context, source string) (*models.RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})
	var summary models.RunSummary
	err := d.runs.FindOne(ctx, bson.M{"source": source}, opts).Decode(&summary)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (d *MongoDB) SourceStats(ctx context.Context, source string) (SourceStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "source", Value: source}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "with_email", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$gt", Value: bson.A{"$email", nil}}}, 1, 0}}}}}},
			{Key: "needs_review", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{"$needs_review", 1, 0}}}}}},
			{Key: "max_scraped_count", Value: bson.D{{Key: "$max", Value: "$scraped_count"}}},
		}}},
	}

	var stats SourceStats
	cursor, err := d.candidates.Aggregate(ctx, pipeline)
	if err != nil {
		return stats, fmt.Errorf("db: stats %s: %w", source, err)
	}
	defer cursor.Close(ctx)

	if cursor.Next(ctx) {
		if err := cursor.Decode(&stats); err != nil {
			return stats, err
		}
	}
	return stats, cursor.Err()
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
