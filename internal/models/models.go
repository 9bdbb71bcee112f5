package models

import "time"

// RawRecord is one listing item as an extractor sees it. Empty strings are absent fields.
type RawRecord struct {
	Name           string
	LocationLabel  string
	ContactAddress string
	ProfileLink    string
	// ContactSource is the URL ContactAddress was read from.
	ContactSource  string
}

type ProfileDetails struct {
	ContactAddress string
}

type CandidateRecord struct {
	IdentityKey      string `json:"-" bson:"identity_key,omitempty"`
	Name             string `json:"name" bson:"name"`
	LocationLabel    string `json:"riding" bson:"riding"`
	ContactAddress   string `json:"email,omitempty" bson:"email,omitempty"`
	ContactSourceURL string `json:"email_source,omitempty" bson:"email_source,omitempty"`
	SourceLabel      string `json:"party" bson:"party"`
	NeedsReview      bool   `json:"needs_review,omitempty" bson:"needs_review"`
}

// IdentityComplete reports whether the record can take part in name+location dedup.
func (c CandidateRecord) IdentityComplete() bool {
	return c.Name != "" && c.LocationLabel != ""
}

type RunSummary struct {
	RunID          string        `bson:"_id"`
	Source         string        `bson:"source"`
	State          string        `bson:"state"`
	Pages          int           `bson:"pages"`
	Views          int           `bson:"views"`
	Admitted       int           `bson:"admitted"`
	Suppressed     int           `bson:"suppressed"`
	Enriched       int           `bson:"enriched"`
	EnrichFailures int           `bson:"enrich_failures"`
	Retries        int           `bson:"retries"`
	NeedsReview    int           `bson:"needs_review"`
	StartedAt      int64         `bson:"started_at"`
	Elapsed        time.Duration `bson:"elapsed"`
	Warnings       []string      `bson:"warnings,omitempty"`
	ErrorMessage   string        `bson:"error_message,omitempty"`
}
