package dedupe

import (
	"regexp"
	"strings"

	"harvester/internal/models"
)

var reWhitespace = regexp.MustCompile(`\s+`)

type KeyPreference int

const (
	NameLocationFirst KeyPreference = iota
	ContactFirst
)

func ParsePreference(raw string) KeyPreference {
	if raw == "contact_first" {
		return ContactFirst
	}
	return NameLocationFirst
}

// Engine admits the first occurrence of each identity key and keeps
// admission order. One engine belongs to one run; it is not safe for
// concurrent use.
type Engine struct {
	seen       map[string]bool
	records    []models.CandidateRecord
	pref       KeyPreference
	suppressed int
}

func New(pref KeyPreference) *Engine {
	return &Engine{
		seen:    make(map[string]bool),
		records: make([]models.CandidateRecord, 0),
		pref:    pref,
	}
}

// Admit returns true when rec is new. Records without a usable key are
// always admitted.
func (e *Engine) Admit(rec models.CandidateRecord) bool {
	key, ok := Key(rec, e.pref)
	if !ok {
		e.records = append(e.records, rec)
		return true
	}
	if e.seen[key] {
		e.suppressed++
		return false
	}
	e.seen[key] = true
	rec.IdentityKey = key
	e.records = append(e.records, rec)
	return true
}

// Seen reports whether a record with the same key was already admitted.
func (e *Engine) Seen(rec models.CandidateRecord) bool {
	key, ok := Key(rec, e.pref)
	return ok && e.seen[key]
}

// Drain returns a copy of the admitted records in admission order. It does
// not reset the engine, so calling it twice yields the same slice contents.
func (e *Engine) Drain() []models.CandidateRecord {
	out := make([]models.CandidateRecord, len(e.records))
	copy(out, e.records)
	return out
}

func (e *Engine) Len() int {
	return len(e.records)
}

func (e *Engine) Suppressed() int {
	return e.suppressed
}

// Key derives the identity key. The bool is false when the record has
// neither a contact address (under ContactFirst) nor both identity fields.
func Key(rec models.CandidateRecord, pref KeyPreference) (string, bool) {
	if pref == ContactFirst {
		if contact := canonical(rec.ContactAddress); contact != "" {
			return "contact:" + contact, true
		}
	}
	name := canonical(rec.Name)
	location := canonical(rec.LocationLabel)
	if name == "" || location == "" {
		return "", false
	}
	return name + "|" + location, true
}

func canonical(s string) string {
	s = reWhitespace.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}
