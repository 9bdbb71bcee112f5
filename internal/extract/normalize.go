package extract

import (
	"regexp"
	"strings"

	"harvester/internal/models"
)

var reEmail = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Normalize turns a raw record into a candidate. Addresses that fail
// validation are kept and flagged for review.
func Normalize(raw models.RawRecord, sourceLabel string) models.CandidateRecord {
	rec := models.CandidateRecord{
		Name:          normalizeText(raw.Name),
		LocationLabel: normalizeText(raw.LocationLabel),
		SourceLabel:   normalizeText(sourceLabel),
	}
	if addr := CleanAddress(raw.ContactAddress); addr != "" {
		rec.ContactAddress = addr
		rec.ContactSourceURL = strings.TrimSpace(raw.ContactSource)
		rec.NeedsReview = !ValidAddress(addr)
	}
	return rec
}

// CleanAddress strips a mailto: scheme and any query string.
func CleanAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= 7 && strings.EqualFold(addr[:7], "mailto:") {
		addr = addr[7:]
	}
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	return strings.TrimSpace(addr)
}

func ValidAddress(addr string) bool {
	return reEmail.MatchString(addr)
}
