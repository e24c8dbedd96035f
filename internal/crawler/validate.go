package crawler

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize trims the text fields and converts ScrapedAt to UTC. A zero
// ScrapedAt is replaced by now.
func (r Record) Normalize(now time.Time) Record {
	r.Title = strings.TrimSpace(r.Title)
	r.Link = strings.TrimSpace(r.Link)
	if r.ScrapedAt.IsZero() {
		r.ScrapedAt = now
	}
	r.ScrapedAt = r.ScrapedAt.UTC()
	return r
}

// Validate checks that a record can be ingested.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
