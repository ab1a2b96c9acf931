package adapters

import (
	"fmt"
	"io"
	"time"

	"github.com/username/royaltyledger/src/adapters/bandcamp"
	"github.com/username/royaltyledger/src/adapters/bandcampapi"
	"github.com/username/royaltyledger/src/adapters/labelworx"
	"github.com/username/royaltyledger/src/adapters/zebralution"
	"github.com/username/royaltyledger/src/models"
)

// Adapter converts one raw statement shape into canonical rows. Each
// implementation owns its delimiter, decimal convention, encoding and column
// naming; rejected lines come back as RowErrors, never silently dropped.
// Adapters have no side effects; persistence is the canonicalizer's job.
type Adapter interface {
	Parse(r io.Reader) ([]models.CanonicalRow, []models.RowError, error)

	// Version identifies the adapter revision recorded in lineage metadata.
	Version() string

	// DetailColumns is the number of detail-level columns this adapter
	// extracts. The correction precedence rule compares it across statements
	// for the same period.
	DetailColumns() int
}

// ForSourceKind returns the adapter for a source kind. periodStart seeds the
// event date for sources that report no per-row date (statement-granular
// layouts like Labelworx).
func ForSourceKind(kind string, periodStart time.Time) (Adapter, error) {
	switch kind {
	case models.SourceBandcamp:
		return bandcamp.NewParser(), nil
	case models.SourceBandcampAPI:
		return bandcampapi.NewParser(), nil
	case models.SourceZebralution:
		return zebralution.NewParser(), nil
	case models.SourceLabelworx:
		return labelworx.NewParser(periodStart), nil
	default:
		return nil, fmt.Errorf("no adapter available for source kind: %s", kind)
	}
}
