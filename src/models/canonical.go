package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalRow is the uniform, source-agnostic representation of one
// statement line. Each adapter is responsible for populating as many of
// these fields as possible directly from the source file, including the
// locale-correct numeric parsing. Rows are immutable once persisted.
type CanonicalRow struct {
	ID           int64  `json:"id,omitempty"`
	SourceFileID int64  `json:"source_file_id"`
	LineNo       int    `json:"line_no"` // 1-based line in the source, for debugging rejects

	TrackArtist   string `json:"track_artist"`
	TrackTitle    string `json:"track_title"`
	ISRC          string `json:"isrc,omitempty"`
	CatalogNumber string `json:"catalog_number,omitempty"`

	PlatformName string `json:"platform_name"`
	StoreName    string `json:"store_name,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`

	Quantity     int             `json:"quantity"`
	GrossAmount  decimal.Decimal `json:"gross_amount"`
	HasGross     bool            `json:"has_gross"` // false when the source never reports a gross figure
	NetAmount    decimal.Decimal `json:"net_amount"`
	CurrencyCode string          `json:"currency_code"`
	OccurredOn   time.Time       `json:"occurred_on"`

	// RawPayload keeps the original source fields (JSON object) for audit.
	RawPayload string `json:"raw_payload,omitempty"`
}

// RowError records one rejected source line with enough context to debug it.
// Rejects are reported in aggregate, never silently dropped.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}
