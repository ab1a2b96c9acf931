package services

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/username/royaltyledger/src/models"
)

// Sentinel errors. File-level and integrity errors abort the whole operation
// atomically; row-level problems are carried in the summaries instead.
var (
	// ErrParsingFailed wraps adapter failures that make the whole file unreadable.
	ErrParsingFailed = errors.New("statement parsing failed")

	// ErrRejectThreshold aborts canonicalization when the adapter rejects more
	// rows than the configured percentage allows.
	ErrRejectThreshold = errors.New("rejected row threshold exceeded")

	// ErrNotMoreComplete rejects a differing statement for an already-imported
	// period that does not win the deterministic precedence rule.
	ErrNotMoreComplete = errors.New("statement does not supersede the existing one")

	// ErrNoActiveStatement means no non-superseded canonical partition exists
	// for the requested label/source/period.
	ErrNoActiveStatement = errors.New("no active canonical statement for this partition")

	// ErrOverlappingContracts surfaces two contracts claiming the same catalog
	// scope for the period; payouts refuse to silently pick one.
	ErrOverlappingContracts = errors.New("overlapping contracts for the same scope")

	// ErrAlreadyFinalized guards the one-final-run-per-period invariant.
	ErrAlreadyFinalized = errors.New("a final payout run already exists for this period")

	// ErrRunNotDraft rejects state transitions on runs that left draft.
	ErrRunNotDraft = errors.New("payout run is not in draft status")

	// ErrMissingBasis fails a payout when a contract's basis requires a figure
	// the source data never reported.
	ErrMissingBasis = errors.New("payout basis not reported by source data")
)

// PartitionSummary is the structured result of one canonicalize operation.
type PartitionSummary struct {
	SourceFileID  int64             `json:"source_file_id"`
	BatchID       string            `json:"batch_id"`
	Checksum      string            `json:"checksum"`
	Reused        bool              `json:"reused"` // true when the identical statement was already canonical
	Superseded    []int64           `json:"superseded,omitempty"`
	RowCount      int               `json:"row_count"`
	RejectedCount int               `json:"rejected_count"`
	RowErrors     []models.RowError `json:"row_errors,omitempty"`
}

func (s *PartitionSummary) HasRowErrors() bool { return s.RejectedCount > 0 }

// IngestSummary is the structured result of one normalize operation.
type IngestSummary struct {
	SourceFileID int64             `json:"source_file_id"`
	Created      int               `json:"created"`
	CostEvents   int               `json:"cost_events"`
	Duplicates   int               `json:"duplicates"`
	Errored      int               `json:"errored"`
	Unlinked     int               `json:"unlinked"`
	RowErrors    []models.RowError `json:"row_errors,omitempty"`
}

func (s *IngestSummary) HasRowErrors() bool { return s.Errored > 0 }

// RelinkSummary reports a catalog-link backfill pass.
type RelinkSummary struct {
	Examined int `json:"examined"`
	Relinked int `json:"relinked"`
}

// PayoutSummary is the structured result of one payout computation.
type PayoutSummary struct {
	RunID       int64               `json:"run_id"`
	Period      string              `json:"period"`
	Status      string              `json:"status"`
	TotalAmount decimal.Decimal     `json:"total_amount"`
	Lines       []models.PayoutLine `json:"lines"`
}
