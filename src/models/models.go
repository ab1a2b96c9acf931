package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source kinds, one per distinct statement shape. Adding a distributor means
// adding one adapter under src/adapters and one constant here.
const (
	SourceBandcamp    = "bandcamp"     // direct-sales CSV export
	SourceBandcampAPI = "bandcamp_api" // direct-sales API pull window (virtual file)
	SourceZebralution = "zebralution"  // distributor statement, semicolon CSV
	SourceLabelworx   = "labelworx"    // distributor statement, comma CSV
)

// Statement types used by the correction precedence rule.
const (
	StatementPreliminary = "preliminary"
	StatementFinal       = "final"
)

// SourceFile is one imported statement or API pull. Immutable once created;
// re-ingesting the same bytes is detected by checksum. SupersededBy links to
// the correcting file when a later statement for the same period replaced it.
type SourceFile struct {
	ID            int64     `json:"id"`
	LabelID       int64     `json:"label_id"`
	SourceKind    string    `json:"source_kind"`
	Period        string    `json:"period"` // YYYY-Q#
	Checksum      string    `json:"checksum"`
	StatementType string    `json:"statement_type"`
	Path          string    `json:"path,omitempty"`
	IngestedAt    time.Time `json:"ingested_at"`
	SupersededBy  int64     `json:"superseded_by,omitempty"` // 0 = active
}

// CanonicalMeta is the lineage record for one canonical partition.
type CanonicalMeta struct {
	SourceFileID   int64     `json:"source_file_id"`
	BatchID        string    `json:"batch_id"` // uuid
	AdapterVersion string    `json:"adapter_version"`
	RowCount       int       `json:"row_count"`
	RejectedCount  int       `json:"rejected_count"`
	DetailColumns  int       `json:"detail_columns"`
	CreatedAt      time.Time `json:"created_at"`
}

// RevenueEvent is one typed ledger entry. (source_file_id, row_hash) is
// unique so re-normalizing the same canonical partition never duplicates
// entries. Never mutated after creation except catalog-link backfill.
type RevenueEvent struct {
	ID           int64  `json:"id"`
	SourceFileID int64  `json:"source_file_id"`
	RowHash      string `json:"row_hash"`

	PlatformID int64 `json:"platform_id"`
	StoreID    int64 `json:"store_id,omitempty"`
	CountryID  int64 `json:"country_id,omitempty"`
	ReleaseID  int64 `json:"release_id,omitempty"` // 0 = unlinked
	TrackID    int64 `json:"track_id,omitempty"`   // 0 = unlinked

	CurrencyCode   string          `json:"currency_code"`
	AmountOriginal decimal.Decimal `json:"amount_original"` // net amount as reported
	AmountBase     decimal.Decimal `json:"amount_base"`
	GrossOriginal  decimal.Decimal `json:"gross_original"`
	GrossBase      decimal.Decimal `json:"gross_base"`
	HasGross       bool            `json:"has_gross"`
	FxRateUsed     decimal.Decimal `json:"fx_rate_used"`

	Quantity   int       `json:"quantity"`
	OccurredOn time.Time `json:"occurred_on"`
	Year       int       `json:"year"`
	Quarter    int       `json:"quarter"`
	Month      int       `json:"month"`

	TrackArtist   string `json:"track_artist"`
	TrackTitle    string `json:"track_title"`
	ISRC          string `json:"isrc,omitempty"`
	CatalogNumber string `json:"catalog_number,omitempty"`
}

// CostEvent mirrors RevenueEvent for negative money (refunds, chargebacks,
// recoupable costs). Amounts are stored positive; the type carries the sign.
type CostEvent struct {
	ID             int64           `json:"id"`
	SourceFileID   int64           `json:"source_file_id"`
	RowHash        string          `json:"row_hash"`
	PlatformID     int64           `json:"platform_id"`
	Description    string          `json:"description"`
	CurrencyCode   string          `json:"currency_code"`
	AmountOriginal decimal.Decimal `json:"amount_original"`
	AmountBase     decimal.Decimal `json:"amount_base"`
	GrossOriginal  decimal.Decimal `json:"gross_original"`
	GrossBase      decimal.Decimal `json:"gross_base"`
	HasGross       bool            `json:"has_gross"`
	FxRateUsed     decimal.Decimal `json:"fx_rate_used"`
	OccurredOn     time.Time       `json:"occurred_on"`
	ReleaseID      int64           `json:"release_id,omitempty"`
	TrackID        int64           `json:"track_id,omitempty"`
}

// Contract scopes. A contract applies to the whole catalog of a label, to
// everything by one artist, or to one release.
const (
	ScopeCatalog = "catalog"
	ScopeArtist  = "artist"
	ScopeRelease = "release"
)

// Royalty bases.
const (
	BasisGross       = "gross"        // pre-deduction amount
	BasisNet         = "net"          // after distributor/publisher deduction
	BasisPlatformNet = "platform_net" // already net of platform cut as reported
)

// Contract is user-authored elsewhere and read-only to this core.
type Contract struct {
	ID            int64     `json:"id"`
	LabelID       int64     `json:"label_id"`
	Scope         string    `json:"scope"`
	ArtistID      int64     `json:"artist_id,omitempty"`
	ReleaseID     int64     `json:"release_id,omitempty"`
	Basis         string    `json:"basis"`
	EffectiveFrom time.Time `json:"effective_from"`
	EffectiveTo   time.Time `json:"effective_to,omitempty"` // zero = open-ended
	Parties       []ContractParty
}

type ContractParty struct {
	ID          int64           `json:"id"`
	ContractID  int64           `json:"contract_id"`
	Payee       string          `json:"payee"`
	RatePercent decimal.Decimal `json:"rate_percent"`
}

// RecoupmentAccount tracks a payee's running signed balance. The balance is
// opening_balance plus the sum of append-only entry deltas; it is never
// updated in place, so payout history stays reconstructable.
type RecoupmentAccount struct {
	ID             int64           `json:"id"`
	LabelID        int64           `json:"label_id"`
	Payee          string          `json:"payee"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type RecoupmentEntry struct {
	ID          int64           `json:"id"`
	AccountID   int64           `json:"account_id"`
	PayoutRunID int64           `json:"payout_run_id"`
	Delta       decimal.Decimal `json:"delta"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Payout run states. draft -> final and draft -> discarded are the only
// transitions; both are terminal. Only finalizing mutates recoupment state.
const (
	RunDraft     = "draft"
	RunFinal     = "final"
	RunDiscarded = "discarded"
)

type PayoutRun struct {
	ID           int64           `json:"id"`
	LabelID      int64           `json:"label_id"`
	Period       string          `json:"period"`
	Status       string          `json:"status"`
	BaseCurrency string          `json:"base_currency"`
	GeneratedAt  time.Time       `json:"generated_at"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
}

type PayoutLine struct {
	ID                int64           `json:"id"`
	PayoutRunID       int64           `json:"payout_run_id"`
	Payee             string          `json:"payee"`
	ContractID        int64           `json:"contract_id"`
	GrossBasisAmount  decimal.Decimal `json:"gross_basis_amount"`
	RateApplied       decimal.Decimal `json:"rate_applied"`
	RecoupmentApplied decimal.Decimal `json:"recoupment_applied"`
	NetPayable        decimal.Decimal `json:"net_payable"`
}

// Catalog entities, maintained by the surrounding record editors and read
// here for linking only.
type Release struct {
	ID            int64  `json:"id"`
	LabelID       int64  `json:"label_id"`
	Title         string `json:"title"`
	CatalogNumber string `json:"catalog_number"`
}

type Track struct {
	ID         int64  `json:"id"`
	ReleaseID  int64  `json:"release_id"`
	ArtistID   int64  `json:"artist_id,omitempty"`
	Title      string `json:"title"`
	ArtistName string `json:"artist_name"`
	ISRC       string `json:"isrc"`
}
