package services

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/royaltyledger/src/catalog"
	"github.com/username/royaltyledger/src/logger"
	"github.com/username/royaltyledger/src/models"
	"github.com/username/royaltyledger/src/registry"
)

// NormalizeService turns one canonical partition into typed ledger entries.
// Rows failing FX or dimension resolution are held and reported; successful
// rows commit independently. The (source_file_id, row_hash) uniqueness
// constraint makes re-runs and concurrent runs of the same partition no-ops.
type NormalizeService struct {
	db       *sql.DB
	registry *registry.Registry
	catalog  *catalog.Catalog
}

func NewNormalizeService(db *sql.DB, reg *registry.Registry, cat *catalog.Catalog) *NormalizeService {
	return &NormalizeService{db: db, registry: reg, catalog: cat}
}

// Normalize processes the active (non-superseded) statement for the
// label/source/period partition.
func (s *NormalizeService) Normalize(labelID int64, sourceKind, period string) (*IngestSummary, error) {
	var sourceFileID int64
	err := s.db.QueryRow(`
		SELECT sf.id FROM source_files sf
		JOIN canonical_meta cm ON cm.source_file_id = sf.id
		WHERE sf.label_id = ? AND sf.source_kind = ? AND sf.period = ? AND sf.superseded_by = 0`,
		labelID, sourceKind, period).Scan(&sourceFileID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: label %d, source %s, period %s", ErrNoActiveStatement, labelID, sourceKind, period)
	}
	if err != nil {
		return nil, fmt.Errorf("locating active statement: %w", err)
	}
	return s.NormalizeFile(sourceFileID)
}

// NormalizeFile processes one source file's canonical partition.
func (s *NormalizeService) NormalizeFile(sourceFileID int64) (*IngestSummary, error) {
	var supersededBy int64
	if err := s.db.QueryRow(`SELECT superseded_by FROM source_files WHERE id = ?`, sourceFileID).Scan(&supersededBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("source file %d does not exist", sourceFileID)
		}
		return nil, fmt.Errorf("looking up source file %d: %w", sourceFileID, err)
	}
	if supersededBy != 0 {
		return nil, fmt.Errorf("%w: source file %d was superseded by %d", ErrNoActiveStatement, sourceFileID, supersededBy)
	}

	rows, err := s.loadCanonicalRows(sourceFileID)
	if err != nil {
		return nil, err
	}

	summary := &IngestSummary{SourceFileID: sourceFileID}
	startTime := time.Now()
	logger.L.Info("Normalize START", "sourceFileID", sourceFileID, "rows", len(rows))

	for _, row := range rows {
		if err := s.normalizeRow(sourceFileID, row, summary); err != nil {
			summary.Errored++
			summary.RowErrors = append(summary.RowErrors, models.RowError{Line: row.LineNo, Reason: err.Error()})
		}
	}

	logger.L.Info("Normalize END", "sourceFileID", sourceFileID,
		"created", summary.Created, "costEvents", summary.CostEvents,
		"duplicates", summary.Duplicates, "errored", summary.Errored,
		"unlinked", summary.Unlinked, "duration", time.Since(startTime))
	return summary, nil
}

// normalizeRow resolves one canonical row into a ledger entry. Any error
// holds this row only; the caller aggregates it into the summary.
func (s *NormalizeService) normalizeRow(sourceFileID int64, row models.CanonicalRow, summary *IngestSummary) error {
	rowHash := computeRowHash(row)

	rate, err := s.registry.Rate(row.CurrencyCode, row.OccurredOn)
	if err != nil {
		if errors.Is(err, registry.ErrRateNotFound) {
			return err // held until a rate arrives; never defaulted to 1
		}
		return err
	}

	platformID, err := s.registry.EnsurePlatform(row.PlatformName)
	if err != nil {
		return err
	}
	storeID, err := s.registry.EnsureStore(platformID, row.StoreName)
	if err != nil {
		return err
	}
	countryID, err := s.registry.EnsureCountry(row.CountryCode)
	if err != nil {
		return err
	}

	amountBase := row.NetAmount.Mul(rate)
	grossBase := row.GrossAmount.Mul(rate)

	// Negative net amounts are refunds/chargebacks; they live in the cost
	// ledger with a positive magnitude.
	if row.NetAmount.Sign() < 0 {
		return s.insertCostEvent(sourceFileID, row, rowHash, platformID, rate, amountBase, grossBase, summary)
	}

	releaseID, trackID, err := s.linkCatalog(row)
	if err != nil {
		return err
	}
	if releaseID == 0 && trackID == 0 {
		summary.Unlinked++
	}

	_, err = s.db.Exec(`
		INSERT INTO revenue_events (source_file_id, row_hash, platform_id, store_id, country_id,
			release_id, track_id, currency_code, amount_original, amount_base,
			gross_original, gross_base, has_gross, fx_rate_used, quantity, occurred_on,
			year, quarter, month, track_artist, track_title, isrc, catalog_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sourceFileID, rowHash, platformID, nullableID(storeID), nullableID(countryID),
		nullableID(releaseID), nullableID(trackID), row.CurrencyCode,
		row.NetAmount.String(), amountBase.String(),
		row.GrossAmount.String(), grossBase.String(), boolToInt(row.HasGross), rate.String(),
		row.Quantity, row.OccurredOn.Format("2006-01-02"),
		row.OccurredOn.Year(), (int(row.OccurredOn.Month())-1)/3+1, int(row.OccurredOn.Month()),
		row.TrackArtist, row.TrackTitle, row.ISRC, row.CatalogNumber)
	if err != nil {
		if isUniqueViolation(err) {
			summary.Duplicates++
			if releaseID == 0 && trackID == 0 {
				summary.Unlinked-- // the duplicate was counted above but created nothing
			}
			return nil
		}
		return fmt.Errorf("inserting revenue event (line %d): %w", row.LineNo, err)
	}
	summary.Created++
	return nil
}

func (s *NormalizeService) insertCostEvent(sourceFileID int64, row models.CanonicalRow, rowHash string, platformID int64, rate, amountBase, grossBase decimal.Decimal, summary *IngestSummary) error {
	releaseID, trackID, err := s.linkCatalog(row)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO cost_events (source_file_id, row_hash, platform_id, description, currency_code,
			amount_original, amount_base, gross_original, gross_base, has_gross,
			fx_rate_used, occurred_on, release_id, track_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sourceFileID, rowHash, platformID,
		fmt.Sprintf("refund/chargeback: %s - %s", row.TrackArtist, row.TrackTitle),
		row.CurrencyCode, row.NetAmount.Abs().String(), amountBase.Abs().String(),
		row.GrossAmount.Abs().String(), grossBase.Abs().String(), boolToInt(row.HasGross),
		rate.String(), row.OccurredOn.Format("2006-01-02"), nullableID(releaseID), nullableID(trackID))
	if err != nil {
		if isUniqueViolation(err) {
			summary.Duplicates++
			return nil
		}
		return fmt.Errorf("inserting cost event (line %d): %w", row.LineNo, err)
	}
	summary.CostEvents++
	return nil
}

// linkCatalog matches a row to the catalog: exact ISRC first, then catalog
// number plus fuzzy title/artist, then release-only. No match is a valid
// degraded state, never a failure.
func (s *NormalizeService) linkCatalog(row models.CanonicalRow) (releaseID, trackID int64, err error) {
	if track, err := s.catalog.TrackByISRC(row.ISRC); err != nil {
		return 0, 0, err
	} else if track != nil {
		return track.ReleaseID, track.ID, nil
	}

	if track, err := s.catalog.TrackByCatalogFuzzy(row.CatalogNumber, row.TrackTitle, row.TrackArtist); err != nil {
		return 0, 0, err
	} else if track != nil {
		return track.ReleaseID, track.ID, nil
	}

	if release, err := s.catalog.ReleaseByCatalogNumber(row.CatalogNumber); err != nil {
		return 0, 0, err
	} else if release != nil {
		return release.ID, 0, nil
	}

	return 0, 0, nil
}

// Relink backfills catalog links for events that were persisted unlinked and
// whose ISRC has since been registered. This is the only mutation ledger
// entries ever receive.
func (s *NormalizeService) Relink(labelID int64) (*RelinkSummary, error) {
	rows, err := s.db.Query(`
		SELECT re.id, re.isrc, re.catalog_number, re.track_title, re.track_artist
		FROM revenue_events re
		JOIN source_files sf ON sf.id = re.source_file_id
		WHERE sf.label_id = ? AND re.track_id IS NULL`, labelID)
	if err != nil {
		return nil, fmt.Errorf("loading unlinked events: %w", err)
	}
	defer rows.Close()

	type unlinked struct {
		id                           int64
		isrc, catalogNo, title, artist string
	}
	var pending []unlinked
	for rows.Next() {
		var u unlinked
		var isrc, catalogNo, title, artist sql.NullString
		if err := rows.Scan(&u.id, &isrc, &catalogNo, &title, &artist); err != nil {
			return nil, err
		}
		u.isrc, u.catalogNo, u.title, u.artist = isrc.String, catalogNo.String, title.String, artist.String
		pending = append(pending, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary := &RelinkSummary{Examined: len(pending)}
	for _, u := range pending {
		releaseID, trackID, err := s.linkCatalog(models.CanonicalRow{
			ISRC: u.isrc, CatalogNumber: u.catalogNo, TrackTitle: u.title, TrackArtist: u.artist,
		})
		if err != nil {
			return summary, err
		}
		if trackID == 0 {
			continue
		}
		if _, err := s.db.Exec(`UPDATE revenue_events SET track_id = ?, release_id = ? WHERE id = ?`,
			trackID, nullableID(releaseID), u.id); err != nil {
			return summary, fmt.Errorf("backfilling link for event %d: %w", u.id, err)
		}
		summary.Relinked++
	}

	logger.L.Info("Relink pass complete", "labelID", labelID, "examined", summary.Examined, "relinked", summary.Relinked)
	return summary, nil
}

// computeRowHash fingerprints the economically meaningful subset of a row:
// artist, title, isrc, platform, store, quantity, amount, currency, date.
// Volatile fields (line numbers, raw payload, lineage) are excluded so the
// same sale hashes identically across re-imports.
func computeRowHash(row models.CanonicalRow) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s|%s|%s",
		row.TrackArtist, row.TrackTitle, row.ISRC,
		row.PlatformName, row.StoreName, row.Quantity,
		row.NetAmount.String(), row.CurrencyCode, row.OccurredOn.Format("2006-01-02"))
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

func (s *NormalizeService) loadCanonicalRows(sourceFileID int64) ([]models.CanonicalRow, error) {
	rows, err := s.db.Query(`
		SELECT id, source_file_id, line_no, COALESCE(track_artist, ''), COALESCE(track_title, ''),
			COALESCE(isrc, ''), COALESCE(catalog_number, ''), platform_name, COALESCE(store_name, ''),
			COALESCE(country_code, ''), quantity, gross_amount, has_gross, net_amount,
			currency_code, occurred_on
		FROM canonical_rows WHERE source_file_id = ? ORDER BY line_no`, sourceFileID)
	if err != nil {
		return nil, fmt.Errorf("loading canonical partition %d: %w", sourceFileID, err)
	}
	defer rows.Close()

	var out []models.CanonicalRow
	for rows.Next() {
		var r models.CanonicalRow
		var grossStr, netStr, occurredStr string
		var hasGross int
		if err := rows.Scan(&r.ID, &r.SourceFileID, &r.LineNo, &r.TrackArtist, &r.TrackTitle,
			&r.ISRC, &r.CatalogNumber, &r.PlatformName, &r.StoreName, &r.CountryCode,
			&r.Quantity, &grossStr, &hasGross, &netStr, &r.CurrencyCode, &occurredStr); err != nil {
			return nil, err
		}
		if r.GrossAmount, err = decimal.NewFromString(grossStr); err != nil {
			return nil, fmt.Errorf("corrupt gross amount %q on canonical row %d: %w", grossStr, r.ID, err)
		}
		if r.NetAmount, err = decimal.NewFromString(netStr); err != nil {
			return nil, fmt.Errorf("corrupt net amount %q on canonical row %d: %w", netStr, r.ID, err)
		}
		if r.OccurredOn, err = time.Parse("2006-01-02", occurredStr); err != nil {
			return nil, fmt.Errorf("corrupt date %q on canonical row %d: %w", occurredStr, r.ID, err)
		}
		r.HasGross = hasGross != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
