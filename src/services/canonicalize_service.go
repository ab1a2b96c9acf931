package services

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/username/royaltyledger/src/adapters"
	"github.com/username/royaltyledger/src/logger"
	"github.com/username/royaltyledger/src/models"
	"github.com/username/royaltyledger/src/utils"
)

// CanonicalizeService selects the adapter for a statement, runs it, and
// persists the canonical partition with lineage metadata. Canonicalizing the
// same partition is serialized by a keyed mutex; distinct partitions run in
// parallel freely.
type CanonicalizeService struct {
	db                 *sql.DB
	rejectThresholdPct int

	mu        sync.Mutex
	partLocks map[string]*sync.Mutex
}

func NewCanonicalizeService(db *sql.DB, rejectThresholdPct int) *CanonicalizeService {
	return &CanonicalizeService{
		db:                 db,
		rejectThresholdPct: rejectThresholdPct,
		partLocks:          make(map[string]*sync.Mutex),
	}
}

func (s *CanonicalizeService) partitionLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.partLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.partLocks[key] = l
	return l
}

// Canonicalize ingests one statement for (label, sourceKind, period).
//
// Idempotency: the same bytes for the same partition are a no-op returning
// the existing partition, unless force re-runs the adapter in place.
// Correction: differing bytes supersede the existing statement only when the
// deterministic precedence rule says the new one is more complete; otherwise
// the call fails with ErrNotMoreComplete and nothing is written.
func (s *CanonicalizeService) Canonicalize(labelID int64, sourceKind, period, statementType, path string, data io.Reader, force bool) (*PartitionSummary, error) {
	per, err := utils.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	if statementType != models.StatementPreliminary && statementType != models.StatementFinal {
		return nil, fmt.Errorf("statement type must be %q or %q, got %q", models.StatementPreliminary, models.StatementFinal, statementType)
	}

	raw, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("reading statement: %w", err)
	}
	sum := sha256.Sum256(raw)
	checksum := hex.EncodeToString(sum[:])

	lock := s.partitionLock(fmt.Sprintf("%d|%s|%s", labelID, sourceKind, period))
	lock.Lock()
	defer lock.Unlock()

	// Same bytes already canonical for this partition?
	existing, err := s.findSourceFile(labelID, sourceKind, period, checksum)
	if err != nil {
		return nil, err
	}
	if existing != nil && !force {
		meta, err := s.loadMeta(existing.ID)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			logger.L.Info("Statement already canonical, skipping", "sourceFileID", existing.ID, "checksum", checksum)
			return &PartitionSummary{
				SourceFileID:  existing.ID,
				BatchID:       meta.BatchID,
				Checksum:      checksum,
				Reused:        true,
				RowCount:      meta.RowCount,
				RejectedCount: meta.RejectedCount,
			}, nil
		}
	}

	periodStart, _ := per.Range()
	adapter, err := adapters.ForSourceKind(sourceKind, periodStart)
	if err != nil {
		return nil, err
	}

	rows, rejects, err := adapter.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	total := len(rows) + len(rejects)
	if total > 0 && len(rejects)*100 > s.rejectThresholdPct*total {
		return nil, fmt.Errorf("%w: %d of %d rows rejected (threshold %d%%)",
			ErrRejectThreshold, len(rejects), total, s.rejectThresholdPct)
	}

	// Correction policy against active statements with other checksums.
	rivals, err := s.activeRivals(labelID, sourceKind, period, checksum)
	if err != nil {
		return nil, err
	}
	var supersededIDs []int64
	for _, rival := range rivals {
		wins, err := s.newStatementWins(rival, statementType, adapter.DetailColumns(), len(rows))
		if err != nil {
			return nil, err
		}
		if !wins {
			return nil, fmt.Errorf("%w: existing statement %d (type %s) takes precedence",
				ErrNotMoreComplete, rival.ID, rival.StatementType)
		}
		supersededIDs = append(supersededIDs, rival.ID)
	}

	// Single transaction: partial partitions are never visible.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning canonicalize transaction: %w", err)
	}
	defer tx.Rollback()

	var sourceFileID int64
	if existing != nil {
		// force re-run: replace the partition under the same source file. The
		// statement type feeds the supersede rule, so it must track the re-run.
		sourceFileID = existing.ID
		if _, err := tx.Exec(`UPDATE source_files SET statement_type = ?, path = ? WHERE id = ?`,
			statementType, path, sourceFileID); err != nil {
			return nil, fmt.Errorf("updating source file for re-run: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM canonical_rows WHERE source_file_id = ?`, sourceFileID); err != nil {
			return nil, fmt.Errorf("clearing canonical rows for re-run: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM canonical_meta WHERE source_file_id = ?`, sourceFileID); err != nil {
			return nil, fmt.Errorf("clearing canonical meta for re-run: %w", err)
		}
	} else {
		res, err := tx.Exec(`
			INSERT INTO source_files (label_id, source_kind, period, checksum, statement_type, path)
			VALUES (?, ?, ?, ?, ?, ?)`,
			labelID, sourceKind, period, checksum, statementType, path)
		if err != nil {
			return nil, fmt.Errorf("registering source file: %w", err)
		}
		sourceFileID, _ = res.LastInsertId()
	}

	stmt, err := tx.Prepare(`
		INSERT INTO canonical_rows (source_file_id, line_no, track_artist, track_title, isrc,
			catalog_number, platform_name, store_name, country_code, quantity,
			gross_amount, has_gross, net_amount, currency_code, occurred_on, raw_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing canonical row insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		hasGross := 0
		if row.HasGross {
			hasGross = 1
		}
		_, err := stmt.Exec(sourceFileID, row.LineNo, row.TrackArtist, row.TrackTitle, row.ISRC,
			row.CatalogNumber, row.PlatformName, row.StoreName, row.CountryCode, row.Quantity,
			row.GrossAmount.String(), hasGross, row.NetAmount.String(), row.CurrencyCode,
			row.OccurredOn.Format("2006-01-02"), row.RawPayload)
		if err != nil {
			return nil, fmt.Errorf("inserting canonical row (line %d): %w", row.LineNo, err)
		}
	}

	batchID := uuid.NewString()
	if _, err := tx.Exec(`
		INSERT INTO canonical_meta (source_file_id, batch_id, adapter_version, row_count, rejected_count, detail_columns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sourceFileID, batchID, adapter.Version(), len(rows), len(rejects), adapter.DetailColumns()); err != nil {
		return nil, fmt.Errorf("recording lineage metadata: %w", err)
	}

	for _, rivalID := range supersededIDs {
		if _, err := tx.Exec(`UPDATE source_files SET superseded_by = ? WHERE id = ?`, sourceFileID, rivalID); err != nil {
			return nil, fmt.Errorf("superseding source file %d: %w", rivalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing canonical partition: %w", err)
	}

	logger.L.Info("Canonicalized statement",
		"sourceFileID", sourceFileID, "sourceKind", sourceKind, "period", period,
		"rows", len(rows), "rejected", len(rejects), "superseded", supersededIDs, "batchID", batchID)

	return &PartitionSummary{
		SourceFileID:  sourceFileID,
		BatchID:       batchID,
		Checksum:      checksum,
		Superseded:    supersededIDs,
		RowCount:      len(rows),
		RejectedCount: len(rejects),
		RowErrors:     rejects,
	}, nil
}

// newStatementWins implements the deterministic correction precedence rule:
// a final statement beats a preliminary one; among equal statement types,
// strictly more detail columns wins; among equal detail, strictly more
// accepted rows wins. Everything else is a conflict, not a guess.
func (s *CanonicalizeService) newStatementWins(rival *models.SourceFile, newType string, newDetail, newRows int) (bool, error) {
	if newType == models.StatementFinal && rival.StatementType == models.StatementPreliminary {
		return true, nil
	}
	if newType == models.StatementPreliminary && rival.StatementType == models.StatementFinal {
		return false, nil
	}
	meta, err := s.loadMeta(rival.ID)
	if err != nil {
		return false, err
	}
	if meta == nil {
		// Registered but never canonicalized; the new statement replaces it.
		return true, nil
	}
	if newDetail != meta.DetailColumns {
		return newDetail > meta.DetailColumns, nil
	}
	return newRows > meta.RowCount, nil
}

func (s *CanonicalizeService) findSourceFile(labelID int64, sourceKind, period, checksum string) (*models.SourceFile, error) {
	var sf models.SourceFile
	err := s.db.QueryRow(`
		SELECT id, label_id, source_kind, period, checksum, statement_type, superseded_by
		FROM source_files
		WHERE label_id = ? AND source_kind = ? AND period = ? AND checksum = ?`,
		labelID, sourceKind, period, checksum).
		Scan(&sf.ID, &sf.LabelID, &sf.SourceKind, &sf.Period, &sf.Checksum, &sf.StatementType, &sf.SupersededBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up source file: %w", err)
	}
	return &sf, nil
}

func (s *CanonicalizeService) activeRivals(labelID int64, sourceKind, period, checksum string) ([]*models.SourceFile, error) {
	rows, err := s.db.Query(`
		SELECT id, label_id, source_kind, period, checksum, statement_type, superseded_by
		FROM source_files
		WHERE label_id = ? AND source_kind = ? AND period = ? AND checksum != ? AND superseded_by = 0`,
		labelID, sourceKind, period, checksum)
	if err != nil {
		return nil, fmt.Errorf("looking up rival statements: %w", err)
	}
	defer rows.Close()

	var rivals []*models.SourceFile
	for rows.Next() {
		var sf models.SourceFile
		if err := rows.Scan(&sf.ID, &sf.LabelID, &sf.SourceKind, &sf.Period, &sf.Checksum, &sf.StatementType, &sf.SupersededBy); err != nil {
			return nil, err
		}
		rivals = append(rivals, &sf)
	}
	return rivals, rows.Err()
}

func (s *CanonicalizeService) loadMeta(sourceFileID int64) (*models.CanonicalMeta, error) {
	var m models.CanonicalMeta
	err := s.db.QueryRow(`
		SELECT source_file_id, batch_id, adapter_version, row_count, rejected_count, detail_columns
		FROM canonical_meta WHERE source_file_id = ?`, sourceFileID).
		Scan(&m.SourceFileID, &m.BatchID, &m.AdapterVersion, &m.RowCount, &m.RejectedCount, &m.DetailColumns)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading canonical meta for %d: %w", sourceFileID, err)
	}
	return &m, nil
}
