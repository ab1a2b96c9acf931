package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/royaltyledger/src/models"
)

const bandcampHeader = "date,item type,item name,artist,currency,quantity,item total,amount you received,ship from country name"

func bandcampStatement(saleRows ...string) string {
	return bandcampHeader + "\n" + strings.Join(saleRows, "\n") + "\n"
}

func saleRow(title string) string {
	return "10/5/2024 1:00:00 pm PDT,track," + title + ",Artist X,EUR,1,10.00,8.50,Germany"
}

func TestCanonicalizeIdempotent(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	svc := NewCanonicalizeService(db, 10)

	statement := bandcampStatement(saleRow("Song A"), saleRow("Song B"))

	first, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(statement), false)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, 2, first.RowCount)
	assert.NotEmpty(t, first.BatchID)

	second, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(statement), false)
	require.NoError(t, err)
	assert.True(t, second.Reused, "identical bytes must be a no-op")
	assert.Equal(t, first.SourceFileID, second.SourceFileID)
	assert.Equal(t, first.BatchID, second.BatchID)

	assert.Equal(t, 2, countRows(t, db, `SELECT COUNT(*) FROM canonical_rows WHERE source_file_id = ?`, first.SourceFileID))
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM source_files WHERE label_id = ?`, labelID))
}

func TestCanonicalizeForceRerun(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	svc := NewCanonicalizeService(db, 10)

	statement := bandcampStatement(saleRow("Song A"))
	first, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(statement), false)
	require.NoError(t, err)

	rerun, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(statement), true)
	require.NoError(t, err)
	assert.False(t, rerun.Reused)
	assert.Equal(t, first.SourceFileID, rerun.SourceFileID, "force reuses the registered file")
	assert.NotEqual(t, first.BatchID, rerun.BatchID, "a re-run is a new lineage batch")
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM canonical_rows WHERE source_file_id = ?`, first.SourceFileID))
}

func TestForceRerunUpdatesStatementType(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	svc := NewCanonicalizeService(db, 10)

	statement := bandcampStatement(saleRow("Song A"))
	first, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementPreliminary,
		"stmt.csv", strings.NewReader(statement), false)
	require.NoError(t, err)

	// The distributor promotes the same bytes to final; force must record that.
	_, err = svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(statement), true)
	require.NoError(t, err)

	var storedType string
	require.NoError(t, db.QueryRow(`SELECT statement_type FROM source_files WHERE id = ?`, first.SourceFileID).Scan(&storedType))
	assert.Equal(t, models.StatementFinal, storedType)

	// The supersede rule must now treat the statement as final.
	_, err = svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementPreliminary,
		"late.csv", strings.NewReader(bandcampStatement(saleRow("Song A"), saleRow("Song B"))), false)
	assert.ErrorIs(t, err, ErrNotMoreComplete)
}

func TestFinalSupersedesPreliminary(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	svc := NewCanonicalizeService(db, 10)

	prelim, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementPreliminary,
		"prelim.csv", strings.NewReader(bandcampStatement(saleRow("Song A"), saleRow("Song B"))), false)
	require.NoError(t, err)

	final, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"final.csv", strings.NewReader(bandcampStatement(saleRow("Song A"), saleRow("Song B"), saleRow("Song C"))), false)
	require.NoError(t, err)
	require.Equal(t, []int64{prelim.SourceFileID}, final.Superseded)

	var supersededBy int64
	require.NoError(t, db.QueryRow(`SELECT superseded_by FROM source_files WHERE id = ?`, prelim.SourceFileID).Scan(&supersededBy))
	assert.Equal(t, final.SourceFileID, supersededBy)

	// Both partitions stay queryable; supersession is a flag, not a delete.
	assert.Equal(t, 2, countRows(t, db, `SELECT COUNT(*) FROM canonical_rows WHERE source_file_id = ?`, prelim.SourceFileID))
	assert.Equal(t, 3, countRows(t, db, `SELECT COUNT(*) FROM canonical_rows WHERE source_file_id = ?`, final.SourceFileID))

	// A later preliminary can never displace the final statement.
	_, err = svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementPreliminary,
		"late.csv", strings.NewReader(bandcampStatement(saleRow("Song D"))), false)
	assert.ErrorIs(t, err, ErrNotMoreComplete)
}

func TestEqualTypePrecedenceByRowCount(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	svc := NewCanonicalizeService(db, 10)

	first, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"v1.csv", strings.NewReader(bandcampStatement(saleRow("Song A"), saleRow("Song B"))), false)
	require.NoError(t, err)

	// Same statement type and adapter: strictly more rows wins.
	bigger, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"v2.csv", strings.NewReader(bandcampStatement(saleRow("Song A"), saleRow("Song B"), saleRow("Song C"))), false)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.SourceFileID}, bigger.Superseded)

	// Fewer rows is a conflict, not a silent downgrade.
	_, err = svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"v3.csv", strings.NewReader(bandcampStatement(saleRow("Song Z"))), false)
	assert.ErrorIs(t, err, ErrNotMoreComplete)
}

func TestRejectThreshold(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	svc := NewCanonicalizeService(db, 10)

	// One of two rows is unparseable: 50% rejected against a 10% threshold.
	statement := bandcampStatement(
		saleRow("Song A"),
		"not-a-date,track,Song B,Artist X,EUR,1,10.00,8.50,Germany")
	_, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(statement), false)
	assert.ErrorIs(t, err, ErrRejectThreshold)

	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM source_files WHERE label_id = ?`, labelID),
		"a failed canonicalize must leave nothing behind")
}

func TestRejectedRowsBelowThresholdAreReported(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	svc := NewCanonicalizeService(db, 50)

	statement := bandcampStatement(
		saleRow("Song A"),
		saleRow("Song B"),
		"not-a-date,track,Song C,Artist X,EUR,1,10.00,8.50,Germany")
	summary, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(statement), false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.RowCount)
	assert.Equal(t, 1, summary.RejectedCount)
	require.Len(t, summary.RowErrors, 1)
	assert.Equal(t, 4, summary.RowErrors[0].Line)
	assert.True(t, summary.HasRowErrors())
}

func TestCanonicalizeValidatesInput(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	svc := NewCanonicalizeService(db, 10)

	_, err := svc.Canonicalize(labelID, models.SourceBandcamp, "2024-12", models.StatementFinal,
		"stmt.csv", strings.NewReader(""), false)
	assert.Error(t, err, "period must be a quarter")

	_, err = svc.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", "interim",
		"stmt.csv", strings.NewReader(""), false)
	assert.Error(t, err, "unknown statement type")

	_, err = svc.Canonicalize(labelID, "napster", "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(""), false)
	assert.Error(t, err, "unknown source kind")
}
