package services

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/royaltyledger/src/catalog"
	"github.com/username/royaltyledger/src/models"
	"github.com/username/royaltyledger/src/registry"
)

const zebraHeader = "Period;Provider;Shop;Country;Artist;Title;ISRC;Label Order-Nr;Sales;Revenue-EUR;Rev.less Publ.EUR"

const zebraStatement = zebraHeader + "\n" +
	"2024-11;Spotify;Spotify;DE;Artist X;Song A;DE-ABC-24-00001;CAT001;100;12,34;10,00\n" +
	"2024-11;Spotify;Spotify;DE;Artist Y;Song B;;OTHER01;5;6,00;5,00\n" +
	"2024-11;Spotify;Spotify;DE;Artist X;Song A;DE-ABC-24-00001;CAT001;1;-2,00;-2,00\n"

func normalizeFixture(t *testing.T) (*NormalizeService, *CanonicalizeService, *registry.Registry, int64, int64) {
	t.Helper()
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, _, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")

	reg := registry.NewRegistry(db, "EUR", 90)
	svc := NewNormalizeService(db, reg, catalog.New(db))
	canon := NewCanonicalizeService(db, 10)
	return svc, canon, reg, labelID, trackID
}

func TestNormalizeCreatesLedgerEntries(t *testing.T) {
	svc, canon, _, labelID, trackID := normalizeFixture(t)
	db := svc.db

	_, err := canon.Canonicalize(labelID, models.SourceZebralution, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(zebraStatement), false)
	require.NoError(t, err)

	summary, err := svc.Normalize(labelID, models.SourceZebralution, "2024-Q4")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 1, summary.CostEvents, "negative net amounts go to the cost ledger")
	assert.Equal(t, 1, summary.Unlinked)
	assert.Zero(t, summary.Duplicates)
	assert.Zero(t, summary.Errored)

	// The ISRC row resolved to the catalog track.
	var linkedTrackID int64
	var amountStr string
	require.NoError(t, db.QueryRow(`
		SELECT track_id, amount_base FROM revenue_events WHERE isrc = 'DE-ABC-24-00001'`).
		Scan(&linkedTrackID, &amountStr))
	assert.Equal(t, trackID, linkedTrackID)
	amount, err := decimal.NewFromString(amountStr)
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.RequireFromString("10.00")), "amount was %s", amount)

	// The cost event carries a positive magnitude, the gross figures, and the
	// catalog link so payouts can net it against the track's revenue.
	var costStr, costGrossStr string
	var costHasGross int
	var costTrackID int64
	require.NoError(t, db.QueryRow(`SELECT amount_base, gross_base, has_gross, track_id FROM cost_events`).
		Scan(&costStr, &costGrossStr, &costHasGross, &costTrackID))
	cost, err := decimal.NewFromString(costStr)
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.RequireFromString("2.00")), "cost was %s", cost)
	costGross, err := decimal.NewFromString(costGrossStr)
	require.NoError(t, err)
	assert.True(t, costGross.Equal(decimal.RequireFromString("2.00")), "gross cost was %s", costGross)
	assert.Equal(t, 1, costHasGross)
	assert.Equal(t, trackID, costTrackID)
}

func TestNormalizeIdempotent(t *testing.T) {
	svc, canon, _, labelID, _ := normalizeFixture(t)

	_, err := canon.Canonicalize(labelID, models.SourceZebralution, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(zebraStatement), false)
	require.NoError(t, err)

	_, err = svc.Normalize(labelID, models.SourceZebralution, "2024-Q4")
	require.NoError(t, err)

	again, err := svc.Normalize(labelID, models.SourceZebralution, "2024-Q4")
	require.NoError(t, err)
	assert.Zero(t, again.Created, "re-normalizing must create nothing")
	assert.Zero(t, again.CostEvents)
	assert.Equal(t, 3, again.Duplicates)

	assert.Equal(t, 2, countRows(t, svc.db, `SELECT COUNT(*) FROM revenue_events`))
	assert.Equal(t, 1, countRows(t, svc.db, `SELECT COUNT(*) FROM cost_events`))
}

func TestHeldRowsIngestOnRetry(t *testing.T) {
	svc, canon, reg, labelID, _ := normalizeFixture(t)

	// Two EUR rows plus one USD row with no rate loaded yet.
	statement := bandcampStatement(
		saleRow("Song A"),
		saleRow("Song B"),
		"10/6/2024 1:00:00 pm PDT,track,Song C,Artist X,USD,1,10.00,8.50,United States")
	_, err := canon.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(statement), false)
	require.NoError(t, err)

	first, err := svc.Normalize(labelID, models.SourceBandcamp, "2024-Q4")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	assert.Equal(t, 1, first.Errored, "rows without a rate are held, not dropped")
	require.Len(t, first.RowErrors, 1)
	assert.Contains(t, first.RowErrors[0].Reason, "fx rate not found")

	// Load the missing rate and retry: exactly the held row ingests.
	require.NoError(t, reg.AddRate("USD", time.Date(2024, 10, 6, 0, 0, 0, 0, time.UTC), decimal.RequireFromString("0.9")))

	second, err := svc.Normalize(labelID, models.SourceBandcamp, "2024-Q4")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Created)
	assert.Equal(t, 2, second.Duplicates)
	assert.Zero(t, second.Errored)

	assert.Equal(t, 3, countRows(t, svc.db, `SELECT COUNT(*) FROM revenue_events`))

	var amountStr string
	require.NoError(t, svc.db.QueryRow(`
		SELECT amount_base FROM revenue_events WHERE currency_code = 'USD'`).Scan(&amountStr))
	amount, err := decimal.NewFromString(amountStr)
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.RequireFromString("7.65")), "8.50 at 0.9 should be 7.65, got %s", amount)
}

func TestRelinkBackfillsCatalogLinks(t *testing.T) {
	svc, canon, _, labelID, _ := normalizeFixture(t)
	db := svc.db

	_, err := canon.Canonicalize(labelID, models.SourceZebralution, "2024-Q4", models.StatementFinal,
		"stmt.csv", strings.NewReader(zebraStatement), false)
	require.NoError(t, err)
	_, err = svc.Normalize(labelID, models.SourceZebralution, "2024-Q4")
	require.NoError(t, err)

	// Song B was unlinked; register its release and track, then relink.
	_, _, newTrackID := seedTrack(t, db, labelID, "Artist Y", "Song B", "OTHER01", "DE-ABC-24-00002")

	summary, err := svc.Relink(labelID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Examined)
	assert.Equal(t, 1, summary.Relinked)

	var linkedTrackID int64
	require.NoError(t, db.QueryRow(`
		SELECT track_id FROM revenue_events WHERE track_title = 'Song B'`).Scan(&linkedTrackID))
	assert.Equal(t, newTrackID, linkedTrackID)
}

func TestNormalizeRequiresActiveStatement(t *testing.T) {
	svc, canon, _, labelID, _ := normalizeFixture(t)

	_, err := svc.Normalize(labelID, models.SourceZebralution, "2024-Q4")
	assert.ErrorIs(t, err, ErrNoActiveStatement)

	// A superseded partition refuses to normalize.
	prelim, err := canon.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementPreliminary,
		"prelim.csv", strings.NewReader(bandcampStatement(saleRow("Song A"))), false)
	require.NoError(t, err)
	_, err = canon.Canonicalize(labelID, models.SourceBandcamp, "2024-Q4", models.StatementFinal,
		"final.csv", strings.NewReader(bandcampStatement(saleRow("Song A"), saleRow("Song B"))), false)
	require.NoError(t, err)

	_, err = svc.NormalizeFile(prelim.SourceFileID)
	assert.ErrorIs(t, err, ErrNoActiveStatement)
}
