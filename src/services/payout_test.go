package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/royaltyledger/src/models"
)

func TestPayoutExactRateApplication(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")

	// 120.50 + 79.50 = 200.00 basis; 50% must be exactly 100.00.
	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "120.50", trackID: trackID, releaseID: releaseID})
	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "79.50", trackID: trackID, releaseID: releaseID})

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, contractID, "Artist X", "50")

	svc := NewPayoutService(db, "EUR")
	summary, err := svc.Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1)

	line := summary.Lines[0]
	assert.Equal(t, "Artist X", line.Payee)
	assert.True(t, line.GrossBasisAmount.Equal(decimal.RequireFromString("200.00")), "basis was %s", line.GrossBasisAmount)
	assert.True(t, line.NetPayable.Equal(decimal.RequireFromString("100.00")), "payable was %s", line.NetPayable)
	assert.True(t, line.RecoupmentApplied.IsZero())
	assert.True(t, summary.TotalAmount.Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, models.RunDraft, summary.Status)
}

func TestPayoutUnlinkedEventsExcluded(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")

	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "100", trackID: trackID, releaseID: releaseID})
	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "999"}) // unlinked

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, contractID, "Artist X", "50")

	summary, err := NewPayoutService(db, "EUR").Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1)
	assert.True(t, summary.Lines[0].GrossBasisAmount.Equal(decimal.RequireFromString("100")),
		"unlinked revenue must not enter the basis, got %s", summary.Lines[0].GrossBasisAmount)
}

func TestPayoutRefundsReduceBasis(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")

	// A 10.00 sale and a 2.00 refund of the same track: the basis is 8.00
	// and a 50% rate pays exactly 4.00.
	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "10.00", trackID: trackID, releaseID: releaseID})
	insertCostEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "2.00", trackID: trackID, releaseID: releaseID})

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, contractID, "Artist X", "50")

	summary, err := NewPayoutService(db, "EUR").Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1)

	line := summary.Lines[0]
	assert.True(t, line.GrossBasisAmount.Equal(decimal.RequireFromString("8.00")), "basis was %s", line.GrossBasisAmount)
	assert.True(t, line.NetPayable.Equal(decimal.RequireFromString("4.00")), "payable was %s", line.NetPayable)
}

func TestPayoutUnlinkedCostsExcluded(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")

	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "100", trackID: trackID, releaseID: releaseID})
	insertCostEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "999"}) // unlinked

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, contractID, "Artist X", "50")

	summary, err := NewPayoutService(db, "EUR").Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1)
	assert.True(t, summary.Lines[0].GrossBasisAmount.Equal(decimal.RequireFromString("100")),
		"unlinked costs must not enter the basis, got %s", summary.Lines[0].GrossBasisAmount)
}

func TestPayoutRecoupment(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	accountID := insertRecoupmentAccount(t, db, labelID, "Artist X", "-100")

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, contractID, "Artist X", "50")
	svc := NewPayoutService(db, "EUR")

	// Q1: 80.00 basis, 40.00 payable, all of it recouped.
	sfQ1 := seedSourceFile(t, db, labelID, "2025-Q1")
	insertRevenueEvent(t, db, sfQ1, platformID, "2025-Q1", eventSpec{amountBase: "80.00", trackID: trackID, releaseID: releaseID})

	draft, err := svc.Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	require.Len(t, draft.Lines, 1)
	assert.True(t, draft.Lines[0].RecoupmentApplied.Equal(decimal.RequireFromString("40.00")))
	assert.True(t, draft.Lines[0].NetPayable.IsZero())

	// Drafting never touches the balance.
	assert.Zero(t, countRows(t, db, `SELECT COUNT(*) FROM recoupment_entries WHERE account_id = ?`, accountID))

	final, err := svc.Run(labelID, "2025-Q1", true)
	require.NoError(t, err)
	assert.Equal(t, models.RunFinal, final.Status)
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM recoupment_entries WHERE account_id = ?`, accountID))

	balance, err := svc.recoupmentBalance(labelID, "Artist X")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("-60")), "balance was %s", balance)

	// Q2: 200.00 basis, 100.00 payable; the remaining 60 recoups, 40 pays out.
	sfQ2 := seedSourceFile(t, db, labelID, "2025-Q2")
	insertRevenueEvent(t, db, sfQ2, platformID, "2025-Q2", eventSpec{amountBase: "200.00", trackID: trackID, releaseID: releaseID})

	q2, err := svc.Run(labelID, "2025-Q2", true)
	require.NoError(t, err)
	require.Len(t, q2.Lines, 1)
	assert.True(t, q2.Lines[0].RecoupmentApplied.Equal(decimal.RequireFromString("60")))
	assert.True(t, q2.Lines[0].NetPayable.Equal(decimal.RequireFromString("40.00")))

	balance, err = svc.recoupmentBalance(labelID, "Artist X")
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "balance was %s", balance)
}

func TestPayoutFinalizeOnce(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")
	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "100", trackID: trackID, releaseID: releaseID})

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, contractID, "Artist X", "50")

	svc := NewPayoutService(db, "EUR")
	_, err := svc.Run(labelID, "2025-Q1", true)
	require.NoError(t, err)

	_, err = svc.Run(labelID, "2025-Q1", true)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	// Another period is unaffected.
	sf2 := seedSourceFile(t, db, labelID, "2025-Q2")
	insertRevenueEvent(t, db, sf2, platformID, "2025-Q2", eventSpec{amountBase: "50", trackID: trackID, releaseID: releaseID})
	_, err = svc.Run(labelID, "2025-Q2", true)
	assert.NoError(t, err)
}

func TestPayoutDraftReplaceAndDiscard(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")
	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "100", trackID: trackID, releaseID: releaseID})

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, contractID, "Artist X", "50")

	svc := NewPayoutService(db, "EUR")
	_, err := svc.Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	second, err := svc.Run(labelID, "2025-Q1", false)
	require.NoError(t, err)

	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM payout_runs WHERE label_id = ? AND status = 'draft'`, labelID),
		"recomputing a draft replaces the previous one")

	require.NoError(t, svc.Discard(second.RunID))
	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM payout_runs WHERE id = ?`, second.RunID).Scan(&status))
	assert.Equal(t, models.RunDiscarded, status)

	// Discard is draft-only and terminal.
	assert.ErrorIs(t, svc.Discard(second.RunID), ErrRunNotDraft)
}

func TestPayoutOverlappingContracts(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")

	c1 := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, c1, "Artist X", "50")
	c2 := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, c2, "Artist Y", "30")

	_, err := NewPayoutService(db, "EUR").Run(labelID, "2025-Q1", false)
	assert.ErrorIs(t, err, ErrOverlappingContracts)
}

func TestPayoutScopePrecedence(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")
	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1", eventSpec{amountBase: "100", trackID: trackID, releaseID: releaseID})

	// Catalog-wide 10% and a release-specific 60%: the release contract wins.
	catalogContract := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, catalogContract, "Label Pool", "10")
	releaseContract := insertContract(t, db, labelID, models.ScopeRelease, 0, releaseID, models.BasisNet)
	insertParty(t, db, releaseContract, "Artist X", "60")

	summary, err := NewPayoutService(db, "EUR").Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 2, "every contract party gets a line, zero payable included")

	byPayee := map[string]models.PayoutLine{}
	for _, line := range summary.Lines {
		byPayee[line.Payee] = line
	}
	assert.True(t, byPayee["Artist X"].NetPayable.Equal(decimal.RequireFromString("60.00")),
		"release contract payable was %s", byPayee["Artist X"].NetPayable)
	assert.True(t, byPayee["Label Pool"].NetPayable.IsZero(),
		"catalog contract must not also claim the release's revenue")
}

func TestPayoutGrossBasisRequiresGross(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")

	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1",
		eventSpec{amountBase: "100", grossBase: "0", hasGross: false, trackID: trackID, releaseID: releaseID})

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisGross)
	insertParty(t, db, contractID, "Artist X", "50")

	_, err := NewPayoutService(db, "EUR").Run(labelID, "2025-Q1", false)
	assert.ErrorIs(t, err, ErrMissingBasis)
}

func TestPayoutGrossBasisUsesGrossAmounts(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")
	sfID := seedSourceFile(t, db, labelID, "2025-Q1")

	insertRevenueEvent(t, db, sfID, platformID, "2025-Q1",
		eventSpec{amountBase: "85.00", grossBase: "100.00", hasGross: true, trackID: trackID, releaseID: releaseID})

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisGross)
	insertParty(t, db, contractID, "Artist X", "25")

	summary, err := NewPayoutService(db, "EUR").Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1)
	assert.True(t, summary.Lines[0].GrossBasisAmount.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, summary.Lines[0].NetPayable.Equal(decimal.RequireFromString("25.00")))
}

func TestPayoutSupersededStatementsExcluded(t *testing.T) {
	db := newTestDB(t)
	labelID := seedLabel(t, db, "Test Records")
	_, releaseID, trackID := seedTrack(t, db, labelID, "Artist X", "Song A", "CAT001", "DE-ABC-24-00001")
	platformID := seedPlatform(t, db, "Bandcamp")

	oldSF := seedSourceFile(t, db, labelID, "2025-Q1")
	newSF := seedSourceFile(t, db, labelID, "2025-Q1")
	insertRevenueEvent(t, db, oldSF, platformID, "2025-Q1", eventSpec{amountBase: "999", trackID: trackID, releaseID: releaseID})
	insertRevenueEvent(t, db, newSF, platformID, "2025-Q1", eventSpec{amountBase: "100", trackID: trackID, releaseID: releaseID})
	_, err := db.Exec(`UPDATE source_files SET superseded_by = ? WHERE id = ?`, newSF, oldSF)
	require.NoError(t, err)

	contractID := insertContract(t, db, labelID, models.ScopeCatalog, 0, 0, models.BasisNet)
	insertParty(t, db, contractID, "Artist X", "50")

	summary, err := NewPayoutService(db, "EUR").Run(labelID, "2025-Q1", false)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1)
	assert.True(t, summary.Lines[0].GrossBasisAmount.Equal(decimal.RequireFromString("100")),
		"superseded statements must not contribute, basis was %s", summary.Lines[0].GrossBasisAmount)
}
