package services

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/royaltyledger/src/logger"
	"github.com/username/royaltyledger/src/models"
	"github.com/username/royaltyledger/src/utils"
)

// PayoutService aggregates the ledger per label/period, applies contract
// terms and recoupment state, and emits an auditable PayoutRun.
//
// State machine: draft -> final (terminal) or draft -> discarded (terminal).
// Draft runs are previews and never touch recoupment balances; finalizing is
// the only transition that appends recoupment deltas, inside the same
// transaction that flips the status.
type PayoutService struct {
	db           *sql.DB
	baseCurrency string
}

func NewPayoutService(db *sql.DB, baseCurrency string) *PayoutService {
	return &PayoutService{db: db, baseCurrency: baseCurrency}
}

// contractTotal accumulates the basis amount attributed to one contract.
type contractTotal struct {
	contract *models.Contract
	basis    decimal.Decimal
}

// Run computes the payout for (label, period). finalize=false produces a
// draft run, replacing any previous draft for the period; finalize=true
// commits a final run and the recoupment mutations.
func (s *PayoutService) Run(labelID int64, period string, finalize bool) (*PayoutSummary, error) {
	per, err := utils.ParsePeriod(period)
	if err != nil {
		return nil, err
	}

	contracts, err := s.loadContracts(labelID, per)
	if err != nil {
		return nil, err
	}
	if err := checkOverlaps(contracts); err != nil {
		return nil, err
	}

	totals, err := s.aggregate(labelID, per, contracts)
	if err != nil {
		return nil, err
	}

	lines, total, err := s.buildLines(labelID, contracts, totals)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning payout transaction: %w", err)
	}
	defer tx.Rollback()

	status := models.RunDraft
	if finalize {
		status = models.RunFinal
		// One final run per (label, period); checked inside the transaction
		// so two concurrent finalize attempts cannot both pass.
		var finalCount int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM payout_runs WHERE label_id = ? AND period = ? AND status = ?`,
			labelID, period, models.RunFinal).Scan(&finalCount); err != nil {
			return nil, fmt.Errorf("checking for existing final run: %w", err)
		}
		if finalCount > 0 {
			return nil, fmt.Errorf("%w: label %d, period %s", ErrAlreadyFinalized, labelID, period)
		}
	} else {
		// A recomputed draft discards the previous draft's lines.
		if _, err := tx.Exec(`
			DELETE FROM payout_lines WHERE payout_run_id IN
				(SELECT id FROM payout_runs WHERE label_id = ? AND period = ? AND status = ?)`,
			labelID, period, models.RunDraft); err != nil {
			return nil, fmt.Errorf("clearing previous draft lines: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM payout_runs WHERE label_id = ? AND period = ? AND status = ?`,
			labelID, period, models.RunDraft); err != nil {
			return nil, fmt.Errorf("clearing previous draft run: %w", err)
		}
	}

	res, err := tx.Exec(`
		INSERT INTO payout_runs (label_id, period, status, base_currency, total_amount)
		VALUES (?, ?, ?, ?, ?)`,
		labelID, period, status, s.baseCurrency, total.String())
	if err != nil {
		return nil, fmt.Errorf("creating payout run: %w", err)
	}
	runID, _ := res.LastInsertId()

	for i := range lines {
		lines[i].PayoutRunID = runID
		lineRes, err := tx.Exec(`
			INSERT INTO payout_lines (payout_run_id, payee, contract_id, gross_basis_amount,
				rate_applied, recoupment_applied, net_payable)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, lines[i].Payee, lines[i].ContractID, lines[i].GrossBasisAmount.String(),
			lines[i].RateApplied.String(), lines[i].RecoupmentApplied.String(), lines[i].NetPayable.String())
		if err != nil {
			return nil, fmt.Errorf("inserting payout line for %s: %w", lines[i].Payee, err)
		}
		lines[i].ID, _ = lineRes.LastInsertId()
	}

	if finalize {
		if err := s.applyRecoupment(tx, labelID, runID, lines); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing payout run: %w", err)
	}

	logger.L.Info("Payout run computed", "runID", runID, "labelID", labelID,
		"period", period, "status", status, "lines", len(lines), "total", total.String())

	return &PayoutSummary{
		RunID:       runID,
		Period:      period,
		Status:      status,
		TotalAmount: total,
		Lines:       lines,
	}, nil
}

// Discard marks a draft run as discarded. Terminal, no recoupment effect.
func (s *PayoutService) Discard(runID int64) error {
	res, err := s.db.Exec(`UPDATE payout_runs SET status = ? WHERE id = ? AND status = ?`,
		models.RunDiscarded, runID, models.RunDraft)
	if err != nil {
		return fmt.Errorf("discarding payout run %d: %w", runID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: run %d", ErrRunNotDraft, runID)
	}
	return nil
}

// aggregate sums basis amounts per contract over the period's linked
// revenue events, then subtracts the period's linked cost events (refunds,
// chargebacks) so corrections net against the payout basis. Unlinked events
// count financially in reporting but are excluded from payout aggregation.
func (s *PayoutService) aggregate(labelID int64, per utils.Period, contracts []*models.Contract) (map[int64]*contractTotal, error) {
	totals := make(map[int64]*contractTotal, len(contracts))
	for _, c := range contracts {
		totals[c.ID] = &contractTotal{contract: c, basis: decimal.Zero}
	}

	rows, err := s.db.Query(`
		SELECT re.amount_base, COALESCE(re.gross_base, '0'), re.has_gross,
			COALESCE(re.release_id, 0), COALESCE(re.track_id, 0), COALESCE(t.artist_id, 0)
		FROM revenue_events re
		JOIN source_files sf ON sf.id = re.source_file_id
		LEFT JOIN tracks t ON t.id = re.track_id
		WHERE sf.label_id = ? AND sf.superseded_by = 0
			AND re.year = ? AND re.quarter = ?
			AND (re.track_id IS NOT NULL OR re.release_id IS NOT NULL)`,
		labelID, per.Year, per.Quarter)
	if err != nil {
		return nil, fmt.Errorf("loading revenue events for %s: %w", per, err)
	}
	defer rows.Close()

	for rows.Next() {
		var amountStr, grossStr string
		var hasGross int
		var releaseID, trackID, artistID int64
		if err := rows.Scan(&amountStr, &grossStr, &hasGross, &releaseID, &trackID, &artistID); err != nil {
			return nil, err
		}

		contract := pickContract(contracts, releaseID, artistID)
		if contract == nil {
			continue
		}

		basis, err := basisAmount(contract, amountStr, grossStr, hasGross)
		if err != nil {
			return nil, err
		}
		totals[contract.ID].basis = totals[contract.ID].basis.Add(basis)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.subtractCosts(labelID, per, contracts, totals); err != nil {
		return nil, err
	}
	return totals, nil
}

// subtractCosts nets linked cost events against the contract basis they would
// have accrued to as revenue. Cost events carry no year/quarter columns, so
// the period filter is on occurred_on.
func (s *PayoutService) subtractCosts(labelID int64, per utils.Period, contracts []*models.Contract, totals map[int64]*contractTotal) error {
	start, end := per.Range()
	rows, err := s.db.Query(`
		SELECT ce.amount_base, COALESCE(ce.gross_base, '0'), ce.has_gross,
			COALESCE(ce.release_id, 0), COALESCE(ce.track_id, 0), COALESCE(t.artist_id, 0)
		FROM cost_events ce
		JOIN source_files sf ON sf.id = ce.source_file_id
		LEFT JOIN tracks t ON t.id = ce.track_id
		WHERE sf.label_id = ? AND sf.superseded_by = 0
			AND ce.occurred_on >= ? AND ce.occurred_on < ?
			AND (ce.track_id IS NOT NULL OR ce.release_id IS NOT NULL)`,
		labelID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("loading cost events for %s: %w", per, err)
	}
	defer rows.Close()

	for rows.Next() {
		var amountStr, grossStr string
		var hasGross int
		var releaseID, trackID, artistID int64
		if err := rows.Scan(&amountStr, &grossStr, &hasGross, &releaseID, &trackID, &artistID); err != nil {
			return err
		}

		contract := pickContract(contracts, releaseID, artistID)
		if contract == nil {
			continue
		}

		basis, err := basisAmount(contract, amountStr, grossStr, hasGross)
		if err != nil {
			return err
		}
		totals[contract.ID].basis = totals[contract.ID].basis.Sub(basis)
	}
	return rows.Err()
}

// basisAmount picks the event amount the contract's basis calls for.
func basisAmount(contract *models.Contract, amountStr, grossStr string, hasGross int) (decimal.Decimal, error) {
	var basisStr string
	switch contract.Basis {
	case models.BasisGross:
		if hasGross == 0 {
			return decimal.Zero, fmt.Errorf("%w: contract %d requires gross basis but the source reported none",
				ErrMissingBasis, contract.ID)
		}
		basisStr = grossStr
	case models.BasisNet, models.BasisPlatformNet:
		// Net and platform-net both resolve to the reported net amount;
		// the distinction is which deductions the source already took.
		basisStr = amountStr
	default:
		return decimal.Zero, fmt.Errorf("contract %d has unknown basis %q", contract.ID, contract.Basis)
	}
	basis, err := decimal.NewFromString(basisStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt basis amount %q: %w", basisStr, err)
	}
	return basis, nil
}

// pickContract chooses the applicable contract for an event by scope
// specificity: release beats artist beats catalog-wide. Overlaps inside one
// scope were rejected before aggregation began.
func pickContract(contracts []*models.Contract, releaseID, artistID int64) *models.Contract {
	var artistMatch, catalogMatch *models.Contract
	for _, c := range contracts {
		switch c.Scope {
		case models.ScopeRelease:
			if releaseID != 0 && c.ReleaseID == releaseID {
				return c
			}
		case models.ScopeArtist:
			if artistID != 0 && c.ArtistID == artistID {
				artistMatch = c
			}
		case models.ScopeCatalog:
			catalogMatch = c
		}
	}
	if artistMatch != nil {
		return artistMatch
	}
	return catalogMatch
}

// buildLines turns contract totals into payout lines, applying rates and
// recoupment. Every party of every applicable contract gets a line, zero
// payable included.
func (s *PayoutService) buildLines(labelID int64, contracts []*models.Contract, totals map[int64]*contractTotal) ([]models.PayoutLine, decimal.Decimal, error) {
	var lines []models.PayoutLine
	// Deterministic order: contract id, then party order.
	sorted := make([]*models.Contract, len(contracts))
	copy(sorted, contracts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	// Remaining recoupable debt per payee, consumed across their lines.
	outstanding := make(map[string]decimal.Decimal)

	total := decimal.Zero
	for _, c := range sorted {
		basisTotal := totals[c.ID].basis
		for _, party := range c.Parties {
			payable := basisTotal.Mul(party.RatePercent).Div(decimal.NewFromInt(100)).Round(2)

			debt, known := outstanding[party.Payee]
			if !known {
				balance, err := s.recoupmentBalance(labelID, party.Payee)
				if err != nil {
					return nil, decimal.Zero, err
				}
				debt = decimal.Zero
				if balance.Sign() < 0 {
					debt = balance.Neg()
				}
			}

			applied := decimal.Min(payable, debt)
			if applied.Sign() < 0 {
				applied = decimal.Zero
			}
			outstanding[party.Payee] = debt.Sub(applied)

			net := payable.Sub(applied)
			total = total.Add(net)
			lines = append(lines, models.PayoutLine{
				Payee:             party.Payee,
				ContractID:        c.ID,
				GrossBasisAmount:  basisTotal,
				RateApplied:       party.RatePercent,
				RecoupmentApplied: applied,
				NetPayable:        net,
			})
		}
	}
	return lines, total, nil
}

// applyRecoupment appends one balance-delta entry per recouping line. The
// running balance is never updated in place, so every finalize event stays
// reconstructable from the entry history.
func (s *PayoutService) applyRecoupment(tx *sql.Tx, labelID, runID int64, lines []models.PayoutLine) error {
	for _, line := range lines {
		if line.RecoupmentApplied.Sign() <= 0 {
			continue
		}
		var accountID int64
		err := tx.QueryRow(`SELECT id FROM recoupment_accounts WHERE label_id = ? AND payee = ?`,
			labelID, line.Payee).Scan(&accountID)
		if err != nil {
			return fmt.Errorf("loading recoupment account for %s: %w", line.Payee, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO recoupment_entries (account_id, payout_run_id, delta) VALUES (?, ?, ?)`,
			accountID, runID, line.RecoupmentApplied.String()); err != nil {
			return fmt.Errorf("appending recoupment entry for %s: %w", line.Payee, err)
		}
	}
	return nil
}

// recoupmentBalance is the payee's signed balance: opening plus the sum of
// appended deltas. Negative means unrecouped advance.
func (s *PayoutService) recoupmentBalance(labelID int64, payee string) (decimal.Decimal, error) {
	var openingStr string
	var accountID int64
	err := s.db.QueryRow(`
		SELECT id, opening_balance FROM recoupment_accounts WHERE label_id = ? AND payee = ?`,
		labelID, payee).Scan(&accountID, &openingStr)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("loading recoupment account for %s: %w", payee, err)
	}
	balance, err := decimal.NewFromString(openingStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt opening balance %q for %s: %w", openingStr, payee, err)
	}

	rows, err := s.db.Query(`SELECT delta FROM recoupment_entries WHERE account_id = ?`, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("loading recoupment entries for %s: %w", payee, err)
	}
	defer rows.Close()
	for rows.Next() {
		var deltaStr string
		if err := rows.Scan(&deltaStr); err != nil {
			return decimal.Zero, err
		}
		delta, err := decimal.NewFromString(deltaStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt recoupment delta %q for %s: %w", deltaStr, payee, err)
		}
		balance = balance.Add(delta)
	}
	return balance, rows.Err()
}

// loadContracts returns contracts effective at any point inside the period,
// with their parties.
func (s *PayoutService) loadContracts(labelID int64, per utils.Period) ([]*models.Contract, error) {
	start, end := per.Range()
	endInclusive := end.AddDate(0, 0, -1)

	rows, err := s.db.Query(`
		SELECT id, label_id, scope, COALESCE(artist_id, 0), COALESCE(release_id, 0), basis,
			effective_from, COALESCE(effective_to, '')
		FROM contracts
		WHERE label_id = ? AND effective_from <= ?
			AND (effective_to IS NULL OR effective_to = '' OR effective_to >= ?)`,
		labelID, endInclusive.Format("2006-01-02"), start.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("loading contracts: %w", err)
	}
	defer rows.Close()

	var contracts []*models.Contract
	for rows.Next() {
		var c models.Contract
		var fromStr, toStr string
		if err := rows.Scan(&c.ID, &c.LabelID, &c.Scope, &c.ArtistID, &c.ReleaseID, &c.Basis, &fromStr, &toStr); err != nil {
			return nil, err
		}
		c.EffectiveFrom, _ = time.Parse("2006-01-02", fromStr)
		if toStr != "" {
			c.EffectiveTo, _ = time.Parse("2006-01-02", toStr)
		}
		contracts = append(contracts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range contracts {
		partyRows, err := s.db.Query(`
			SELECT id, contract_id, payee, rate_percent FROM contract_parties WHERE contract_id = ? ORDER BY id`, c.ID)
		if err != nil {
			return nil, fmt.Errorf("loading parties for contract %d: %w", c.ID, err)
		}
		for partyRows.Next() {
			var p models.ContractParty
			var rateStr string
			if err := partyRows.Scan(&p.ID, &p.ContractID, &p.Payee, &rateStr); err != nil {
				partyRows.Close()
				return nil, err
			}
			if p.RatePercent, err = decimal.NewFromString(rateStr); err != nil {
				partyRows.Close()
				return nil, fmt.Errorf("corrupt rate %q on contract %d: %w", rateStr, c.ID, err)
			}
			c.Parties = append(c.Parties, p)
		}
		if err := partyRows.Err(); err != nil {
			partyRows.Close()
			return nil, err
		}
		partyRows.Close()
	}
	return contracts, nil
}

// checkOverlaps rejects two contracts claiming the same scope target. This
// is a configuration error surfaced before computation, never resolved by
// first-match-wins.
func checkOverlaps(contracts []*models.Contract) error {
	seen := make(map[string]int64)
	for _, c := range contracts {
		key := fmt.Sprintf("%s|%d|%d", c.Scope, c.ArtistID, c.ReleaseID)
		if otherID, dup := seen[key]; dup {
			return fmt.Errorf("%w: contracts %d and %d both cover scope %s", ErrOverlappingContracts, otherID, c.ID, c.Scope)
		}
		seen[key] = c.ID
	}
	return nil
}
