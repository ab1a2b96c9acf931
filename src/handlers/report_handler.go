package handlers

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/royaltyledger/src/logger"
	"github.com/username/royaltyledger/src/utils"
)

// ReportHandler serves read-only views over the ledger. Every endpoint
// reports from active (non-superseded) source files only; aggregates are
// cached briefly since the ledger only changes on ingestion runs.
type ReportHandler struct {
	db    *sql.DB
	cache *cache.Cache
}

func NewReportHandler(db *sql.DB, reportCache *cache.Cache) *ReportHandler {
	return &ReportHandler{db: db, cache: reportCache}
}

// RevenueGroup is one aggregate row of a revenue report.
type RevenueGroup struct {
	Key        string          `json:"key"`
	Events     int             `json:"events"`
	Quantity   int             `json:"quantity"`
	AmountBase decimal.Decimal `json:"amount_base"`
}

// RevenueReport is the payload of HandleRevenue. Costs is the cost-ledger
// sum (refunds, chargebacks) over the same window; Net is Total minus Costs.
type RevenueReport struct {
	LabelID  int64           `json:"label_id"`
	Period   string          `json:"period,omitempty"`
	GroupBy  string          `json:"group_by"`
	Total    decimal.Decimal `json:"total"`
	Costs    decimal.Decimal `json:"costs"`
	Net      decimal.Decimal `json:"net"`
	Unlinked decimal.Decimal `json:"unlinked"` // included in Total, broken out for review
	Groups   []RevenueGroup  `json:"groups"`
}

var groupColumns = map[string]string{
	"platform": "COALESCE(p.name, '')",
	"country":  "COALESCE(c.iso2, '')",
	"artist":   "COALESCE(re.track_artist, '')",
	"release":  "COALESCE(r.catalog_number, re.catalog_number, '')",
	"month":    "printf('%04d-%02d', re.year, re.month)",
}

// HandleRevenue returns revenue aggregated by platform, country, artist,
// release or month. Unlinked events are counted in the totals; exclusion
// from payouts is a payout-engine rule, not a reporting one.
func (h *ReportHandler) HandleRevenue(w http.ResponseWriter, r *http.Request) {
	labelID, err := strconv.ParseInt(chi.URLParam(r, "labelID"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid label id", http.StatusBadRequest)
		return
	}
	groupBy := r.URL.Query().Get("group")
	if groupBy == "" {
		groupBy = "platform"
	}
	groupCol, ok := groupColumns[groupBy]
	if !ok {
		utils.SendJSONError(w, fmt.Sprintf("unknown group %q", groupBy), http.StatusBadRequest)
		return
	}
	periodFilter, per, err := periodFromQuery(r)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cacheKey := fmt.Sprintf("revenue|%d|%s|%s", labelID, periodFilter, groupBy)
	if cached, found := h.cache.Get(cacheKey); found {
		utils.SendJSON(w, http.StatusOK, cached)
		return
	}

	query := fmt.Sprintf(`
		SELECT %s AS grp, COUNT(*), COALESCE(SUM(re.quantity), 0),
			COALESCE(SUM(CAST(re.amount_base AS REAL)), 0)
		FROM revenue_events re
		JOIN source_files sf ON sf.id = re.source_file_id
		LEFT JOIN platforms p ON p.id = re.platform_id
		LEFT JOIN countries c ON c.id = re.country_id
		LEFT JOIN releases r ON r.id = re.release_id
		WHERE sf.label_id = ? AND sf.superseded_by = 0 %s
		GROUP BY grp ORDER BY SUM(CAST(re.amount_base AS REAL)) DESC`, groupCol, periodClause(per))

	args := []interface{}{labelID}
	if per != nil {
		args = append(args, per.Year, per.Quarter)
	}
	rows, err := h.db.Query(query, args...)
	if err != nil {
		logger.L.Error("revenue report query failed", "labelID", labelID, "error", err)
		utils.SendJSONError(w, "failed to build revenue report", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	report := RevenueReport{LabelID: labelID, Period: periodFilter, GroupBy: groupBy,
		Total: decimal.Zero, Unlinked: decimal.Zero}
	for rows.Next() {
		var g RevenueGroup
		var amount float64
		if err := rows.Scan(&g.Key, &g.Events, &g.Quantity, &amount); err != nil {
			utils.SendJSONError(w, "failed to build revenue report", http.StatusInternalServerError)
			return
		}
		// Sums are re-read as exact decimals for presentation; stored amounts
		// have at most six fractional digits so the float detour is safe here.
		g.AmountBase = decimal.NewFromFloat(amount).Round(6)
		report.Total = report.Total.Add(g.AmountBase)
		report.Groups = append(report.Groups, g)
	}
	if err := rows.Err(); err != nil {
		utils.SendJSONError(w, "failed to build revenue report", http.StatusInternalServerError)
		return
	}

	unlinked, err := h.unlinkedTotal(labelID, per)
	if err != nil {
		logger.L.Error("unlinked total query failed", "labelID", labelID, "error", err)
		utils.SendJSONError(w, "failed to build revenue report", http.StatusInternalServerError)
		return
	}
	report.Unlinked = unlinked

	costs, err := h.costsTotal(labelID, per)
	if err != nil {
		logger.L.Error("costs total query failed", "labelID", labelID, "error", err)
		utils.SendJSONError(w, "failed to build revenue report", http.StatusInternalServerError)
		return
	}
	report.Costs = costs
	report.Net = report.Total.Sub(costs)

	h.cache.Set(cacheKey, report, cache.DefaultExpiration)
	utils.SendJSON(w, http.StatusOK, report)
}

// UnlinkedEvent is one ledger entry that matched no catalog track or release.
type UnlinkedEvent struct {
	ID          int64           `json:"id"`
	TrackArtist string          `json:"track_artist"`
	TrackTitle  string          `json:"track_title"`
	ISRC        string          `json:"isrc,omitempty"`
	Catalog     string          `json:"catalog_number,omitempty"`
	OccurredOn  string          `json:"occurred_on"`
	AmountBase  decimal.Decimal `json:"amount_base"`
}

// HandleUnlinked lists events awaiting catalog links so an operator can fix
// the catalog and run a relink pass.
func (h *ReportHandler) HandleUnlinked(w http.ResponseWriter, r *http.Request) {
	labelID, err := strconv.ParseInt(chi.URLParam(r, "labelID"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid label id", http.StatusBadRequest)
		return
	}
	_, per, err := periodFromQuery(r)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := fmt.Sprintf(`
		SELECT re.id, COALESCE(re.track_artist, ''), COALESCE(re.track_title, ''),
			COALESCE(re.isrc, ''), COALESCE(re.catalog_number, ''), re.occurred_on, re.amount_base
		FROM revenue_events re
		JOIN source_files sf ON sf.id = re.source_file_id
		WHERE sf.label_id = ? AND sf.superseded_by = 0
			AND re.track_id IS NULL AND re.release_id IS NULL %s
		ORDER BY re.occurred_on, re.id`, periodClause(per))

	args := []interface{}{labelID}
	if per != nil {
		args = append(args, per.Year, per.Quarter)
	}
	rows, err := h.db.Query(query, args...)
	if err != nil {
		logger.L.Error("unlinked report query failed", "labelID", labelID, "error", err)
		utils.SendJSONError(w, "failed to list unlinked events", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	events := []UnlinkedEvent{}
	for rows.Next() {
		var e UnlinkedEvent
		var amountStr string
		if err := rows.Scan(&e.ID, &e.TrackArtist, &e.TrackTitle, &e.ISRC, &e.Catalog, &e.OccurredOn, &amountStr); err != nil {
			utils.SendJSONError(w, "failed to list unlinked events", http.StatusInternalServerError)
			return
		}
		e.AmountBase, _ = decimal.NewFromString(amountStr)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		utils.SendJSONError(w, "failed to list unlinked events", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, http.StatusOK, events)
}

// HandlePayoutRuns lists the runs for a label, newest first.
func (h *ReportHandler) HandlePayoutRuns(w http.ResponseWriter, r *http.Request) {
	labelID, err := strconv.ParseInt(chi.URLParam(r, "labelID"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid label id", http.StatusBadRequest)
		return
	}
	rows, err := h.db.Query(`
		SELECT id, period, status, base_currency, generated_at, total_amount
		FROM payout_runs WHERE label_id = ? ORDER BY id DESC`, labelID)
	if err != nil {
		logger.L.Error("payout run list query failed", "labelID", labelID, "error", err)
		utils.SendJSONError(w, "failed to list payout runs", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type runRow struct {
		ID           int64           `json:"id"`
		Period       string          `json:"period"`
		Status       string          `json:"status"`
		BaseCurrency string          `json:"base_currency"`
		GeneratedAt  string          `json:"generated_at"`
		TotalAmount  decimal.Decimal `json:"total_amount"`
	}
	runs := []runRow{}
	for rows.Next() {
		var rr runRow
		var totalStr string
		if err := rows.Scan(&rr.ID, &rr.Period, &rr.Status, &rr.BaseCurrency, &rr.GeneratedAt, &totalStr); err != nil {
			utils.SendJSONError(w, "failed to list payout runs", http.StatusInternalServerError)
			return
		}
		rr.TotalAmount, _ = decimal.NewFromString(totalStr)
		runs = append(runs, rr)
	}
	if err := rows.Err(); err != nil {
		utils.SendJSONError(w, "failed to list payout runs", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, http.StatusOK, runs)
}

// HandlePayoutRun returns one run with its lines.
func (h *ReportHandler) HandlePayoutRun(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid run id", http.StatusBadRequest)
		return
	}

	type lineRow struct {
		Payee             string          `json:"payee"`
		ContractID        int64           `json:"contract_id"`
		GrossBasisAmount  decimal.Decimal `json:"gross_basis_amount"`
		RateApplied       decimal.Decimal `json:"rate_applied"`
		RecoupmentApplied decimal.Decimal `json:"recoupment_applied"`
		NetPayable        decimal.Decimal `json:"net_payable"`
	}
	type runDetail struct {
		ID           int64           `json:"id"`
		LabelID      int64           `json:"label_id"`
		Period       string          `json:"period"`
		Status       string          `json:"status"`
		BaseCurrency string          `json:"base_currency"`
		GeneratedAt  string          `json:"generated_at"`
		TotalAmount  decimal.Decimal `json:"total_amount"`
		Lines        []lineRow       `json:"lines"`
	}

	var detail runDetail
	var totalStr string
	err = h.db.QueryRow(`
		SELECT id, label_id, period, status, base_currency, generated_at, total_amount
		FROM payout_runs WHERE id = ?`, runID).
		Scan(&detail.ID, &detail.LabelID, &detail.Period, &detail.Status,
			&detail.BaseCurrency, &detail.GeneratedAt, &totalStr)
	if err == sql.ErrNoRows {
		utils.SendJSONError(w, "payout run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		utils.SendJSONError(w, "failed to load payout run", http.StatusInternalServerError)
		return
	}
	detail.TotalAmount, _ = decimal.NewFromString(totalStr)

	rows, err := h.db.Query(`
		SELECT payee, COALESCE(contract_id, 0), gross_basis_amount, rate_applied, recoupment_applied, net_payable
		FROM payout_lines WHERE payout_run_id = ? ORDER BY id`, runID)
	if err != nil {
		utils.SendJSONError(w, "failed to load payout run", http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	detail.Lines = []lineRow{}
	for rows.Next() {
		var l lineRow
		var basisStr, rateStr, recoupStr, netStr string
		if err := rows.Scan(&l.Payee, &l.ContractID, &basisStr, &rateStr, &recoupStr, &netStr); err != nil {
			utils.SendJSONError(w, "failed to load payout run", http.StatusInternalServerError)
			return
		}
		l.GrossBasisAmount, _ = decimal.NewFromString(basisStr)
		l.RateApplied, _ = decimal.NewFromString(rateStr)
		l.RecoupmentApplied, _ = decimal.NewFromString(recoupStr)
		l.NetPayable, _ = decimal.NewFromString(netStr)
		detail.Lines = append(detail.Lines, l)
	}
	if err := rows.Err(); err != nil {
		utils.SendJSONError(w, "failed to load payout run", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, http.StatusOK, detail)
}

// HandleRecoupment reports each payee's current signed balance.
func (h *ReportHandler) HandleRecoupment(w http.ResponseWriter, r *http.Request) {
	labelID, err := strconv.ParseInt(chi.URLParam(r, "labelID"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid label id", http.StatusBadRequest)
		return
	}
	rows, err := h.db.Query(`
		SELECT ra.payee, ra.opening_balance,
			COALESCE((SELECT SUM(CAST(e.delta AS REAL)) FROM recoupment_entries e WHERE e.account_id = ra.id), 0)
		FROM recoupment_accounts ra WHERE ra.label_id = ? ORDER BY ra.payee`, labelID)
	if err != nil {
		logger.L.Error("recoupment report query failed", "labelID", labelID, "error", err)
		utils.SendJSONError(w, "failed to build recoupment report", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type balanceRow struct {
		Payee          string          `json:"payee"`
		OpeningBalance decimal.Decimal `json:"opening_balance"`
		Balance        decimal.Decimal `json:"balance"`
	}
	balances := []balanceRow{}
	for rows.Next() {
		var b balanceRow
		var openingStr string
		var deltaSum float64
		if err := rows.Scan(&b.Payee, &openingStr, &deltaSum); err != nil {
			utils.SendJSONError(w, "failed to build recoupment report", http.StatusInternalServerError)
			return
		}
		b.OpeningBalance, _ = decimal.NewFromString(openingStr)
		b.Balance = b.OpeningBalance.Add(decimal.NewFromFloat(deltaSum).Round(6))
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		utils.SendJSONError(w, "failed to build recoupment report", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, http.StatusOK, balances)
}

// HandleStatements lists source files for a label with lineage state.
func (h *ReportHandler) HandleStatements(w http.ResponseWriter, r *http.Request) {
	labelID, err := strconv.ParseInt(chi.URLParam(r, "labelID"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid label id", http.StatusBadRequest)
		return
	}
	rows, err := h.db.Query(`
		SELECT sf.id, sf.source_kind, sf.period, sf.checksum, sf.statement_type,
			sf.superseded_by, sf.ingested_at,
			COALESCE(m.batch_id, ''), COALESCE(m.row_count, 0), COALESCE(m.rejected_count, 0)
		FROM source_files sf
		LEFT JOIN canonical_meta m ON m.source_file_id = sf.id
		WHERE sf.label_id = ? ORDER BY sf.id DESC`, labelID)
	if err != nil {
		logger.L.Error("statement list query failed", "labelID", labelID, "error", err)
		utils.SendJSONError(w, "failed to list statements", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type statementRow struct {
		ID            int64  `json:"id"`
		SourceKind    string `json:"source_kind"`
		Period        string `json:"period"`
		Checksum      string `json:"checksum"`
		StatementType string `json:"statement_type"`
		SupersededBy  int64  `json:"superseded_by,omitempty"`
		IngestedAt    string `json:"ingested_at"`
		BatchID       string `json:"batch_id,omitempty"`
		RowCount      int    `json:"row_count"`
		RejectedCount int    `json:"rejected_count"`
	}
	statements := []statementRow{}
	for rows.Next() {
		var s statementRow
		if err := rows.Scan(&s.ID, &s.SourceKind, &s.Period, &s.Checksum, &s.StatementType,
			&s.SupersededBy, &s.IngestedAt, &s.BatchID, &s.RowCount, &s.RejectedCount); err != nil {
			utils.SendJSONError(w, "failed to list statements", http.StatusInternalServerError)
			return
		}
		statements = append(statements, s)
	}
	if err := rows.Err(); err != nil {
		utils.SendJSONError(w, "failed to list statements", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, http.StatusOK, statements)
}

func (h *ReportHandler) unlinkedTotal(labelID int64, per *utils.Period) (decimal.Decimal, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(CAST(re.amount_base AS REAL)), 0)
		FROM revenue_events re
		JOIN source_files sf ON sf.id = re.source_file_id
		WHERE sf.label_id = ? AND sf.superseded_by = 0
			AND re.track_id IS NULL AND re.release_id IS NULL %s`, periodClause(per))
	args := []interface{}{labelID}
	if per != nil {
		args = append(args, per.Year, per.Quarter)
	}
	var total float64
	if err := h.db.QueryRow(query, args...).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(total).Round(6), nil
}

// costsTotal sums the cost ledger for the label. Cost events carry no
// year/quarter columns, so the period filter is an occurred_on range.
func (h *ReportHandler) costsTotal(labelID int64, per *utils.Period) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(CAST(ce.amount_base AS REAL)), 0)
		FROM cost_events ce
		JOIN source_files sf ON sf.id = ce.source_file_id
		WHERE sf.label_id = ? AND sf.superseded_by = 0`
	args := []interface{}{labelID}
	if per != nil {
		start, end := per.Range()
		query += " AND ce.occurred_on >= ? AND ce.occurred_on < ?"
		args = append(args, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	var total float64
	if err := h.db.QueryRow(query, args...).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(total).Round(6), nil
}

func periodFromQuery(r *http.Request) (string, *utils.Period, error) {
	raw := r.URL.Query().Get("period")
	if raw == "" {
		return "", nil, nil
	}
	per, err := utils.ParsePeriod(raw)
	if err != nil {
		return "", nil, err
	}
	return raw, &per, nil
}

func periodClause(per *utils.Period) string {
	if per == nil {
		return ""
	}
	return "AND re.year = ? AND re.quarter = ?"
}
