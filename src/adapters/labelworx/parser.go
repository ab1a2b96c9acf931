package labelworx

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/royaltyledger/src/models"
)

const adapterVersion = "labelworx/1"

// Parser reads Labelworx royalty statements: comma-delimited CSV with dot
// decimals, one row per store/track. The statement reports no per-row date,
// so every row is stamped with the covered period's first day. Royalty is
// the label's net share, Value the gross store receipt; both are EUR.
type Parser struct {
	periodStart time.Time
}

func NewParser(periodStart time.Time) *Parser {
	return &Parser{periodStart: periodStart}
}

func (p *Parser) Version() string { return adapterVersion }

func (p *Parser) DetailColumns() int { return 9 }

func (p *Parser) Parse(file io.Reader) ([]models.CanonicalRow, []models.RowError, error) {
	if p.periodStart.IsZero() {
		return nil, nil, fmt.Errorf("labelworx adapter: period start date is required")
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("labelworx adapter: failed to read CSV header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"store name", "track artist", "track title", "qty", "royalty"} {
		if _, ok := idx[required]; !ok {
			return nil, nil, fmt.Errorf("labelworx adapter: missing required column %q", required)
		}
	}

	var rows []models.CanonicalRow
	var rejects []models.RowError
	lineNo := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("malformed CSV record: %v", err)})
			continue
		}

		field := func(name string) string {
			i, ok := idx[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		quantity, err := strconv.Atoi(firstNonEmpty(field("qty"), "0"))
		if err != nil || quantity < 0 {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid quantity %q", field("qty"))})
			continue
		}

		net, err := parseAmount(field("royalty"))
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid royalty %q", field("royalty"))})
			continue
		}
		gross, err := parseAmount(firstNonEmpty(field("value"), "0"))
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid value %q", field("value"))})
			continue
		}

		title := field("track title")
		if mix := field("mix name"); mix != "" && !strings.EqualFold(mix, "original mix") {
			title = title + " (" + mix + ")"
		}

		payloadMap := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				payloadMap[name] = record[i]
			}
		}
		payload, _ := json.Marshal(payloadMap)

		rows = append(rows, models.CanonicalRow{
			LineNo:        lineNo,
			TrackArtist:   field("track artist"),
			TrackTitle:    title,
			ISRC:          field("isrc"),
			CatalogNumber: field("catalog"),
			PlatformName:  "Labelworx",
			StoreName:     field("store name"),
			Quantity:      quantity,
			GrossAmount:   gross,
			HasGross:      field("value") != "",
			NetAmount:     net,
			CurrencyCode:  "EUR",
			OccurredOn:    p.periodStart,
			RawPayload:    string(payload),
		})
	}

	return rows, rejects, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer("€", "", "£", "", ",", "", " ", "").Replace(s)
	if cleaned == "" {
		cleaned = "0"
	}
	return decimal.NewFromString(cleaned)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
