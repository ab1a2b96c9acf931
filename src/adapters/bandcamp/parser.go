package bandcamp

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

const adapterVersion = "bandcamp/1"

// Header names of the Bandcamp raw sales export. Amounts use dot decimals
// and may carry a leading currency symbol.
const (
	colDate      = "date"
	colItemType  = "item type"
	colItemName  = "item name"
	colArtist    = "artist"
	colCurrency  = "currency"
	colQuantity  = "quantity"
	colItemTotal = "item total"
	colNetAmount = "amount you received"
	colCountry   = "ship from country name"
)

// Parser reads the Bandcamp direct-sales CSV export.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

func (p *Parser) Version() string { return adapterVersion }

// DetailColumns counts the per-sale fields extracted into canonical rows.
func (p *Parser) DetailColumns() int { return 8 }

func (p *Parser) Parse(file io.Reader) ([]models.CanonicalRow, []models.RowError, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("bandcamp adapter: failed to read CSV header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colDate, colItemName, colCurrency, colQuantity, colNetAmount} {
		if _, ok := idx[required]; !ok {
			return nil, nil, fmt.Errorf("bandcamp adapter: missing required column %q", required)
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

		// Payout and pending-payout pseudo-rows carry no sale economics.
		itemType := strings.ToLower(field(colItemType))
		if itemType == "payout" || itemType == "pending payout" {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: "payout pseudo-row, not a sale"})
			continue
		}

		occurredOn, err := parseDate(field(colDate))
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: err.Error()})
			continue
		}

		quantity, err := strconv.Atoi(firstNonEmpty(field(colQuantity), "0"))
		if err != nil || quantity < 0 {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid quantity %q", field(colQuantity))})
			continue
		}

		currency := strings.ToUpper(field(colCurrency))
		if currency == "" {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: "missing currency"})
			continue
		}

		net, err := parseAmount(field(colNetAmount))
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid net amount %q", field(colNetAmount))})
			continue
		}
		gross, err := parseAmount(firstNonEmpty(field(colItemTotal), "0"))
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid item total %q", field(colItemTotal))})
			continue
		}

		payload, _ := json.Marshal(map[string]string{
			"date": field(colDate), "item type": field(colItemType),
			"item name": field(colItemName), "artist": field(colArtist),
			"currency": field(colCurrency), "quantity": field(colQuantity),
			"item total": field(colItemTotal), "amount you received": field(colNetAmount),
		})

		rows = append(rows, models.CanonicalRow{
			LineNo:       lineNo,
			TrackArtist:  field(colArtist),
			TrackTitle:   field(colItemName),
			PlatformName: "Bandcamp",
			CountryCode:  countryToISO2(field(colCountry)),
			Quantity:     quantity,
			GrossAmount:  gross,
			HasGross:     true,
			NetAmount:    net,
			CurrencyCode: currency,
			OccurredOn:   occurredOn,
			RawPayload:   string(payload),
		})
	}

	return rows, rejects, nil
}

// parseDate handles Bandcamp's "M/D/YYYY HH:MM:SS am/pm TZ" timestamps; only
// the date part is economically meaningful.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing date")
	}
	datePart := strings.Fields(s)[0]
	t, err := time.Parse("1/2/2006", datePart)
	if err != nil {
		t, err = time.Parse("2006-01-02", datePart)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// parseAmount strips currency symbols and thousands commas; Bandcamp uses
// dot-as-decimal ("$1,234.56" is one-thousand-two-hundred-thirty-four).
func parseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
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

// countryToISO2 maps the few country names Bandcamp spells out; anything
// unrecognized passes through empty and stays an unresolved dimension.
func countryToISO2(name string) string {
	switch strings.ToLower(name) {
	case "united states":
		return "US"
	case "united kingdom":
		return "GB"
	case "germany":
		return "DE"
	case "france":
		return "FR"
	case "brazil":
		return "BR"
	case "":
		return ""
	default:
		if len(name) == 2 {
			return strings.ToUpper(name)
		}
		return ""
	}
}
