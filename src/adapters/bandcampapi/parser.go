package bandcampapi

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/royaltyledger/src/models"
)

const adapterVersion = "bandcamp_api/1"

// saleItem is one entry of the sales-report payload pulled from the
// direct-sales API. A pull window is treated as a virtual statement file.
type saleItem struct {
	Date              string          `json:"date"`
	ItemType          string          `json:"item_type"`
	ItemName          string          `json:"item_name"`
	Artist            string          `json:"artist"`
	Currency          string          `json:"currency"`
	Quantity          int             `json:"quantity"`
	ItemTotal         decimal.Decimal `json:"item_total"`
	AmountYouReceived decimal.Decimal `json:"amount_you_received"`
	CountryCode       string          `json:"country_code"`
}

// Parser reads the JSON payload of one direct-sales API pull window.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

func (p *Parser) Version() string { return adapterVersion }

func (p *Parser) DetailColumns() int { return 9 }

func (p *Parser) Parse(file io.Reader) ([]models.CanonicalRow, []models.RowError, error) {
	var items []saleItem
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&items); err != nil {
		return nil, nil, fmt.Errorf("bandcamp api adapter: failed to decode JSON payload: %w", err)
	}

	var rows []models.CanonicalRow
	var rejects []models.RowError
	for i, item := range items {
		lineNo := i + 1 // array index stands in for the source line

		occurredOn, err := parseAPIDate(item.Date)
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: err.Error()})
			continue
		}
		if item.Quantity < 0 {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("negative quantity %d", item.Quantity)})
			continue
		}
		currency := strings.ToUpper(strings.TrimSpace(item.Currency))
		if currency == "" {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: "missing currency"})
			continue
		}

		payload, _ := json.Marshal(item)
		rows = append(rows, models.CanonicalRow{
			LineNo:       lineNo,
			TrackArtist:  item.Artist,
			TrackTitle:   item.ItemName,
			PlatformName: "Bandcamp",
			CountryCode:  strings.ToUpper(strings.TrimSpace(item.CountryCode)),
			Quantity:     item.Quantity,
			GrossAmount:  item.ItemTotal,
			HasGross:     true,
			NetAmount:    item.AmountYouReceived,
			CurrencyCode: currency,
			OccurredOn:   occurredOn,
			RawPayload:   string(payload),
		})
	}

	return rows, rejects, nil
}

func parseAPIDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing date")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(24 * time.Hour), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
