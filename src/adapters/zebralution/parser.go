package zebralution

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/username/royaltyledger/src/models"
	"golang.org/x/text/encoding/charmap"
)

const adapterVersion = "zebralution/1"

// Parser reads Zebralution royalty statements: semicolon-delimited CSV,
// comma-as-decimal numbers ("1.234,56" is 1234.56), Latin-1 or UTF-8
// encoding, one row per shop/track/period. Everything is reported in EUR.
//
// A single export can stack a summary block on top of the royalty detail
// block, each with its own header line; the detail section (the header with
// the most columns) is the one parsed.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

func (p *Parser) Version() string { return adapterVersion }

func (p *Parser) DetailColumns() int { return 11 }

func (p *Parser) Parse(file io.Reader) ([]models.CanonicalRow, []models.RowError, error) {
	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, fmt.Errorf("zebralution adapter: failed to read input: %w", err)
	}
	text, err := decodeStatement(raw)
	if err != nil {
		return nil, nil, err
	}

	section, headerOffset, err := selectDetailSection(text)
	if err != nil {
		return nil, nil, err
	}

	reader := csv.NewReader(strings.NewReader(section))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("zebralution adapter: failed to read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"period", "artist", "title", "sales"} {
		if _, ok := idx[required]; !ok {
			return nil, nil, fmt.Errorf("zebralution adapter: missing required column %q", required)
		}
	}

	var rows []models.CanonicalRow
	var rejects []models.RowError
	lineNo := headerOffset
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

		occurredOn, err := parsePeriodMonth(field("period"))
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: err.Error()})
			continue
		}

		quantity, err := parseEuropeanInt(field("sales"))
		if err != nil || quantity < 0 {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid sales count %q", field("sales"))})
			continue
		}

		gross, err := parseEuropeanDecimal(field("revenue-eur"))
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid revenue %q", field("revenue-eur"))})
			continue
		}
		net, err := parseEuropeanDecimal(field("rev.less publ.eur"))
		if err != nil {
			rejects = append(rejects, models.RowError{Line: lineNo, Reason: fmt.Sprintf("invalid net revenue %q", field("rev.less publ.eur"))})
			continue
		}
		// Some shops report no publisher deduction; the net column is then
		// zero while revenue is not.
		if net.IsZero() && !gross.IsZero() {
			net = gross
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
			TrackArtist:   field("artist"),
			TrackTitle:    field("title"),
			ISRC:          field("isrc"),
			CatalogNumber: field("label order-nr"),
			PlatformName:  firstNonEmpty(field("provider"), "Zebralution"),
			StoreName:     field("shop"),
			CountryCode:   strings.ToUpper(field("country")),
			Quantity:      quantity,
			GrossAmount:   gross,
			HasGross:      true,
			NetAmount:     net,
			CurrencyCode:  "EUR",
			OccurredOn:    occurredOn,
			RawPayload:    string(payload),
		})
	}

	return rows, rejects, nil
}

// decodeStatement returns the statement text as UTF-8, decoding from Latin-1
// when the bytes are not valid UTF-8.
func decodeStatement(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF}) // UTF-8 BOM
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("zebralution adapter: failed to decode Latin-1 input: %w", err)
	}
	return string(decoded), nil
}

// selectDetailSection splits the statement at header lines and returns the
// section whose header carries the most columns, preferring detail over
// summary blocks. The returned offset is the 1-based line number of the
// chosen header, to keep reject line numbers aligned with the source file.
func selectDetailSection(text string) (string, int, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	type section struct {
		headerLine int // 0-based
		columns    int
	}
	var sections []section
	for i, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(line, ";") && strings.Contains(lower, "period") {
			sections = append(sections, section{headerLine: i, columns: strings.Count(line, ";") + 1})
		}
	}
	if len(sections) == 0 {
		return "", 0, fmt.Errorf("zebralution adapter: no statement header found")
	}

	best := sections[0]
	for _, s := range sections[1:] {
		if s.columns > best.columns {
			best = s
		}
	}

	end := len(lines)
	for _, s := range sections {
		if s.headerLine > best.headerLine && s.headerLine < end {
			end = s.headerLine
		}
	}
	return strings.Join(lines[best.headerLine:end], "\n"), best.headerLine + 1, nil
}

// parseEuropeanDecimal parses comma-as-decimal numbers: dots and non-breaking
// spaces are thousands separators, the comma is the decimal mark.
func parseEuropeanDecimal(s string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(" ", "", " ", "", ".", "", "€", "").Replace(s)
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" {
		cleaned = "0"
	}
	return decimal.NewFromString(cleaned)
}

func parseEuropeanInt(s string) (int, error) {
	d, err := parseEuropeanDecimal(s)
	if err != nil {
		return 0, err
	}
	return int(d.IntPart()), nil
}

// parsePeriodMonth converts the statement's "YYYY-MM" period column to the
// first day of that month.
func parsePeriodMonth(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing period")
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		return t, nil
	}
	// Some exports write "MM/YYYY".
	if parts := strings.Split(s, "/"); len(parts) == 2 {
		month, errM := strconv.Atoi(parts[0])
		year, errY := strconv.Atoi(parts[1])
		if errM == nil && errY == nil && month >= 1 && month <= 12 {
			return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid period %q", s)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
