package registry

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/royaltyledger/src/logger"
	"github.com/username/royaltyledger/src/models"
)

// ErrRateNotFound is returned when no FX rate exists within the lookback
// window. Callers must hold the affected row, never default the rate.
var ErrRateNotFound = errors.New("fx rate not found")

const dimensionCacheExpiration = cache.NoExpiration

// Registry owns the append-only dimension lookups (Platform, Store, Country)
// and the FX rate table. Dimension writes are create-on-miss and logged for
// review; nothing is ever updated or deleted.
type Registry struct {
	db           *sql.DB
	baseCurrency string
	lookbackDays int
	lookups      *cache.Cache
}

func NewRegistry(db *sql.DB, baseCurrency string, lookbackDays int) *Registry {
	return &Registry{
		db:           db,
		baseCurrency: strings.ToUpper(baseCurrency),
		lookbackDays: lookbackDays,
		lookups:      cache.New(cache.NoExpiration, 0),
	}
}

func (r *Registry) BaseCurrency() string { return r.baseCurrency }

// EnsurePlatform resolves a platform name to its id, creating the dimension
// row on first sight. Lookup is case-insensitive.
func (r *Registry) EnsurePlatform(name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("platform name is empty")
	}
	cacheKey := "platform|" + strings.ToLower(name)
	if id, found := r.lookups.Get(cacheKey); found {
		return id.(int64), nil
	}

	var id int64
	err := r.db.QueryRow(`SELECT id FROM platforms WHERE name = ? COLLATE NOCASE`, name).Scan(&id)
	if err == sql.ErrNoRows {
		res, insErr := r.db.Exec(`INSERT INTO platforms (name, vendor_key) VALUES (?, ?)`,
			name, strings.ToLower(strings.ReplaceAll(name, " ", "_")))
		if insErr != nil {
			return 0, fmt.Errorf("creating platform %q: %w", name, insErr)
		}
		id, _ = res.LastInsertId()
		logger.L.Warn("Created new platform dimension, review for typos", "platform", name, "id", id)
	} else if err != nil {
		return 0, fmt.Errorf("looking up platform %q: %w", name, err)
	}

	r.lookups.Set(cacheKey, id, dimensionCacheExpiration)
	return id, nil
}

// EnsureStore resolves a store under a platform; empty store names resolve
// to 0 (the event simply has no store dimension).
func (r *Registry) EnsureStore(platformID int64, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, nil
	}
	cacheKey := fmt.Sprintf("store|%d|%s", platformID, strings.ToLower(name))
	if id, found := r.lookups.Get(cacheKey); found {
		return id.(int64), nil
	}

	var id int64
	err := r.db.QueryRow(`SELECT id FROM stores WHERE platform_id = ? AND name = ? COLLATE NOCASE`, platformID, name).Scan(&id)
	if err == sql.ErrNoRows {
		res, insErr := r.db.Exec(`INSERT INTO stores (platform_id, name) VALUES (?, ?)`, platformID, name)
		if insErr != nil {
			return 0, fmt.Errorf("creating store %q: %w", name, insErr)
		}
		id, _ = res.LastInsertId()
		logger.L.Warn("Created new store dimension, review for typos", "store", name, "platformID", platformID, "id", id)
	} else if err != nil {
		return 0, fmt.Errorf("looking up store %q: %w", name, err)
	}

	r.lookups.Set(cacheKey, id, dimensionCacheExpiration)
	return id, nil
}

// EnsureCountry resolves an ISO-3166 alpha-2 code; empty codes resolve to 0.
func (r *Registry) EnsureCountry(iso2 string) (int64, error) {
	iso2 = strings.ToUpper(strings.TrimSpace(iso2))
	if iso2 == "" {
		return 0, nil
	}
	if len(iso2) != 2 {
		return 0, fmt.Errorf("invalid country code %q", iso2)
	}
	cacheKey := "country|" + iso2
	if id, found := r.lookups.Get(cacheKey); found {
		return id.(int64), nil
	}

	var id int64
	err := r.db.QueryRow(`SELECT id FROM countries WHERE iso2 = ? COLLATE NOCASE`, iso2).Scan(&id)
	if err == sql.ErrNoRows {
		res, insErr := r.db.Exec(`INSERT INTO countries (iso2) VALUES (?)`, iso2)
		if insErr != nil {
			return 0, fmt.Errorf("creating country %q: %w", iso2, insErr)
		}
		id, _ = res.LastInsertId()
		logger.L.Warn("Created new country dimension", "iso2", iso2, "id", id)
	} else if err != nil {
		return 0, fmt.Errorf("looking up country %q: %w", iso2, err)
	}

	r.lookups.Set(cacheKey, id, dimensionCacheExpiration)
	return id, nil
}

// Rate returns the conversion rate into the base currency for the nearest
// date not after `on`, bounded by the lookback window. The base currency
// itself always converts at exactly 1, regardless of table contents.
func (r *Registry) Rate(currency string, on time.Time) (decimal.Decimal, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == r.baseCurrency {
		return decimal.NewFromInt(1), nil
	}

	onStr := on.Format("2006-01-02")
	cacheKey := "fx|" + currency + "|" + onStr
	if v, found := r.lookups.Get(cacheKey); found {
		return v.(decimal.Decimal), nil
	}

	floor := on.AddDate(0, 0, -r.lookbackDays).Format("2006-01-02")
	var rateStr, asOf string
	err := r.db.QueryRow(`
		SELECT rate, as_of_date FROM fx_rates
		WHERE currency = ? AND base_currency = ? AND as_of_date <= ? AND as_of_date >= ?
		ORDER BY as_of_date DESC LIMIT 1`,
		currency, r.baseCurrency, onStr, floor).Scan(&rateStr, &asOf)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("%w: %s on %s (lookback %d days)", ErrRateNotFound, currency, onStr, r.lookbackDays)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("looking up fx rate %s/%s: %w", currency, r.baseCurrency, err)
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stored fx rate %q for %s on %s: %w", rateStr, currency, asOf, err)
	}
	r.lookups.Set(cacheKey, rate, 1*time.Hour)
	return rate, nil
}

// AddRate upserts one observation. Re-loading the same rate file is a no-op.
func (r *Registry) AddRate(currency string, asOf time.Time, rate decimal.Decimal) error {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if rate.Sign() <= 0 {
		return fmt.Errorf("fx rate for %s must be positive, got %s", currency, rate)
	}
	_, err := r.db.Exec(`
		INSERT INTO fx_rates (currency, base_currency, as_of_date, rate) VALUES (?, ?, ?, ?)
		ON CONFLICT(currency, base_currency, as_of_date) DO UPDATE SET rate = excluded.rate`,
		currency, r.baseCurrency, asOf.Format("2006-01-02"), rate.String())
	if err != nil {
		return fmt.Errorf("storing fx rate %s/%s: %w", currency, r.baseCurrency, err)
	}
	return nil
}

// LoadHistoricalRates imports the bundled ECB observation dump into fx_rates.
// Returns the number of observations stored.
func (r *Registry) LoadHistoricalRates(filePath string) (int, error) {
	logger.L.Info("Loading historical exchange rates", "path", filePath)
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("error reading historical exchange rate file '%s': %w", filePath, err)
	}

	var rates models.HistoricalRates
	if err := json.Unmarshal(raw, &rates); err != nil {
		return 0, fmt.Errorf("error unmarshalling historical exchange rates from '%s': %w", filePath, err)
	}

	loaded := 0
	for _, obs := range rates.Root.Obs {
		asOf, err := time.Parse("2006-01-02", obs.TimePeriod)
		if err != nil {
			logger.L.Warn("Skipping observation with invalid date", "date", obs.TimePeriod, "currency", obs.Ccy)
			continue
		}
		rate, err := decimal.NewFromString(obs.ObsValue)
		if err != nil {
			logger.L.Warn("Skipping observation with invalid value", "value", obs.ObsValue, "currency", obs.Ccy)
			continue
		}
		if err := r.AddRate(obs.Ccy, asOf, rate); err != nil {
			return loaded, err
		}
		loaded++
	}
	logger.L.Info("Historical exchange rates loaded", "path", filePath, "observationCount", loaded)
	return loaded, nil
}

// LoadRatesCSV imports rates from a currency,date,rate CSV. A header line is
// detected and skipped. Returns the number of rates stored.
func (r *Registry) LoadRatesCSV(filePath string) (int, error) {
	logger.L.Info("Loading exchange rates from CSV", "path", filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("error opening exchange rate file '%s': %w", filePath, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 3

	loaded := 0
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return loaded, fmt.Errorf("error reading exchange rate CSV '%s' line %d: %w", filePath, line, err)
		}
		asOf, err := time.Parse("2006-01-02", strings.TrimSpace(record[1]))
		if err != nil {
			if line == 1 {
				continue // header
			}
			return loaded, fmt.Errorf("invalid date %q on line %d of '%s'", record[1], line, filePath)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(record[2]))
		if err != nil {
			return loaded, fmt.Errorf("invalid rate %q on line %d of '%s'", record[2], line, filePath)
		}
		if err := r.AddRate(record[0], asOf, rate); err != nil {
			return loaded, err
		}
		loaded++
	}
	logger.L.Info("Exchange rates loaded from CSV", "path", filePath, "rateCount", loaded)
	return loaded, nil
}
