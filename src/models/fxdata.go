package models

// HistoricalRates is the on-disk shape of the bundled ECB observation dump
// (data/historicalExchangeRate.json). Each observation is one currency/date
// pair quoted against the base currency.
type HistoricalRates struct {
	Root struct {
		Obs []HistoricalObservation `json:"Obs"`
	} `json:"root"`
}

type HistoricalObservation struct {
	TimePeriod string `json:"TIME_PERIOD"` // YYYY-MM-DD
	Ccy        string `json:"CCY"`
	ObsValue   string `json:"OBS_VALUE"`
}
