package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port         string
	DatabasePath string
	LogLevel     string

	// BaseCurrency is the currency every ledger amount is converted into.
	BaseCurrency string

	// FxLookbackDays bounds the nearest-rate-not-after search. A row whose
	// event date has no rate within this window is held, never defaulted.
	FxLookbackDays int

	// RejectThresholdPct fails canonicalization of a whole file when the
	// adapter rejects more than this percentage of its rows.
	RejectThresholdPct int

	HistoricalFxPath string
	StatementsRoot   string
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	Cfg = &AppConfig{
		Port:               getEnv("PORT", "8080"),
		DatabasePath:       getEnv("DATABASE_PATH", "./royaltyledger.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		BaseCurrency:       getEnv("BASE_CURRENCY", "EUR"),
		FxLookbackDays:     getEnvAsInt("FX_LOOKBACK_DAYS", 90),
		RejectThresholdPct: getEnvAsInt("REJECT_THRESHOLD_PCT", 10),
		HistoricalFxPath:   getEnv("HISTORICAL_FX_PATH", "data/historicalExchangeRate.json"),
		StatementsRoot:     getEnv("STATEMENTS_ROOT", "statements"),
	}

	if Cfg.FxLookbackDays <= 0 {
		log.Printf("WARNING: FX_LOOKBACK_DAYS must be positive, got %d. Using default 90.", Cfg.FxLookbackDays)
		Cfg.FxLookbackDays = 90
	}
	if Cfg.RejectThresholdPct < 0 || Cfg.RejectThresholdPct > 100 {
		log.Printf("WARNING: REJECT_THRESHOLD_PCT must be 0-100, got %d. Using default 10.", Cfg.RejectThresholdPct)
		Cfg.RejectThresholdPct = 10
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, BaseCurrency=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.BaseCurrency)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Integer value for %s not set or empty, using default: %d", key, fallback)
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}
