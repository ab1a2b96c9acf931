package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/royaltyledger/src/catalog"
	"github.com/username/royaltyledger/src/config"
	"github.com/username/royaltyledger/src/database"
	"github.com/username/royaltyledger/src/handlers"
	"github.com/username/royaltyledger/src/logger"
	"github.com/username/royaltyledger/src/registry"
	"github.com/username/royaltyledger/src/services"
	"golang.org/x/time/rate"
)

const usage = `Usage: royaltyledger <command> [flags]

Commands:
  canonicalize  parse one statement file into its canonical partition
  normalize     turn a canonical partition into ledger events
  payout        compute a payout run for a label and period
  relink        backfill catalog links on unlinked ledger events
  loadfx        import historical exchange rates
  serve         start the reporting API

Run 'royaltyledger <command> -h' for command flags.

Exit codes: 0 success, 2 success with row-level errors, 1 failure.
`

// rowErrorCarrier lets commands signal partial success (exit code 2).
type rowErrorCarrier interface{ HasRowErrors() bool }

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)

	command := os.Args[1]
	args := os.Args[2:]

	var summary interface{}
	var err error
	switch command {
	case "canonicalize":
		summary, err = runCanonicalize(args)
	case "normalize":
		summary, err = runNormalize(args)
	case "payout":
		summary, err = runPayout(args)
	case "relink":
		summary, err = runRelink(args)
	case "loadfx":
		summary, err = runLoadFx(args)
	case "serve":
		err = runServe(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(1)
	}

	if err != nil {
		logger.L.Error("Command failed", "command", command, "error", err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			stdlog.Fatalf("failed to encode summary: %v", err)
		}
		if carrier, ok := summary.(rowErrorCarrier); ok && carrier.HasRowErrors() {
			os.Exit(2)
		}
	}
}

func runCanonicalize(args []string) (interface{}, error) {
	fs := flag.NewFlagSet("canonicalize", flag.ExitOnError)
	label := fs.String("label", "", "label name")
	source := fs.String("source", "", "source kind (bandcamp, bandcamp_api, zebralution, labelworx)")
	period := fs.String("period", "", "accounting period, e.g. 2024-Q4")
	stmtType := fs.String("type", "final", "statement type: preliminary or final")
	file := fs.String("file", "", "path to the statement file")
	force := fs.Bool("force", false, "re-run the adapter even if this file was already canonicalized")
	fs.Parse(args)

	if *label == "" || *source == "" || *period == "" || *file == "" {
		return nil, errors.New("flags -label, -source, -period and -file are required")
	}

	database.InitDB(config.Cfg.DatabasePath)
	labelID, err := catalog.New(database.DB).LabelByName(*label)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(*file)
	if err != nil {
		return nil, fmt.Errorf("opening statement file: %w", err)
	}
	defer f.Close()

	svc := services.NewCanonicalizeService(database.DB, config.Cfg.RejectThresholdPct)
	return svc.Canonicalize(labelID, *source, *period, *stmtType, *file, f, *force)
}

func runNormalize(args []string) (interface{}, error) {
	fs := flag.NewFlagSet("normalize", flag.ExitOnError)
	label := fs.String("label", "", "label name")
	source := fs.String("source", "", "source kind")
	period := fs.String("period", "", "accounting period, e.g. 2024-Q4")
	fileID := fs.Int64("file-id", 0, "normalize this source file directly instead of label/source/period")
	fs.Parse(args)

	database.InitDB(config.Cfg.DatabasePath)
	cat := catalog.New(database.DB)
	reg := registry.NewRegistry(database.DB, config.Cfg.BaseCurrency, config.Cfg.FxLookbackDays)
	svc := services.NewNormalizeService(database.DB, reg, cat)

	if *fileID != 0 {
		return svc.NormalizeFile(*fileID)
	}
	if *label == "" || *source == "" || *period == "" {
		return nil, errors.New("flags -label, -source and -period are required (or -file-id)")
	}
	labelID, err := cat.LabelByName(*label)
	if err != nil {
		return nil, err
	}
	return svc.Normalize(labelID, *source, *period)
}

func runPayout(args []string) (interface{}, error) {
	fs := flag.NewFlagSet("payout", flag.ExitOnError)
	label := fs.String("label", "", "label name")
	period := fs.String("period", "", "accounting period, e.g. 2024-Q4")
	mode := fs.String("mode", "preview", "preview computes a draft, final commits the run")
	discard := fs.Int64("discard", 0, "discard the draft run with this id instead of computing")
	fs.Parse(args)

	database.InitDB(config.Cfg.DatabasePath)
	svc := services.NewPayoutService(database.DB, config.Cfg.BaseCurrency)

	if *discard != 0 {
		if err := svc.Discard(*discard); err != nil {
			return nil, err
		}
		return map[string]interface{}{"run_id": *discard, "status": "discarded"}, nil
	}

	if *mode != "preview" && *mode != "final" {
		return nil, fmt.Errorf("mode must be preview or final, got %q", *mode)
	}
	if *label == "" || *period == "" {
		return nil, errors.New("flags -label and -period are required")
	}
	labelID, err := catalog.New(database.DB).LabelByName(*label)
	if err != nil {
		return nil, err
	}
	return svc.Run(labelID, *period, *mode == "final")
}

func runRelink(args []string) (interface{}, error) {
	fs := flag.NewFlagSet("relink", flag.ExitOnError)
	label := fs.String("label", "", "label name")
	fs.Parse(args)

	if *label == "" {
		return nil, errors.New("flag -label is required")
	}

	database.InitDB(config.Cfg.DatabasePath)
	cat := catalog.New(database.DB)
	labelID, err := cat.LabelByName(*label)
	if err != nil {
		return nil, err
	}
	reg := registry.NewRegistry(database.DB, config.Cfg.BaseCurrency, config.Cfg.FxLookbackDays)
	svc := services.NewNormalizeService(database.DB, reg, cat)
	return svc.Relink(labelID)
}

func runLoadFx(args []string) (interface{}, error) {
	fs := flag.NewFlagSet("loadfx", flag.ExitOnError)
	file := fs.String("file", config.Cfg.HistoricalFxPath, "path to a rates file (ECB JSON export or currency,date,rate CSV)")
	fs.Parse(args)

	database.InitDB(config.Cfg.DatabasePath)
	reg := registry.NewRegistry(database.DB, config.Cfg.BaseCurrency, config.Cfg.FxLookbackDays)
	var loaded int
	var err error
	if strings.HasSuffix(strings.ToLower(*file), ".csv") {
		loaded, err = reg.LoadRatesCSV(*file)
	} else {
		loaded, err = reg.LoadHistoricalRates(*file)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"file": *file, "rates_loaded": loaded}, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", config.Cfg.Port, "listen port")
	fs.Parse(args)

	database.InitDB(config.Cfg.DatabasePath)

	reportCache := cache.New(15*time.Minute, 30*time.Minute)
	reportHandler := handlers.NewReportHandler(database.DB, reportCache)
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 30)
	router := handlers.NewRouter(reportHandler, limiter)

	addr := ":" + *port
	logger.L.Info("Reporting API listening", "addr", addr)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return server.ListenAndServe()
}
