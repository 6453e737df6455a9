package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mykhaliev/llmdispatch/config"
	"github.com/mykhaliev/llmdispatch/dispatcher"
	"github.com/mykhaliev/llmdispatch/endpoint"
	"github.com/mykhaliev/llmdispatch/loader"
	"github.com/mykhaliev/llmdispatch/logger"
	"github.com/mykhaliev/llmdispatch/pricing"
	"github.com/mykhaliev/llmdispatch/ratelimit"
	"github.com/mykhaliev/llmdispatch/report"
	"github.com/mykhaliev/llmdispatch/sink"
)

const AppName = "llmdispatch"

func main() {
	configPath := flag.String("c", "", "Path to the dispatcher configuration file (YAML)")
	inputPath := flag.String("f", "", "Path to the input file (one text per line, or JSONL with id/text)")
	outputPath := flag.String("o", "", "Path to the output JSONL file of results")
	promptTemplate := flag.String("prompt", "{text}", "Prompt template; {text} is substituted with each input")
	reportPath := flag.String("report", "", "Optional path to write an HTML batch report")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")

	flag.Parse()

	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetupLogger(logWriter, *verbose)

	if *configPath == "" || *inputPath == "" || *outputPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -c <config-file>, -f <input-file>, and -o <output-file> are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	pricingTable, err := pricing.LoadFile(cfg.PricingFile)
	if err != nil {
		logger.Logger.Error("failed to load pricing table", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	provider, err := endpoint.NewMultiProvider(ctx, cfg, true)
	if err != nil {
		logger.Logger.Error("failed to initialize endpoint provider", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxTPM:              cfg.RateLimits.MaxTPM,
		ModelName:           cfg.Model,
		AdaptiveCalibration: cfg.RateLimits.AdaptiveCalibration,
	})
	if p := provider.RetryAfterProvider(); p != nil {
		limiter.SetRetryAfterProvider(p)
	}

	d, err := dispatcher.New(cfg, provider, limiter, pricingTable)
	if err != nil {
		logger.Logger.Error("failed to construct dispatcher", "error", err)
		os.Exit(1)
	}

	texts, ids, err := loader.NewFileLoader(*inputPath).Load()
	if err != nil {
		logger.Logger.Error("failed to load input", "error", err)
		os.Exit(1)
	}

	logger.Logger.Info("starting batch", "app", AppName, "model", cfg.Model, "count", len(texts))

	results, batchStats, batchID, err := d.SubmitBatch(ctx, texts, *promptTemplate, nil, ids, nil)
	if err != nil {
		logger.Logger.Error("batch failed", "error", err)
		os.Exit(1)
	}

	if err := sink.NewFileSink(*outputPath).Write(results); err != nil {
		logger.Logger.Error("failed to write results", "error", err)
		os.Exit(1)
	}

	logger.Logger.Info("batch complete",
		"batch_id", batchID,
		"total", batchStats.Total,
		"successful", batchStats.Successful,
		"failed", batchStats.Failed,
		"cost", batchStats.CostTotal)

	if *reportPath != "" {
		gen, err := report.NewGenerator()
		if err != nil {
			logger.Logger.Error("failed to build report generator", "error", err)
			os.Exit(1)
		}
		outPath := *reportPath
		if !strings.HasSuffix(outPath, ".html") {
			outPath += ".html"
		}
		if err := gen.GenerateHTMLToFile(batchID, batchStats, results, outPath); err != nil {
			logger.Logger.Error("failed to write report", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Report written to %s\n", outPath)
	}
}
