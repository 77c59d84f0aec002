// Package main provides the emissions-aware thermostat simulator entry point and CLI interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"maps"
	"os"
	ossignal "os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/devskill-org/aer/forecast"
	"github.com/devskill-org/aer/report"
	"github.com/devskill-org/aer/signal"
	"github.com/devskill-org/aer/simulator"
	"github.com/devskill-org/aer/utils"
)

func main() {
	// Command line flags
	var (
		configFile = flag.String("config", "config.json", "Configuration file path (defaults are used if it does not exist)")
		dataPath   = flag.String("data", "", "MOER CSV file (overrides data_path)")
		policy     = flag.String("policy", "", "Policy to simulate: no_forecast, forecast_only, forecast_and_historical or all")
		timesteps  = flag.String("timesteps", "", "Number of timesteps to simulate, or \"all\"")
		outputDir  = flag.String("output", "", "Directory for the per-policy CSV files (overrides output_dir)")
		clean      = flag.Bool("clean", false, "Remove the output directory before running")
		serve      = flag.Bool("serve", false, "Keep the web server running after the simulation until interrupted")
		moerAvgs   = flag.Bool("moer-avgs", false, "Print the per-slot MOER averages of the data file and exit")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	if err := applyFlags(config, *dataPath, *policy, *timesteps, *outputDir, *clean); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(os.Stdout, "SIM", config.LogFormat)

	points, err := signal.LoadFile(config.DataPath)
	if err != nil {
		logger.Printf("Error loading MOER data: %v", err)
		os.Exit(1)
	}
	logger.Printf("Loaded %d MOER rows from %s", len(points), config.DataPath)

	if *moerAvgs {
		printAverages(config, points)
		return
	}

	policies, err := simulator.ParsePolicies(config.Policy)
	if err != nil {
		logger.Printf("Error: %v", err)
		os.Exit(1)
	}

	fmt.Printf("Starting simulation with the following configuration:\n")
	fmt.Printf("  Policies: %v\n", policies)
	fmt.Printf("  Timestep: %s, Lookahead: %s\n", config.Timestep, config.Lookahead)
	fmt.Printf("  Temperature band: %.1f-%.1f (initial %.1f)\n", config.MinTemp, config.MaxTemp, config.InitialTemp)
	fmt.Printf("  Historical extension: cap %d, rule %s, %s slots\n", config.HistoricalExtensionCap, config.HistoricalExtensionRule, config.SlotGranularity)
	fmt.Printf("  Output: %s\n", config.OutputDir)
	fmt.Println()

	// Set up context for graceful shutdown
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if config.CleanOutput {
		if err := os.RemoveAll(config.OutputDir); err != nil {
			logger.Printf("Error cleaning output directory: %v", err)
			os.Exit(1)
		}
	}

	sink, err := buildSinks(ctx, config, logger)
	if err != nil {
		logger.Printf("Error: %v", err)
		os.Exit(1)
	}

	metrics := simulator.NewMetrics()
	runner := simulator.NewRunner(config, sink, utils.NewLogger(os.Stdout, "RUNNER", config.LogFormat))
	runner.SetMetrics(metrics)

	webServer := simulator.NewWebServer(runner, metrics, config.WebPort, utils.NewLogger(os.Stdout, "WEB", config.LogFormat))
	if webServer != nil {
		sink.Add("websocket", webServer, false)
		if err := webServer.Start(); err != nil {
			logger.Printf("Error starting web server: %v", err)
			os.Exit(1)
		}
		logger.Printf("Web server listening on :%d", webServer.Port())
	}

	summaries, runErr := runner.Run(ctx, points, policies)
	if len(summaries) > 0 {
		fmt.Println()
		simulator.WriteSummaryTable(os.Stdout, summaries)
	}
	if runErr != nil {
		logger.Printf("Simulation failed: %v", runErr)
	}

	if *serve && webServer != nil && ctx.Err() == nil {
		logger.Printf("Simulation done. Serving results, press Ctrl+C to stop...")
		<-ctx.Done()
		logger.Printf("Shutdown signal received, stopping web server...")
	}

	if webServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := webServer.Stop(shutdownCtx); err != nil {
			logger.Printf("Error stopping web server: %v", err)
		}
	}

	if err := sink.Close(); err != nil {
		logger.Printf("Error closing outputs: %v", err)
	}

	if runErr != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig(path string) (*simulator.Config, error) {
	config, err := simulator.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		return simulator.DefaultConfig(), nil
	}
	return config, err
}

func applyFlags(config *simulator.Config, dataPath, policy, timesteps, outputDir string, clean bool) error {
	if dataPath != "" {
		config.DataPath = dataPath
	}
	if policy != "" {
		config.Policy = policy
	}
	if timesteps != "" {
		if strings.EqualFold(timesteps, "all") {
			config.NumTimesteps = 0
		} else {
			n, err := strconv.Atoi(timesteps)
			if err != nil {
				return fmt.Errorf("invalid -timesteps %q, must be a number or \"all\"", timesteps)
			}
			config.NumTimesteps = simulator.StepLimit(n)
		}
	}
	if outputDir != "" {
		config.OutputDir = outputDir
	}
	if clean {
		config.CleanOutput = true
	}
	return config.Validate()
}

// buildSinks wires the CSV output and the optional database, broker and
// dashboard outputs. Only the CSV output is fatal on error.
func buildSinks(ctx context.Context, config *simulator.Config, logger *log.Logger) (*report.Multi, error) {
	multi := report.NewMulti(logger)

	csvSink, err := report.NewCSVSink(config.OutputDir)
	if err != nil {
		return nil, err
	}
	multi.Add("csv", csvSink, true)

	if config.PostgresConnString != "" {
		pg, err := report.OpenPostgresSink(ctx, config.PostgresConnString, logger)
		if err != nil {
			logger.Printf("PostgreSQL output disabled: %v", err)
		} else {
			multi.Add("postgres", pg, false)
		}
	}

	if len(config.KafkaBrokers) > 0 {
		k, err := report.NewKafkaSink(report.KafkaConfig{
			Brokers: config.KafkaBrokers,
			Topic:   config.KafkaTopic,
		})
		if err != nil {
			logger.Printf("Kafka output disabled: %v", err)
		} else {
			multi.Add("kafka", k, false)
		}
	}

	return multi, nil
}

// printAverages prints the average MOER of every slot of the data file.
func printAverages(config *simulator.Config, points []signal.Point) {
	store := forecast.NewStore(nil)
	for _, p := range points {
		store.Seed(config.SlotGranularity.Key(p.Timestamp), p.Value)
	}

	snapshot := store.Snapshot()
	fmt.Printf("%-6s %12s %6s\n", "slot", "avg_moer", "count")
	for _, key := range slices.Sorted(maps.Keys(snapshot)) {
		e := snapshot[key]
		fmt.Printf("%-6s %12.4f %6d\n", key, e.Average, e.Count)
	}
}

func showHelp() {
	fmt.Println("AER Simulator - Emissions-aware control of a thermostatically controlled load")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Replays a marginal operating emissions rate (MOER) series against a simulated")
	fmt.Println("  refrigerator and compares control policies: a plain thermostat, a receding")
	fmt.Println("  horizon optimiser using the native forecast, and one that extends its window")
	fmt.Println("  with historical per-slot averages.")
	fmt.Println()
	fmt.Println("  Outputs:")
	fmt.Println("  - One CSV file per policy in the output directory")
	fmt.Println("  - Optional PostgreSQL run history and Kafka record stream")
	fmt.Println("  - Optional web dashboard feed, health endpoints and Prometheus metrics")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  aer [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run the default policy over the whole file")
	fmt.Println("  aer")
	fmt.Println()
	fmt.Println("  # Compare every policy over the first day")
	fmt.Println("  aer -policy=all -timesteps=288 -clean")
	fmt.Println()
	fmt.Println("  # Print per-slot MOER averages")
	fmt.Println("  aer -moer-avgs")
	fmt.Println()
	fmt.Println("  # Keep the dashboard up after the run")
	fmt.Println("  aer -config=config.json -serve")
}
