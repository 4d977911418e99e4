package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/strafehq/strafe/internal"
	"github.com/strafehq/strafe/utils"
)

// fileConfig mirrors the root command flags for --config runs.
type fileConfig struct {
	Rate     float64 `yaml:"rate"`
	SCV      float64 `yaml:"scv"`
	Paths    string  `yaml:"paths"`
	Domain   string  `yaml:"domain"`
	Log      string  `yaml:"log"`
	Metrics  string  `yaml:"metrics"`
	MaxRate  float64 `yaml:"maxRate"`
	Seed     int64   `yaml:"seed"`
	Duration string  `yaml:"duration"`
}

// applyConfigFile fills in any option not set explicitly on the command
// line from the YAML config; flags always win.
func applyConfigFile(cmd *cobra.Command) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("error reading %s: %v", configFile, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("error parsing %s: %v", configFile, err)
	}
	flags := cmd.Flags()
	if !flags.Changed("rate") && fc.Rate != 0 {
		arrivalRate = fc.Rate
	}
	if !flags.Changed("scv") && fc.SCV != 0 {
		scv = fc.SCV
	}
	if !flags.Changed("paths") && fc.Paths != "" {
		pathsFile = fc.Paths
	}
	if !flags.Changed("domain") && fc.Domain != "" {
		domain = fc.Domain
	}
	if !flags.Changed("log") && fc.Log != "" {
		eventLog = fc.Log
	}
	if !flags.Changed("metrics") && fc.Metrics != "" {
		metricsAddr = fc.Metrics
	}
	if !flags.Changed("max-rate") && fc.MaxRate != 0 {
		maxRate = fc.MaxRate
	}
	if !flags.Changed("seed") && fc.Seed != 0 {
		seed = fc.Seed
	}
	if !flags.Changed("duration") && fc.Duration != "" {
		d, err := time.ParseDuration(fc.Duration)
		if err != nil {
			return fmt.Errorf("error parsing duration %q: %v", fc.Duration, err)
		}
		runFor = d
	}
	return nil
}

// executeRun wires sink, reactor and pacer together and runs until the
// pacing loop ends, then releases the engine and prints the final report.
func executeRun(trace bool, ratesFile string, bucket time.Duration, multiplier float64) error {
	utils.InitLogger(debug)
	log := utils.GetLogger("cli")

	host, port, err := parseDomain(domain)
	if err != nil {
		return err
	}
	paths, err := utils.LoadPaths(pathsFile)
	if err != nil {
		return err
	}
	// All inputs are validated before the engine starts so no goroutine or
	// event log is left behind on a bad schedule.
	var schedule []float64
	if trace {
		schedule, err = utils.LoadRates(ratesFile, multiplier)
		if err != nil {
			return err
		}
	}

	sink, err := internal.NewSink(eventLog)
	if err != nil {
		return err
	}
	var metrics *internal.Metrics
	if metricsAddr != "" {
		metrics = internal.NewMetrics()
		sink.SetMetrics(metrics)
	}
	reactor, err := internal.NewReactor(sink)
	if err != nil {
		return err
	}

	cfg := internal.PacerConfig{
		Host:    host,
		Port:    port,
		Paths:   paths,
		Rate:    arrivalRate,
		SCV:     scv,
		MaxRate: maxRate,
		Seed:    seed,
	}
	if trace {
		cfg.Schedule = schedule
		cfg.Bucket = bucket
	}
	pacer := internal.NewPacer(cfg, reactor, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	if metrics != nil {
		g.Go(func() error { return metrics.Serve(gctx, metricsAddr) })
	}

	log.Info().Str("domain", domain).Int("paths", len(paths)).Msg("Starting load")
	var runErr error
	if trace {
		runErr = pacer.RunTrace(ctx)
	} else {
		runErr = pacer.Run(ctx)
	}

	pacer.Stop()
	reactor.Release()
	stop()
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("Metrics listener error")
	}

	printReport(pacer.BuildReport(sink.Snapshot()))
	return runErr
}

// parseDomain accepts either a plain host[:port] or an http URL and returns
// the connect target. Only plain http is spoken; the port defaults to 80.
func parseDomain(domain string) (string, int, error) {
	log := utils.GetLogger("cli")
	if !strings.Contains(domain, "://") {
		domain = "http://" + domain
		log.Warn().Str("domain", domain).Msg("Domain fixed")
	}
	u, err := url.Parse(domain)
	if err != nil {
		return "", 0, fmt.Errorf("error parsing domain %q: %v", domain, err)
	}
	if u.Scheme != "http" {
		return "", 0, fmt.Errorf("unsupported scheme %q: only plain http is spoken", u.Scheme)
	}
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("error parsing port %q: %v", p, err)
		}
	}
	return u.Hostname(), port, nil
}

func printReport(r internal.Report) {
	fmt.Println()
	rows := [][]string{
		{"Requests", strconv.FormatInt(r.Requests, 10)},
		{"Responses", strconv.FormatInt(r.Responses, 10)},
		{"Errors", strconv.FormatInt(r.Errors, 10)},
		{"Elapsed", fmt.Sprintf("%.1fs", r.Elapsed.Seconds())},
		{"Arrival rate", fmt.Sprintf("%.3f req/s", r.ArrivalRate)},
		{"Throughput", fmt.Sprintf("%.3f req/s", r.Throughput)},
		{"Throughput", fmt.Sprintf("%.3f KB/s", r.ThroughputKBps)},
		{"Avg. resp. time", fmt.Sprintf("%.3f ms", r.MeanRespTimeMs)},
	}
	codes := make([]int, 0, len(r.Codes))
	for code := range r.Codes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		rows = append(rows, []string{fmt.Sprintf("HTTP %d", code), strconv.FormatInt(r.Codes[code], 10)})
	}
	utils.PrintSummaryTable("Run summary", rows)
}
