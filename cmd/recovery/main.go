package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/filesaga/platform/internal/app"
	"github.com/filesaga/platform/internal/config"
	"github.com/filesaga/platform/internal/service"
	"github.com/filesaga/platform/pkg/logger"
)

type recoveryConfig struct {
	Once       bool
	Cron       string
	DryRun     bool
	StaleAfter time.Duration
	Verbose    bool
	Alert      bool
	WebhookURL string
	ReportPath string
}

// sweeper runs one recovery pass; *service.Reconciler in production.
type sweeper interface {
	Run(ctx context.Context) (*service.ReconcileReport, error)
}

// builder connects the stack and returns the sweeper with its cleanup.
type builder func(ctx context.Context, cfg recoveryConfig, errOut io.Writer) (sweeper, func(), error)

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, buildReconciler)
	exitFunc(code)
}

func buildReconciler(ctx context.Context, cfg recoveryConfig, errOut io.Writer) (sweeper, func(), error) {
	svcCfg := config.Load()
	svcCfg.ServiceName = "filesaga-recovery"
	level := svcCfg.LogLevel
	if !cfg.Verbose {
		level = "warn"
	}
	log := logger.New(svcCfg.ServiceName, errOut).SetLevel(level)

	a, err := app.Build(ctx, svcCfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a.Reconciler(cfg.DryRun, cfg.StaleAfter), a.Close, nil
}

func parseFlags(args []string) (recoveryConfig, error) {
	fs := flag.NewFlagSet("recovery", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg recoveryConfig
	fs.BoolVar(&cfg.Once, "once", false, "run a single sweep and exit")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled sweeps")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "report stale sagas without changing them")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", 0, "only touch sagas idle for longer than this (default RECOVERY_STALE_AFTER)")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show per-saga outcomes")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code when a saga could not be recovered")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for failed recoveries")
	fs.StringVar(&cfg.ReportPath, "report", "", "write the sweep report to file")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Cron = strings.TrimSpace(cfg.Cron)
	if cfg.Once && cfg.Cron != "" {
		return cfg, errors.New("--once and --cron are mutually exclusive")
	}
	if cfg.StaleAfter < 0 {
		return cfg, errors.New("--stale-after must not be negative")
	}
	if cfg.Cron == "" {
		cfg.Once = true
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, build builder) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if cfg.Cron != "" {
		return runScheduled(ctx, cfg, out, errOut, build)
	}
	return runOnce(ctx, cfg, out, errOut, build)
}

func runOnce(ctx context.Context, cfg recoveryConfig, out, errOut io.Writer, build builder) int {
	s, closeFn, err := build(ctx, cfg, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialise: %v\n", err)
		return 2
	}
	defer closeFn()

	code, err := runSweep(ctx, s, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg recoveryConfig, out, errOut io.Writer, build builder) int {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	s, closeFn, err := build(ctx, cfg, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialise: %v\n", err)
		return 2
	}
	defer closeFn()

	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled recovery...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	if code, err := runSweep(ctx, s, scheduledCfg, out, errOut); err != nil {
		fmt.Fprintln(errOut, err.Error())
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := runSweep(ctx, s, scheduledCfg, out, errOut); err != nil {
			fmt.Fprintf(errOut, "scheduled recovery failed: %v\n", err)
		}
	}))

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return 0
}

func runSweep(ctx context.Context, s sweeper, cfg recoveryConfig, out, errOut io.Writer) (int, error) {
	report, err := s.Run(ctx)
	if err != nil {
		return 2, fmt.Errorf("recovery sweep failed: %w", err)
	}

	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}

	if report.Skipped {
		fmt.Fprintln(out, "- Recovery skipped: another instance holds the lock")
		return 0, nil
	}

	if cfg.Verbose {
		for _, o := range report.Sagas {
			fmt.Fprintf(out, "  saga=%s status=%s outcome=%s\n", o.SagaID, o.Status, o.Outcome)
		}
	}

	failed := failedOutcomes(report)
	if len(failed) == 0 {
		fmt.Fprintf(out, "✓ Recovery passed: %d scanned, %d stale, %d recorded, %d abandoned, %d compensated\n",
			report.Scanned, report.Stale, report.Recorded, report.Abandoned, report.Compensated)
		return 0, nil
	}

	for _, o := range failed {
		fmt.Fprintf(errOut, "✗ Recovery failed: saga=%s status=%s error=%s\n", o.SagaID, o.Status, o.Error)
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, failed); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func failedOutcomes(report *service.ReconcileReport) []service.SagaOutcome {
	var failed []service.SagaOutcome
	for _, o := range report.Sagas {
		if o.Outcome == service.OutcomeFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

func sendWebhook(ctx context.Context, url string, failed []service.SagaOutcome) error {
	payload := map[string]interface{}{
		"message": "saga recovery failures detected",
		"text":    buildAlertMessage("Saga recovery failures detected", failed),
		"sagas":   failed,
	}
	return postJSON(ctx, url, payload)
}

func postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

func buildAlertMessage(title string, failed []service.SagaOutcome) string {
	var b strings.Builder
	fmt.Fprintln(&b, title)
	for _, o := range failed {
		fmt.Fprintf(&b, "saga=%s status=%s error=%s\n", o.SagaID, o.Status, o.Error)
	}
	return strings.TrimSpace(b.String())
}

func writeReport(path string, report *service.ReconcileReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
