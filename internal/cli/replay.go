package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perf-analytics/internal/analytics"
	"perf-analytics/internal/models"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	okColor      = color.New(color.FgGreen, color.Bold)
	warnColor    = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	labelColor   = color.New(color.FgWhite)
	anomalyColor = color.New(color.FgMagenta)
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <samples.jsonl|->",
		Short: "Run recorded samples through the engine and print a summary",
		Long: `Replay reads one JSON sample per line, runs every sample through a full tick
in order and prints the final analytics. Use - to read from stdin.

  perf-analytics replay session.jsonl --export report.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}

	cmd.Flags().String("export", "", "write the resulting history to this file (.json or .yaml)")
	cmd.Flags().BoolP("verbose", "v", false, "print every anomaly and rejected sample")
	return cmd
}

type replayStats struct {
	lines     int
	accepted  int
	rejected  int
	malformed int
	anomalies []models.AnomalyRecord
	alerts    int
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, _, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	in, closeIn, err := openInput(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeIn()

	verbose, _ := cmd.Flags().GetBool("verbose")
	out := cmd.OutOrStdout()

	engine := analytics.New(cfg.Analytics, analytics.WithLogger(logger))
	st := &replayStats{}
	engine.Subscribe(func(ev analytics.Event) {
		switch ev.Kind {
		case analytics.EventAnomalyDetected:
			st.anomalies = append(st.anomalies, *ev.Anomaly)
		case analytics.EventPerformanceAlert:
			st.alerts++
		}
	})

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		st.lines++

		var sample models.BaseSample
		if err := json.Unmarshal([]byte(line), &sample); err != nil {
			st.malformed++
			if verbose {
				errorColor.Fprintf(out, "line %d: %v\n", st.lines, err)
			}
			continue
		}

		if _, err := engine.Process(sample); err != nil {
			st.rejected++
			if verbose {
				warnColor.Fprintf(out, "line %d rejected: %v\n", st.lines, err)
			}
			continue
		}
		st.accepted++
		// apply background analysis before the next sample
		engine.Flush()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read samples: %w", err)
	}

	printSummary(out, engine, st, verbose)

	if exportPath, _ := cmd.Flags().GetString("export"); exportPath != "" {
		if err := engine.Export(exportPath, ""); err != nil {
			return err
		}
		okColor.Fprintf(out, "\nExported %d snapshots to %s\n", len(engine.History()), exportPath)
	}

	logger.Debug("replay finished", zap.Int("accepted", st.accepted), zap.Int("rejected", st.rejected))
	return nil
}

func openInput(cmd *cobra.Command, name string) (io.Reader, func(), error) {
	if name == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open samples: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func printSummary(out io.Writer, engine *analytics.Engine, st *replayStats, verbose bool) {
	headerColor.Fprintln(out, "Replay summary")
	labelColor.Fprintf(out, "  samples:   %d accepted, %d rejected, %d malformed\n", st.accepted, st.rejected, st.malformed)
	labelColor.Fprintf(out, "  anomalies: %d\n", len(st.anomalies))
	labelColor.Fprintf(out, "  alerts:    %d\n", st.alerts)

	if verbose {
		for _, a := range st.anomalies {
			anomalyColor.Fprintf(out, "    %s %-12s %-11s %.2f (severity %.2f) %s\n",
				a.Timestamp.Format("15:04:05.000"), a.Metric, a.Kind, a.Value, a.Severity, a.Description)
		}
	}

	current, ok := engine.Current()
	if !ok {
		warnColor.Fprintln(out, "\nNo snapshot was published")
		return
	}

	fmt.Fprintln(out)
	headerColor.Fprintln(out, "Final state")
	stateColor(current.SystemState).Fprintf(out, "  state:     %s (overall %.1f)\n", current.SystemState, current.Health.Overall())
	labelColor.Fprintf(out, "  workload:  %s\n", current.Workload)
	labelColor.Fprintf(out, "  pattern:   %s (confidence %.2f)\n", current.Pattern, current.PatternConfidence)
	labelColor.Fprintf(out, "  health:    stability %.1f, reliability %.1f, experience %.1f, energy %.1f\n",
		current.Health.Stability, current.Health.Reliability, current.Health.UserExperience, current.Health.Energy)

	fmt.Fprintln(out)
	headerColor.Fprintln(out, "Predictions")
	for _, metric := range sortedMetrics(current.Predicted) {
		labelColor.Fprintf(out, "  %-12s %10.2f  trend %+.3f (%s)\n",
			metric, current.Predicted[metric], current.Trends[metric], engine.TrendDirection(metric))
	}

	if len(current.Recommendations) > 0 {
		fmt.Fprintln(out)
		headerColor.Fprintf(out, "Recommendations (estimated improvement %.1f%%)\n", current.EstimatedImprovement)
		for _, rec := range current.Recommendations {
			warnColor.Fprintf(out, "  - %s\n", rec)
		}
	}
}

func stateColor(state string) *color.Color {
	switch state {
	case models.StateOptimal:
		return okColor
	case models.StateCritical:
		return errorColor
	default:
		return warnColor
	}
}

func sortedMetrics(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
