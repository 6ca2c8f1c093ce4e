package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func statusCmd() *cobra.Command {
	var metricsAddr string
	var metricsPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running node's status",
		Long: `Fetch and summarize a running node's Prometheus metrics endpoint
(internal/metrics), the only status surface a node exposes. Requires
the node to have been started with metrics.enabled: true.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			families, err := fetchMetricFamilies(metricsAddr, metricsPath)
			if err != nil {
				return fmt.Errorf("fetch metrics: %w", err)
			}

			sessions := gaugeValue(families, "spartic_sessions_active")
			blocksSent := counterValue(families, "spartic_blocks_sent_total")
			blocksReceived := counterValue(families, "spartic_blocks_received_total")
			rounds := counterValue(families, "spartic_rounds_completed_total")

			printField("Status", okStyle.Render("OK"))
			sessionsText := fmt.Sprintf("%.0f", sessions)
			if sessions == 0 {
				sessionsText = warnStyle.Render(sessionsText + " (no active sessions)")
			}
			printField("Active sessions", sessionsText)
			printField("Rounds completed", humanize.Comma(int64(rounds)))
			printField("Blocks sent", fmt.Sprintf("%s (%s)", humanize.Comma(int64(blocksSent)), humanize.Bytes(uint64(blocksSent)*4096)))
			printField("Blocks received", fmt.Sprintf("%s (%s)", humanize.Comma(int64(blocksReceived)), humanize.Bytes(uint64(blocksReceived)*4096)))

			return nil
		},
	}

	cmd.Flags().StringVarP(&metricsAddr, "metrics", "m", "localhost:9090", "metrics endpoint address (host:port)")
	cmd.Flags().StringVar(&metricsPath, "path", "/metrics", "metrics endpoint path")

	return cmd
}

func printField(label, value string) {
	fmt.Printf("%s %s\n", labelStyle.Render(label+":"), value)
}

func fetchMetricFamilies(addr, path string) (map[string]*dto.MetricFamily, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node: %w", err)
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(resp.Body)
}

func gaugeValue(families map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := families[name]
	if !ok || len(fam.Metric) == 0 || fam.Metric[0].Gauge == nil {
		return 0
	}
	return fam.Metric[0].Gauge.GetValue()
}

func counterValue(families map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := families[name]
	if !ok || len(fam.Metric) == 0 || fam.Metric[0].Counter == nil {
		return 0
	}
	return fam.Metric[0].Counter.GetValue()
}
