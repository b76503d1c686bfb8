// Package report renders ledger state as text tables and PNG charts.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/wcharczuk/go-chart/v2"
)

// Metric selects which amount a chart plots.
type Metric string

const (
	BalanceMetric Metric = "balance"
	WalletMetric  Metric = "wallet"
)

const (
	barWidth   = 40
	barSpacing = 20
)

// WriteAccountsTable writes accounts as an aligned table, in ledger order.
func WriteAccountsTable(w io.Writer, accounts []ledger.Account) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Username", "Balance", "Wallet", "Last Top-Up"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, a := range accounts {
		lastAdded := "never"
		if a.LastAdded != nil {
			lastAdded = a.LastAdded.UTC().Format(time.RFC3339)
		}
		table.Append([]string{a.Username, a.Balance.String(), a.Wallet.String(), lastAdded})
	}
	table.SetFooter([]string{fmt.Sprintf("%d accounts", len(accounts)), "", "", ""})
	table.Render()
}

// WriteMetricsTable writes the per-operation part of a metrics summary.
func WriteMetricsTable(w io.Writer, summary map[string]interface{}) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Operation", "Count", "Errors", "Avg (ms)"})

	byType, _ := summary["operations"].(map[string]interface{})
	names := make([]string, 0, len(byType))
	for name := range byType {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		totals, _ := byType[name].(map[string]interface{})
		avg, _ := totals["avgDuration"].(int64)
		table.Append([]string{
			name,
			fmt.Sprintf("%v", totals["count"]),
			fmt.Sprintf("%v", totals["errorCount"]),
			// Convert nanoseconds to milliseconds
			fmt.Sprintf("%.3f", float64(avg)/1e6),
		})
	}
	table.Render()
}

// RenderBalancesChart draws one bar per account for the chosen metric and
// writes it to w as PNG.
func RenderBalancesChart(w io.Writer, accounts []ledger.Account, metric Metric) error {
	if len(accounts) == 0 {
		return errors.New("no accounts to chart")
	}

	bars := make([]chart.Value, 0, len(accounts))
	maxValue := 0.0
	for _, a := range accounts {
		amount := a.Balance
		if metric == WalletMetric {
			amount = a.Wallet
		}
		v := amount.InexactFloat64()
		if v > maxValue {
			maxValue = v
		}
		bars = append(bars, chart.Value{Label: a.Username, Value: v})
	}
	if maxValue == 0 {
		// a zero-height range cannot be drawn
		maxValue = 1
	}
	width := 800
	if need := len(bars)*(barWidth+barSpacing) + 100; need > width {
		width = need
	}

	barChart := chart.BarChart{
		Title: fmt.Sprintf("Accounts by %s", metric),
		Background: chart.Style{
			Padding: chart.Box{
				Top:    40,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Width:      width,
		Height:     400,
		BarWidth:   barWidth,
		BarSpacing: barSpacing,
		Bars:       bars,
	}
	barChart.YAxis.Range = &chart.ContinuousRange{Min: 0, Max: maxValue}
	barChart.YAxis.ValueFormatter = func(v interface{}) string {
		if vf, isFloat := v.(float64); isFloat {
			return fmt.Sprintf("%.2f", vf)
		}
		return ""
	}

	if err := barChart.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}
