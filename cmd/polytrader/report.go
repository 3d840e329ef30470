package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/web3guy0/polytrader/internal/config"
	"github.com/web3guy0/polytrader/learning"
	"github.com/web3guy0/polytrader/risk"
	"github.com/web3guy0/polytrader/storage"
	"github.com/web3guy0/polytrader/types"
)

// Report styles
var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7C3AED")).
		Padding(0, 1).
		MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#3B82F6")).
		Padding(0, 1)

	headStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	gainStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	lossStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize stored trades and learned patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			top, _ := cmd.Flags().GetInt("top")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			db, err := storage.New(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			trades, err := db.Trades(limit)
			if err != nil {
				return fmt.Errorf("failed to load trades: %w", err)
			}

			learner := learning.New(learning.DefaultConfig())
			for _, t := range trades {
				learner.Record(t)
			}

			data := reportData{Trades: trades, Patterns: learner.Patterns()}
			for _, s := range cfg.Strategies {
				hist, err := db.AllocationHistory(s.Name())
				if err != nil {
					return fmt.Errorf("failed to load allocations: %w", err)
				}
				if len(hist) > 0 {
					data.Allocations = append(data.Allocations, hist[len(hist)-1])
				}
			}
			if data.Circuit, err = db.CircuitEvents(10); err != nil {
				return fmt.Errorf("failed to load circuit events: %w", err)
			}

			cmd.Println(renderReport(data, top))
			return nil
		},
	}

	cmd.Flags().Int("limit", 0, "Most recent trades to replay (0 for all)")
	cmd.Flags().Int("top", 15, "Patterns to show")
	return cmd
}

type reportData struct {
	Trades      []types.TradeRecord
	Patterns    []learning.PatternStat
	Allocations []storage.AllocationEvent // latest per strategy
	Circuit     []storage.CircuitEvent    // newest first
}

// summary aggregates closed trades for one group
type summary struct {
	Name   string
	Trades int
	Stats  risk.TradeStats
	Net    decimal.Decimal
}

// summarize groups trades by key, in first-seen order, with an "all" row first
func summarize(trades []types.TradeRecord, key func(types.TradeRecord) string) []summary {
	groups := map[string][]types.TradeRecord{}
	var order []string
	for _, t := range trades {
		k := key(t)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}

	out := []summary{newSummary("all", trades)}
	for _, k := range order {
		out = append(out, newSummary(k, groups[k]))
	}
	return out
}

func newSummary(name string, trades []types.TradeRecord) summary {
	s := summary{Name: name, Trades: len(trades), Stats: risk.StatsFromTrades(trades, 0)}
	for _, t := range trades {
		s.Net = s.Net.Add(t.Profit)
	}
	return s
}

func renderReport(data reportData, top int) string {
	trades := data.Trades
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("📊 POLYTRADER REPORT"))
	sb.WriteString("\n")

	if len(trades) == 0 {
		sb.WriteString(dimStyle.Render("No trades recorded yet"))
		return sb.String()
	}

	first, last := trades[0].ClosedAt, trades[len(trades)-1].ClosedAt
	sb.WriteString(dimStyle.Render(fmt.Sprintf("%d trades, %s → %s",
		len(trades), first.UTC().Format("2006-01-02 15:04"), last.UTC().Format("2006-01-02 15:04"))))
	sb.WriteString("\n\n")

	sb.WriteString(sectionStyle.Render(summaryTable("By strategy", summarize(trades, func(t types.TradeRecord) string { return t.Strategy }))))
	sb.WriteString("\n")
	sb.WriteString(sectionStyle.Render(summaryTable("By direction", summarize(trades, func(t types.TradeRecord) string { return string(t.Direction) }))))
	sb.WriteString("\n")
	sb.WriteString(sectionStyle.Render(patternTable(data.Patterns, top)))
	if len(data.Allocations) > 0 {
		sb.WriteString("\n")
		sb.WriteString(sectionStyle.Render(allocationTable(data.Allocations)))
	}
	if len(data.Circuit) > 0 {
		sb.WriteString("\n")
		sb.WriteString(sectionStyle.Render(circuitTable(data.Circuit)))
	}
	return sb.String()
}

func summaryTable(title string, rows []summary) string {
	var sb strings.Builder
	sb.WriteString(headStyle.Render(title))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%-14s %6s %6s %6s %8s %10s %10s %12s\n",
		"", "trades", "wins", "losses", "win%", "avg win", "avg loss", "net"))

	for _, r := range rows {
		net := fmt.Sprintf("%12s", r.Net.StringFixed(2))
		if r.Net.IsNegative() {
			net = lossStyle.Render(net)
		} else {
			net = gainStyle.Render(net)
		}
		sb.WriteString(fmt.Sprintf("%-14s %6d %6d %6d %7.1f%% %10.2f %10.2f %s\n",
			r.Name, r.Trades, r.Stats.Wins, r.Stats.Losses, r.Stats.WinRate*100,
			r.Stats.AvgWin, r.Stats.AvgLoss, net))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// patternTable lists the top patterns by distance from a coin flip
func patternTable(patterns []learning.PatternStat, top int) string {
	sorted := append([]learning.PatternStat(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		zi, zj := sorted[i].ZScore(), sorted[j].ZScore()
		if zi < 0 {
			zi = -zi
		}
		if zj < 0 {
			zj = -zj
		}
		return zi > zj
	})
	if top > 0 && len(sorted) > top {
		sorted = sorted[:top]
	}

	var sb strings.Builder
	sb.WriteString(headStyle.Render("Patterns"))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%-28s %5s %6s %8s %8s %7s\n", "", "wins", "losses", "ewma", "post", "z"))
	for _, p := range sorted {
		mean, _ := p.Posterior()
		z := fmt.Sprintf("%+7.2f", p.ZScore())
		switch {
		case p.ZScore() >= 2:
			z = gainStyle.Render(z)
		case p.ZScore() <= -2:
			z = lossStyle.Render(z)
		}
		sb.WriteString(fmt.Sprintf("%-28s %5d %6d %8.2f %8.2f %s\n",
			p.Key(), p.Wins, p.Losses, p.WinRate, mean, z))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func allocationTable(events []storage.AllocationEvent) string {
	var sb strings.Builder
	sb.WriteString(headStyle.Render("Allocations"))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%-14s %8s %12s %8s  %-18s %s\n", "", "share", "cum pnl", "dd", "reason", "at"))
	for _, e := range events {
		sb.WriteString(fmt.Sprintf("%-14s %7.1f%% %12s %7.1f%%  %-18s %s\n",
			e.StrategyID, e.Fraction*100, e.CumulativePnL.StringFixed(2), e.Drawdown*100,
			e.Reason, e.RebalancedAt.UTC().Format("2006-01-02 15:04")))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func circuitTable(events []storage.CircuitEvent) string {
	var sb strings.Builder
	sb.WriteString(headStyle.Render("Circuit breaker"))
	sb.WriteString("\n")
	for _, e := range events {
		line := fmt.Sprintf("%s  %-5s  %-18s", e.At.UTC().Format("2006-01-02 15:04"), e.Kind, e.Reason)
		if e.Kind == storage.CircuitTrip {
			line = lossStyle.Render(fmt.Sprintf("%s %.4g", line, e.Value))
		} else {
			line = gainStyle.Render(line + " by " + e.Operator)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
