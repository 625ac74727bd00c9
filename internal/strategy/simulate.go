package strategy

import (
	"math"
	"time"

	"github.com/nexus-trading/tokenpilot/internal/backtest"
	"github.com/nexus-trading/tokenpilot/internal/chain"
)

// TradeOutcome is a historical closed trade. GenomeUsed holds the live
// parameters active when the trade was opened.
type TradeOutcome struct {
	ID           string      `json:"id"`
	TokenAddress string      `json:"token_address"`
	Chain        chain.Chain `json:"chain"`
	GenomeUsed   Genome      `json:"genome_used"`
	EntryPrice   float64     `json:"entry_price"`
	ExitPrice    float64     `json:"exit_price"`
	Amount       float64     `json:"amount"`
	PnL          float64     `json:"pnl"`
	OpenedAt     time.Time   `json:"opened_at"`
	ClosedAt     time.Time   `json:"closed_at"`
}

// usable reports whether the outcome's prices support re-simulation.
func (o TradeOutcome) usable() bool {
	return o.EntryPrice > 0 && !math.IsInf(o.EntryPrice, 0) &&
		!math.IsNaN(o.ExitPrice) && !math.IsInf(o.ExitPrice, 0) && o.ExitPrice >= 0
}

// Simulate re-runs a recorded trade under g's thresholds. The recorded entry
// and exit prices are reused; the exit trigger and PnL are recomputed with
// g.TradeAmount as the position size. A move at or beyond -StopLoss exits at
// the stop, a move at or beyond +TakeProfit exits at the target, anything in
// between exits at the recorded price.
func Simulate(g Genome, o TradeOutcome) (pnl float64, exitReason string) {
	move := (o.ExitPrice - o.EntryPrice) / o.EntryPrice * 100

	switch {
	case move <= -g.StopLossPercent:
		return g.TradeAmount * (-g.StopLossPercent / 100), backtest.ExitStopLoss
	case move >= g.TakeProfitPercent:
		return g.TradeAmount * (g.TakeProfitPercent / 100), backtest.ExitTakeProfit
	default:
		return g.TradeAmount * (move / 100), backtest.ExitRecorded
	}
}

// Profitability is the summed re-simulated PnL of g over history. An empty
// history has profitability 0.
func Profitability(g Genome, history []TradeOutcome) float64 {
	total := 0.0
	for _, o := range history {
		pnl, _ := Simulate(g, o)
		total += pnl
	}
	return total
}

// RiskPenalty grows linearly with trade size relative to the range maximum,
// scaled by weight. A zero maximum carries no penalty.
func RiskPenalty(g Genome, space SearchSpace, weight float64) float64 {
	if space.TradeAmount.Max == 0 {
		return 0
	}
	return weight * g.TradeAmount / space.TradeAmount.Max
}

// SimulateTrades re-simulates history under g and returns per-trade records
// for performance metrics.
func SimulateTrades(g Genome, history []TradeOutcome) []backtest.TradeRecord {
	out := make([]backtest.TradeRecord, 0, len(history))
	for _, o := range history {
		pnl, reason := Simulate(g, o)
		out = append(out, backtest.TradeRecord{
			Token:      o.TokenAddress,
			Chain:      string(o.Chain),
			EntryPrice: o.EntryPrice,
			ExitPrice:  o.ExitPrice,
			Amount:     g.TradeAmount,
			PnL:        pnl,
			ExitReason: reason,
			EntryTime:  o.OpenedAt,
			ExitTime:   o.ClosedAt,
		})
	}
	return out
}
