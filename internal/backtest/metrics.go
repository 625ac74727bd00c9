package backtest

import (
	"math"
	"time"
)

// Exit reasons reported by re-simulated trades.
const (
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
	ExitRecorded   = "recorded_exit"
)

// PerformanceMetrics holds performance statistics for a set of re-simulated
// trades. PnL figures are in the same unit as TradeRecord.Amount.
type PerformanceMetrics struct {
	TotalPnL     float64        `json:"total_pnl"`     // Sum of all trade PnLs
	TradeCount   int            `json:"trade_count"`   // Number of trades
	WinRate      float64        `json:"win_rate"`      // Fraction of winning trades [0, 1]
	ProfitFactor float64        `json:"profit_factor"` // Gross profit / gross loss (abs)
	SharpeRatio  float64        `json:"sharpe_ratio"`  // Per-trade Sharpe, not annualized
	MaxDrawdown  float64        `json:"max_drawdown"`  // Peak-to-trough decline of cumulative PnL
	AvgTrade     float64        `json:"avg_trade"`
	AvgWin       float64        `json:"avg_win"`
	AvgLoss      float64        `json:"avg_loss"`
	LargestWin   float64        `json:"largest_win"`
	LargestLoss  float64        `json:"largest_loss"` // negative
	ExitReasons  map[string]int `json:"exit_reasons,omitempty"`
	HoldingAvg   time.Duration  `json:"holding_avg"`
}

// TradeRecord is one completed trade, either recorded or re-simulated.
type TradeRecord struct {
	Token      string
	Chain      string
	EntryPrice float64
	ExitPrice  float64
	Amount     float64
	PnL        float64
	ExitReason string
	EntryTime  time.Time
	ExitTime   time.Time
}

// ComputeMetrics calculates performance metrics from a trade list in the
// order given. It performs no I/O and does not read the clock.
func ComputeMetrics(trades []TradeRecord) PerformanceMetrics {
	m := PerformanceMetrics{}
	if len(trades) == 0 {
		return m
	}

	m.TradeCount = len(trades)
	m.ExitReasons = make(map[string]int)

	var winCount, lossCount int
	var totalWin, totalLoss float64
	var holdingNs int64
	var holdingCount int64

	for _, tr := range trades {
		m.TotalPnL += tr.PnL
		if tr.ExitReason != "" {
			m.ExitReasons[tr.ExitReason]++
		}
		if !tr.EntryTime.IsZero() && tr.ExitTime.After(tr.EntryTime) {
			holdingNs += tr.ExitTime.Sub(tr.EntryTime).Nanoseconds()
			holdingCount++
		}

		switch {
		case tr.PnL > 0:
			winCount++
			totalWin += tr.PnL
			if tr.PnL > m.LargestWin {
				m.LargestWin = tr.PnL
			}
		case tr.PnL < 0:
			lossCount++
			totalLoss += tr.PnL
			if tr.PnL < m.LargestLoss {
				m.LargestLoss = tr.PnL
			}
		}
	}

	m.WinRate = float64(winCount) / float64(m.TradeCount)
	m.AvgTrade = m.TotalPnL / float64(m.TradeCount)

	// Break-even trades count toward AvgTrade but neither average below.
	if winCount > 0 {
		m.AvgWin = totalWin / float64(winCount)
	}
	if lossCount > 0 {
		m.AvgLoss = totalLoss / float64(lossCount)
	}
	if holdingCount > 0 {
		m.HoldingAvg = time.Duration(holdingNs / holdingCount)
	}

	m.ProfitFactor = ProfitFactorFromTrades(trades)
	m.MaxDrawdown = MaxDrawdownFromEquity(buildEquityCurve(trades))
	m.SharpeRatio = SharpeFromReturns(tradeReturns(trades))

	return m
}

// SharpeFromReturns computes mean(returns) / std(returns) over per-trade
// returns. Returns 0 if there are fewer than 2 returns or std is zero.
func SharpeFromReturns(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	mu := mean(returns)
	std := stddev(returns, mu)
	if std == 0 {
		return 0
	}
	return mu / std
}

// MaxDrawdownFromEquity computes the maximum peak-to-trough decline of an
// equity curve.
func MaxDrawdownFromEquity(equity []float64) float64 {
	if len(equity) < 2 {
		return 0
	}

	peak := equity[0]
	maxDD := 0.0
	for _, eq := range equity {
		if eq > peak {
			peak = eq
		}
		if dd := peak - eq; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// ProfitFactorFromTrades computes gross profit / gross loss.
// Returns math.Inf(1) if there are wins but no losses, 0 if there are no wins.
func ProfitFactorFromTrades(trades []TradeRecord) float64 {
	var grossProfit, grossLoss float64
	for _, tr := range trades {
		if tr.PnL > 0 {
			grossProfit += tr.PnL
		} else if tr.PnL < 0 {
			grossLoss += math.Abs(tr.PnL)
		}
	}

	if grossLoss == 0 {
		if grossProfit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return grossProfit / grossLoss
}

// --- Internal helpers ---

// buildEquityCurve returns cumulative PnL starting at zero.
func buildEquityCurve(trades []TradeRecord) []float64 {
	equity := make([]float64, len(trades)+1)
	for i, tr := range trades {
		equity[i+1] = equity[i] + tr.PnL
	}
	return equity
}

// tradeReturns returns PnL / Amount per trade. Trades with no amount are skipped.
func tradeReturns(trades []TradeRecord) []float64 {
	returns := make([]float64, 0, len(trades))
	for _, tr := range trades {
		if tr.Amount > 0 {
			returns = append(returns, tr.PnL/tr.Amount)
		}
	}
	return returns
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev returns the sample standard deviation given the mean.
func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}
