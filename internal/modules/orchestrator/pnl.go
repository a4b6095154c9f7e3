package orchestrator

import "github.com/shopspring/decimal"

// SymbolPnL is one submitted order's filled notional for a run: filled
// quantity times average fill price. It is not compared against the
// symbol's starting position value.
type SymbolPnL struct {
	Symbol         string          `json:"symbol"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	NotionalFilled decimal.Decimal `json:"notional_filled"`
}

// Report is the §4.6 stage-6 P&L payload, persisted as the run's report
// JSON. §4.6 names the stage but not the shape; this is the
// supplemented structure (SPEC_FULL.md §D).
type Report struct {
	RunID           string          `json:"run_id"`
	ModelVersion    string          `json:"model_version"`
	BySymbol        []SymbolPnL     `json:"by_symbol"`
	TotalNotional   decimal.Decimal `json:"total_notional"`
	OrdersSubmitted int             `json:"orders_submitted"`
	OrdersFilled    int             `json:"orders_filled"`
	OrdersRejected  int             `json:"orders_rejected"`
}

// buildReport computes the notional P&L report from the orders the
// orchestrator submitted and their final fill state.
func buildReport(runID string, orders []*SubmittedOrder, rejected []RejectedOrder) Report {
	report := Report{RunID: runID, TotalNotional: decimal.Zero, OrdersRejected: len(rejected)}

	for _, o := range orders {
		if o == nil {
			continue
		}
		report.OrdersSubmitted++
		if o.Status == "filled" || o.Status == "partially_filled" {
			report.OrdersFilled++
		}
		notional := o.FilledQty.Mul(o.AvgFillPrice)
		report.BySymbol = append(report.BySymbol, SymbolPnL{
			Symbol: o.Symbol, FilledQty: o.FilledQty, AvgFillPrice: o.AvgFillPrice, NotionalFilled: notional,
		})
		report.TotalNotional = report.TotalNotional.Add(notional)
	}
	return report
}
