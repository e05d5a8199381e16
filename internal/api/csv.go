// csv.go renders a risk report as the spreadsheet export served by
// GET /api/risk/csv. One header row, one row per position, RFC 4180 quoting.
package api

import (
	"encoding/csv"
	"io"
	"strconv"

	"riskmanager/pkg/types"
)

var csvHeader = []string{
	"Account ID",
	"Ticker",
	"Position Size",
	"Avg Price",
	"Current Price",
	"Stop Price",
	"Order Quantity",
	"Locked Profit",
	"At-Risk Profit",
	"Position Value",
	"Currency",
	"Locked Profit (Base)",
	"At-Risk Profit (Base)",
	"Position Value (Base)",
	"Base Currency",
	"Has Stop Loss",
	"Portfolio %",
}

func writeReportCSV(w io.Writer, report types.RiskReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range report.PositionRisks {
		record := []string{
			row.AccountID,
			row.Ticker,
			row.PositionSize.String(),
			row.AvgPrice.String(),
			row.CurrentPrice.String(),
			row.StopPrice.String(),
			row.OrderQuantity.String(),
			row.LockedProfit.String(),
			row.AtRiskProfit.String(),
			row.PositionValue.String(),
			row.Currency,
			row.LockedProfitBase.String(),
			row.AtRiskProfitBase.String(),
			row.PositionValueBase.String(),
			row.BaseCurrency,
			strconv.FormatBool(row.HasStopLoss),
			row.PortfolioPercentage.String(),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
