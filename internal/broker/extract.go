package broker

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"riskmanager/pkg/types"
)

// stopDescPattern pulls the trigger price out of a broker free-text order
// summary such as "SELL 100 Stop 1,234.50".
var stopDescPattern = regexp.MustCompile(`(?i)stop\s+([\d,]+\.?\d*)`)

// StopPriceExtractor recovers a stop price from order records that do not
// carry one in a dedicated field. Some sessions return stop orders with only
// a limit price, others only a description string.
type StopPriceExtractor struct {
	logger *slog.Logger
}

func NewStopPriceExtractor(logger *slog.Logger) *StopPriceExtractor {
	return &StopPriceExtractor{logger: logger.With("component", "stop-extractor")}
}

// Extract returns the order's price field if set, else the first stop price
// found in the description. The second return is false when neither source
// yields a value.
func (x *StopPriceExtractor) Extract(o types.Order) (decimal.Decimal, bool) {
	if o.Price != nil {
		return *o.Price, true
	}
	m := stopDescPattern.FindStringSubmatch(o.Description)
	if m == nil {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		x.logger.Warn("unparseable stop price in order description",
			"orderId", o.OrderID, "description", o.Description, "error", err)
		return decimal.Decimal{}, false
	}
	return d, true
}

// EffectiveStop resolves the stop price the risk engine should use: the
// dedicated stop field when present, else the Extract chain.
func (x *StopPriceExtractor) EffectiveStop(o types.Order) (decimal.Decimal, bool) {
	if o.StopPrice != nil {
		return *o.StopPrice, true
	}
	return x.Extract(o)
}
