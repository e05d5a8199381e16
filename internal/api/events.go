package api

import (
	"time"

	"riskmanager/pkg/types"
)

// Event is the wrapper for everything pushed to websocket subscribers
type Event struct {
	Type      string    `json:"type"`      // "status", "report", "stop_placed"
	Timestamp time.Time `json:"timestamp"` // Event time
	Data      any       `json:"data"`      // Event-specific payload
}

// Event types.
const (
	EventStatus     = "status"
	EventReport     = "report"
	EventStopPlaced = "stop_placed"
)

// NewStatusEvent wraps a broker connection status
func NewStatusEvent(status types.ConnectionStatus) Event {
	return Event{
		Type:      EventStatus,
		Timestamp: time.Now(),
		Data:      status,
	}
}

// NewReportEvent wraps a freshly built risk report
func NewReportEvent(report types.RiskReport) Event {
	return Event{
		Type:      EventReport,
		Timestamp: time.Now(),
		Data:      report,
	}
}

// NewStopPlacedEvent wraps the results of a protect operation
func NewStopPlacedEvent(results []types.StopLossResult) Event {
	return Event{
		Type:      EventStopPlaced,
		Timestamp: time.Now(),
		Data:      results,
	}
}
