package move

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type moveMetrics struct {
	logger        *log.Logger
	start         time.Time
	itemID        string
	from          string
	target        string
	result        Result
	attempts      int
	writeDuration time.Duration
}

func newMoveMetrics(logger *log.Logger, itemID, target string) *moveMetrics {
	return &moveMetrics{
		logger: logger,
		start:  time.Now(),
		itemID: itemID,
		target: target,
	}
}

func (m *moveMetrics) SetFrom(from string) {
	m.from = from
}

func (m *moveMetrics) SetResult(r Result) {
	m.result = r
}

func (m *moveMetrics) ObserveWrite(d time.Duration) {
	if d <= 0 {
		return
	}
	m.writeDuration = d
}

func (m *moveMetrics) Log(err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"item_id":  m.itemID,
		"target":   m.target,
		"result":   string(m.result),
		"attempts": m.attempts,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.from != "" {
		fields["from"] = m.from
	}
	if m.writeDuration > 0 {
		fields["write_ms"] = durationToMillis(m.writeDuration)
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("board.move.result")
		return
	}
	m.logger.WithFields(fields).Info("board.move.result")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
