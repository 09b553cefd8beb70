package ports

import (
	"time"

	"github.com/bnema/agentloop/internal/domain"
)

type LoopMetrics interface {
	ObserveIteration(record domain.IterationRecord)
	ObserveRateLimit(model domain.ModelID)
	ObserveCooldown(wait time.Duration)
	ObserveSessionEnd(status domain.SessionStatus)
	Flush() error
}
