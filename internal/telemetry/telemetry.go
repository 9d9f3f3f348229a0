package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zianansar/proposal-writer-sub006/config"
)

// Telemetry provides monitoring and cost tracking for pipeline runs
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	CompletedRuns  int64
	DegradedRuns   int64
	FailedRuns     int64
	CancelledRuns  int64
	AverageRunTime time.Duration

	// Stage metrics
	StageExecutions   map[string]int64
	StageFallbacks    map[string]int64
	StageRetries      map[string]int64
	StageAverageTimes map[string]time.Duration

	// Breaker metrics
	BreakerRejections map[string]int64
	GlobalPauses      int64
}

// CostTracker tracks token spend across runs
type CostTracker struct {
	// Requester costs
	RequesterCosts map[string]float64

	// Total costs
	TotalCost   float64
	TotalTokens int64
}

// RunEvent represents one pipeline run reaching a terminal status
type RunEvent struct {
	ID         string
	Requester  string
	Status     string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Cost       float64
	TokensUsed int64
	Error      string
}

// StageEvent represents a single stage settling within a run
type StageEvent struct {
	RunID    string
	Stage    string
	Outcome  string
	Retries  int
	Duration time.Duration
	Error    string
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StageExecutions:   make(map[string]int64),
			StageFallbacks:    make(map[string]int64),
			StageRetries:      make(map[string]int64),
			StageAverageTimes: make(map[string]time.Duration),
			BreakerRejections: make(map[string]int64),
		},
		costTracker: &CostTracker{
			RequesterCosts: make(map[string]float64),
		},
	}

	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
	}

	return t
}

// RecordRunEvent records a completed pipeline run
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	switch event.Status {
	case "completed":
		t.metrics.CompletedRuns++
	case "degraded":
		t.metrics.DegradedRuns++
	case "cancelled":
		t.metrics.CancelledRuns++
	default:
		t.metrics.FailedRuns++
	}

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
		t.costTracker.RequesterCosts[event.Requester] += event.Cost
	}

	t.logger.Printf("Run Event: ID=%s, Status=%s, Duration=%v, Cost=$%.4f, Tokens=%d",
		event.ID, event.Status, event.Duration, event.Cost, event.TokensUsed)
}

// RecordStageEvent records a stage execution
func (t *Telemetry) RecordStageEvent(ctx context.Context, event StageEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StageExecutions[event.Stage]++
	t.metrics.StageRetries[event.Stage] += int64(event.Retries)
	if event.Outcome == "fallback" {
		t.metrics.StageFallbacks[event.Stage]++
	}

	executions := t.metrics.StageExecutions[event.Stage]
	currentAvg := t.metrics.StageAverageTimes[event.Stage]
	if executions == 1 {
		t.metrics.StageAverageTimes[event.Stage] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.StageAverageTimes[event.Stage] = (total + event.Duration) / time.Duration(executions)
	}

	t.logger.Printf("Stage Event: Run=%s, Stage=%s, Outcome=%s, Retries=%d, Duration=%v",
		event.RunID, event.Stage, event.Outcome, event.Retries, event.Duration)
}

// RecordBreakerRejection records a call rejected by an open circuit
func (t *Telemetry) RecordBreakerRejection(scope string) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.BreakerRejections[scope]++
	if scope == "global" {
		t.metrics.GlobalPauses++
	}
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.StageExecutions = make(map[string]int64)
	metrics.StageFallbacks = make(map[string]int64)
	metrics.StageRetries = make(map[string]int64)
	metrics.StageAverageTimes = make(map[string]time.Duration)
	metrics.BreakerRejections = make(map[string]int64)

	for k, v := range t.metrics.StageExecutions {
		metrics.StageExecutions[k] = v
	}
	for k, v := range t.metrics.StageFallbacks {
		metrics.StageFallbacks[k] = v
	}
	for k, v := range t.metrics.StageRetries {
		metrics.StageRetries[k] = v
	}
	for k, v := range t.metrics.StageAverageTimes {
		metrics.StageAverageTimes[k] = v
	}
	for k, v := range t.metrics.BreakerRejections {
		metrics.BreakerRejections[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		RequesterCosts: make(map[string]float64),
	}
	for k, v := range t.costTracker.RequesterCosts {
		summary.RequesterCosts[k] = v
	}
	return summary
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost      float64            `json:"total_cost"`
	TotalTokens    int64              `json:"total_tokens"`
	RequesterCosts map[string]float64 `json:"requester_costs"`
}

// startMetricsCollection starts periodic metrics collection
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.CompletedRuns, metrics.TotalRuns,
			metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
	}
}

// CalculateCost calculates the cost for a given number of tokens and model
func (t *Telemetry) CalculateCost(inputTokens, outputTokens int64, costPer1KInput, costPer1KOutput float64) float64 {
	inputCost := float64(inputTokens) / 1000.0 * costPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * costPer1KOutput
	return inputCost + outputCost
}

// Shutdown gracefully shuts down the telemetry system
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Runs: %d", metrics.TotalRuns)
	if metrics.TotalRuns > 0 {
		t.logger.Printf("  Completion Rate: %.2f%%", float64(metrics.CompletedRuns)/float64(metrics.TotalRuns)*100)
	}
	t.logger.Printf("  Average Run Time: %v", metrics.AverageRunTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}
