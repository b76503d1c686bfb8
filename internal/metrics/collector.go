package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// OperationType represents the type of ledger operation being measured
type OperationType string

const (
	// CreateOperation represents an account creation
	CreateOperation OperationType = "CREATE"
	// DepositOperation represents a deposit into the general balance
	DepositOperation OperationType = "DEPOSIT"
	// TransferOperation represents a transfer between accounts
	TransferOperation OperationType = "TRANSFER"
	// WalletOperation represents a wallet top-up
	WalletOperation OperationType = "WALLET_TOPUP"
	// QueryOperation represents a read-only lookup
	QueryOperation OperationType = "QUERY"
	// ExportOperation represents a raw export of ledger or log state
	ExportOperation OperationType = "EXPORT"
)

// LogAppendFailures counts log appends that failed after the ledger was saved.
const LogAppendFailures = "logAppendFailures"

// SaveConflicts counts saves retried because another writer got there first.
const SaveConflicts = "saveConflicts"

// maxSamples bounds the latency samples kept for percentiles.
const maxSamples = 1024

// OperationMetric represents metrics for a single operation
type OperationMetric struct {
	Type         OperationType `json:"type"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"duration"`
	Error        error         `json:"-"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

type typeTotals struct {
	count         int64
	errors        int64
	totalDuration time.Duration
}

// Collector aggregates operation metrics for the lifetime of a process
type Collector struct {
	mu       sync.Mutex
	started  time.Time
	totals   map[OperationType]*typeTotals
	samples  []*OperationMetric
	next     int
	counters map[string]int64
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		started:  time.Now(),
		totals:   make(map[OperationType]*typeTotals),
		samples:  make([]*OperationMetric, 0, maxSamples),
		counters: make(map[string]int64),
	}
}

// MeasureOperation measures a single operation and returns any error from the operation
func (c *Collector) MeasureOperation(opType OperationType, operation func() error) error {
	if operation == nil {
		return fmt.Errorf("operation function cannot be nil")
	}

	metric := &OperationMetric{
		Type:      opType,
		StartTime: time.Now(),
	}

	err := operation()
	metric.EndTime = time.Now()
	metric.Duration = metric.EndTime.Sub(metric.StartTime)

	if err != nil {
		metric.Error = err
		metric.ErrorMessage = err.Error()
	}

	c.record(metric)
	return err
}

func (c *Collector) record(metric *OperationMetric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.totals[metric.Type]
	if !ok {
		t = &typeTotals{}
		c.totals[metric.Type] = t
	}
	t.count++
	t.totalDuration += metric.Duration
	if metric.Error != nil {
		t.errors++
	}

	if len(c.samples) < maxSamples {
		c.samples = append(c.samples, metric)
		return
	}
	c.samples[c.next] = metric
	c.next = (c.next + 1) % maxSamples
}

// IncrementCounter adds one to a named custom counter
func (c *Collector) IncrementCounter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name]++
}

// Counter returns the value of a named custom counter
func (c *Collector) Counter(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Count returns how many operations of opType were measured
func (c *Collector) Count(opType OperationType) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.totals[opType]; ok {
		return t.count
	}
	return 0
}

// Summary calculates summary metrics over everything measured so far
func (c *Collector) Summary() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := map[string]interface{}{
		"uptimeSeconds": time.Since(c.started).Seconds(),
	}

	var opCount, errorCount int64
	var totalDuration time.Duration
	byType := make(map[string]interface{}, len(c.totals))
	for opType, t := range c.totals {
		opCount += t.count
		errorCount += t.errors
		totalDuration += t.totalDuration
		byType[string(opType)] = map[string]interface{}{
			"count":       t.count,
			"errorCount":  t.errors,
			"avgDuration": t.totalDuration.Nanoseconds() / t.count,
		}
	}
	summary["operations"] = byType

	summary["operationCount"] = opCount
	summary["errorCount"] = errorCount
	summary["successCount"] = opCount - errorCount
	if opCount > 0 {
		summary["successRate"] = float64(opCount-errorCount) / float64(opCount)
		summary["avgDuration"] = totalDuration.Nanoseconds() / opCount
	}

	// Calculate percentiles if we have enough data
	if n := len(c.samples); n >= 10 {
		durations := make([]int64, 0, n)
		for _, op := range c.samples {
			durations = append(durations, op.Duration.Nanoseconds())
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

		summary["p50"] = durations[n*50/100]
		summary["p90"] = durations[n*90/100]
		summary["p99"] = durations[n*99/100]
	}

	for name, v := range c.counters {
		summary[name] = v
	}
	return summary
}

// Reset clears all collected data
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = time.Now()
	c.totals = make(map[OperationType]*typeTotals)
	c.samples = make([]*OperationMetric, 0, maxSamples)
	c.next = 0
	c.counters = make(map[string]int64)
}
