package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json info", "info", "json", false},
		{"console debug", "DEBUG", "text", false},
		{"default format", "warn", "", false},
		{"bad level", "loud", "json", true},
		{"bad format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDecision("polymarket_bet", "block", "daily_limit_exceeded")
	m.RecordDecision("polymarket_bet", "block", "daily_limit_exceeded")
	m.RecordCapacityRejection("queue_full")
	m.SetQueueDepth(7)
	m.RecordTerminal("echo", "completed", "executed", 20*time.Millisecond)
	m.RecordTerminal("echo", "failed", "cancelled", 0)
	m.RecordAuditFailure()
	m.BreakerStateChanged("echo", gobreaker.StateClosed, gobreaker.StateOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("polymarket_bet", "block", "daily_limit_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CapacityRejections.WithLabelValues("queue_full")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobTransitions.WithLabelValues("failed", "cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("echo")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.JobDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision("tool_call", "allow", "policy_passed")
		m.RecordCapacityRejection("queue_full")
		m.SetQueueDepth(1)
		m.RecordTerminal("echo", "completed", "executed", time.Second)
		m.RecordAuditFailure()
		m.BreakerStateChanged("echo", gobreaker.StateClosed, gobreaker.StateOpen)
	})
}

func TestNewMetrics_NilRegisterer(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(nil)
		NewMetrics(nil)
	})
}
