package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect_EmptyWindow(t *testing.T) {
	s := NewSampler(time.Minute)

	m, err := s.Collect(context.Background())
	require.NoError(t, err)

	assert.Zero(t, m.ErrorRate)
	assert.Zero(t, m.ResponseTime)
	assert.GreaterOrEqual(t, m.MemoryUsage, 0.0)
	assert.GreaterOrEqual(t, m.CPUUsage, 0.0)
}

func TestCollect_ErrorRateOverWindow(t *testing.T) {
	s := NewSampler(time.Minute)

	for i := 0; i < 8; i++ {
		s.RecordRequest(10*time.Millisecond, false)
	}
	s.RecordRequest(10*time.Millisecond, true)
	s.RecordRequest(10*time.Millisecond, true)

	m, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.2, m.ErrorRate, 0.001)
}

func TestCollect_ResponseTimeIsUpperPercentile(t *testing.T) {
	s := NewSampler(time.Minute)

	for i := 0; i < 99; i++ {
		s.RecordRequest(10*time.Millisecond, false)
	}
	s.RecordRequest(2*time.Second, false)

	m, err := s.Collect(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, m.ResponseTime, 10*time.Millisecond)
	assert.Less(t, m.ResponseTime, 2*time.Second)
}

func TestRecordRequest_TrimsOldSamples(t *testing.T) {
	s := NewSampler(20 * time.Millisecond)

	s.RecordRequest(time.Millisecond, true)
	time.Sleep(30 * time.Millisecond)
	s.RecordRequest(time.Millisecond, false)

	m, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, m.ErrorRate)
}
