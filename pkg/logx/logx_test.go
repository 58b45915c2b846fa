package logx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferRetainsRecentEntries(t *testing.T) {
	logger := NewLogger("wave-scheduler")
	logger.Info("wave %d started", 1)
	logger.Warn("slow gate on wave %d", 1)

	entries := Recent("", time.Time{})
	require.NotEmpty(t, entries)

	last := entries[len(entries)-1]
	assert.Equal(t, "wave-scheduler", last.Component)
	assert.Equal(t, "WARN", last.Level)
	assert.Equal(t, "slow gate on wave 1", last.Message)
}

func TestRingBufferEviction(t *testing.T) {
	logger := NewLogger("evict-test")
	for i := 0; i < ring.cap+50; i++ {
		logger.Info("entry %d", i)
	}
	entries := Recent("", time.Time{})
	assert.LessOrEqual(t, len(entries), ring.cap)
	assert.Equal(t, "entry 1049", entries[len(entries)-1].Message)
}

func TestDebugGatedByDomain(t *testing.T) {
	SetDebug(true, "react")
	defer SetDebug(false)

	assert.True(t, DebugEnabled("react"))
	assert.False(t, DebugEnabled("wave"))

	before := len(Recent("react", time.Time{}))
	Debug(context.Background(), "react", "iteration %d", 3)
	Debug(context.Background(), "wave", "suppressed")

	reactEntries := Recent("react", time.Time{})
	require.Len(t, reactEntries, before+1)
	assert.Equal(t, "iteration 3", reactEntries[len(reactEntries)-1].Message)
}

func TestDebugDisabledByDefault(t *testing.T) {
	SetDebug(false)
	assert.False(t, DebugEnabled("story"))

	before := len(Recent("", time.Time{}))
	Debug(context.Background(), "story", "should not appear")
	assert.Len(t, Recent("", time.Time{}), before)
}

func TestWithComponentAttribution(t *testing.T) {
	SetDebug(true)
	defer SetDebug(false)

	ctx := WithComponent(context.Background(), "step-runner")
	Debug(ctx, "step", "dispatching")

	entries := Recent("step", time.Time{})
	require.NotEmpty(t, entries)
	assert.Equal(t, "step-runner", entries[len(entries)-1].Component)
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("gate failed on wave %d", 2)
	require.Error(t, err)
	assert.Equal(t, "gate failed on wave 2", err.Error())
}

func TestWrapNilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "open database"))

	wrapped := Wrap(assert.AnError, "open database")
	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, assert.AnError)
}

func TestRecentSinceFilter(t *testing.T) {
	logger := NewLogger("since-test")
	logger.Info("old entry")
	cutoff := time.Now().UTC().Add(time.Second)
	assert.Empty(t, Recent("", cutoff))
}
