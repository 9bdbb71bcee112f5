package politeness_test

import (
	"context"
	"testing"
	"time"

	"harvester/internal/logger"
	"harvester/internal/politeness"

	"github.com/stretchr/testify/require"
)

func TestDelayWithinJitterWindow(t *testing.T) {
	s := politeness.NewScheduler(20*time.Millisecond, 30*time.Millisecond, logger.Discard())
	for i := 0; i < 200; i++ {
		d := s.Delay("lpc")
		require.GreaterOrEqual(t, d, 20*time.Millisecond)
		require.Less(t, d, 50*time.Millisecond)
	}
}

func TestFixedDelayReplacesJitter(t *testing.T) {
	s := politeness.NewScheduler(time.Second, time.Second, logger.Discard())
	s.SetFixed("ndp", 11*time.Second)

	require.Equal(t, 11*time.Second, s.Delay("ndp"))
	require.GreaterOrEqual(t, s.Delay("lpc"), time.Second)

	s.SetFixed("ndp", 0)
	require.Less(t, s.Delay("ndp"), 2*time.Second)
}

func TestFloorRaisesDelay(t *testing.T) {
	s := politeness.NewScheduler(10*time.Millisecond, 0, logger.Discard())
	s.SetFloor("ppc", 3*time.Second)
	s.SetFloor("ppc", time.Second)

	require.Equal(t, 3*time.Second, s.Delay("ppc"))
	require.Equal(t, 10*time.Millisecond, s.Delay("other"))
}

func TestWaitSleeps(t *testing.T) {
	s := politeness.NewScheduler(15*time.Millisecond, 0, logger.Discard())

	start := time.Now()
	s.Wait(context.Background(), "lpc")
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	require.Equal(t, 1, s.Waits("lpc"))
}

func TestWaitReturnsOnCancel(t *testing.T) {
	s := politeness.NewScheduler(time.Hour, 0, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	s.Wait(ctx, "lpc")
	require.Less(t, time.Since(start), time.Second)
}

func TestConsecutiveWaitsKeepSpacing(t *testing.T) {
	s := politeness.NewScheduler(20*time.Millisecond, 0, logger.Discard())

	start := time.Now()
	for i := 0; i < 3; i++ {
		s.Wait(context.Background(), "lpc")
	}
	require.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
	require.Equal(t, 3, s.Waits("lpc"))
}

func TestFloorRetunesStartedSource(t *testing.T) {
	s := politeness.NewScheduler(time.Millisecond, 0, logger.Discard())
	s.Wait(context.Background(), "ppc")

	s.SetFloor("ppc", 40*time.Millisecond)
	start := time.Now()
	s.Wait(context.Background(), "ppc")
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestZeroDelayDoesNotBlock(t *testing.T) {
	s := politeness.NewScheduler(0, 0, logger.Discard())

	start := time.Now()
	for i := 0; i < 5; i++ {
		s.Wait(context.Background(), "lpc")
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
