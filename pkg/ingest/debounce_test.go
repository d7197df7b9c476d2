package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDebounceCoalescesBursts(t *testing.T) {
	d := debounce{window: 3 * time.Second, maxWait: 10 * time.Second}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	d.note(now)
	require.True(t, d.armed)
	require.False(t, d.due(now.Add(2*time.Second)))

	// A second event pushes the deadline out.
	d.note(now.Add(2 * time.Second))
	require.False(t, d.due(now.Add(4*time.Second)))
	require.True(t, d.due(now.Add(5*time.Second)))
}

func TestDebounceMaxWaitCapsStarvation(t *testing.T) {
	d := debounce{window: 3 * time.Second, maxWait: 10 * time.Second}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// A continuous burst keeps noting every second; the hard ceiling set
	// by the first event still fires the trigger.
	for i := 0; i < 20; i++ {
		d.note(now.Add(time.Duration(i) * time.Second))
	}
	require.True(t, d.due(now.Add(10*time.Second)))
}

func TestDebounceResetDisarms(t *testing.T) {
	d := debounce{window: time.Second, maxWait: 5 * time.Second}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	d.note(now)
	d.reset()
	require.False(t, d.due(now.Add(time.Hour)))

	// Re-arming after a reset starts a fresh hard ceiling.
	d.note(now.Add(time.Minute))
	require.True(t, d.due(now.Add(time.Minute+time.Second)))
}
