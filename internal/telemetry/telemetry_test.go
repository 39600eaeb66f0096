package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordCount_cachesInstrument(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordCount(SyncItems, 1, map[string]string{"outcome": "synced"})
		RecordCount(SyncItems, 2, nil)
	})

	first, ok := counters.Load(SyncItems)
	assert.True(t, ok)
	assert.Equal(t, first, counter(SyncItems))
}

func TestRecordTiming(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordTiming(SyncDrainDuration, 150*time.Millisecond, map[string]string{"result": "ok"})
	})
	_, ok := histograms.Load(SyncDrainDuration)
	assert.True(t, ok)
}
