package distribution

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkv/fleetkv/fleet/metastore"
)

func TestWigglerOrder(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(1000 * time.Hour)
	minAge := 600 * time.Second
	w := NewStorageWiggler(metastore.NewStore(), "primary", minAge, clk)

	startTime := float64(clk.Now().Unix()) - minAge.Seconds() - 0.4
	w.AddServer("server1", WiggleMetadata{CreatedUnix: startTime, StoreType: StoreTypeSSDBTreeV2})
	w.AddServer("server2", WiggleMetadata{CreatedUnix: startTime + 0.1, StoreType: StoreTypeMemory, WrongConfigured: true})
	w.AddServer("server3", WiggleMetadata{CreatedUnix: startTime + 0.2, StoreType: StoreTypeRocksDB, WrongConfigured: true})
	w.AddServer("server4", WiggleMetadata{CreatedUnix: startTime + 0.3, StoreType: StoreTypeSSDBTreeV2})

	correctOrder := []ServerID{"server2", "server3", "server1", "server4"}
	for _, want := range correctOrder {
		id, ok := w.GetNextServerID(false)
		require.True(t, ok)
		assert.Equal(t, want, id)
	}
	_, ok := w.GetNextServerID(false)
	assert.False(t, ok)
}

func TestWigglerNecessaryOnlySkipsYoungServers(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(1000 * time.Hour)
	minAge := 600 * time.Second
	w := NewStorageWiggler(metastore.NewStore(), "primary", minAge, clk)

	// Young and correctly configured: not necessary.
	w.AddServer("young", WiggleMetadata{CreatedUnix: float64(clk.Now().Unix()) - 10, StoreType: StoreTypeSSDBTreeV2})
	_, ok := w.GetNextServerID(true)
	assert.False(t, ok)

	// A young but mis-configured server is always necessary.
	w.AddServer("misconfigured", WiggleMetadata{CreatedUnix: float64(clk.Now().Unix()) - 5, StoreType: StoreTypeMemory, WrongConfigured: true})
	id, ok := w.GetNextServerID(true)
	require.True(t, ok)
	assert.Equal(t, ServerID("misconfigured"), id)

	// The young healthy server stays queued.
	assert.True(t, w.Contains("young"))
}

func TestWigglerUpdateMetadataReorders(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(1000 * time.Hour)
	w := NewStorageWiggler(metastore.NewStore(), "primary", time.Hour, clk)

	now := float64(clk.Now().Unix())
	w.AddServer("a", WiggleMetadata{CreatedUnix: now - 100})
	w.AddServer("b", WiggleMetadata{CreatedUnix: now - 50})

	w.UpdateMetadata("b", WiggleMetadata{CreatedUnix: now - 50, WrongConfigured: true})
	id, ok := w.GetNextServerID(false)
	require.True(t, ok)
	assert.Equal(t, ServerID("b"), id)
}

func TestWigglerStatsRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(1000 * time.Hour)
	store := metastore.NewStore()
	w := NewStorageWiggler(store, "primary", time.Hour, clk)

	ctx := t.Context()
	w.AddServer("a", WiggleMetadata{CreatedUnix: 1})
	require.NoError(t, w.StartWiggle(ctx))
	_, ok := w.GetNextServerID(false)
	require.True(t, ok)
	require.NoError(t, w.FinishWiggle(ctx))

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.FinishedWiggles)
	assert.Equal(t, int64(1), stats.FinishedRounds)

	w2 := NewStorageWiggler(store, "primary", time.Hour, clk)
	require.NoError(t, w2.RestoreStats(ctx))
	assert.Equal(t, stats, w2.Stats())
}
