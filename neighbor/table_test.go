// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package neighbor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveInsertsAndUpdates(t *testing.T) {
	tbl := NewTable(8)
	now := time.Now()
	tbl.Observe(1, IfaceRadio, -70, 5, now)
	assert.True(t, tbl.IsNeighbor(1))

	v, ok := tbl.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, IfaceRadio, v.Preferred)
	assert.Equal(t, -70, v.RSSI)
}

func TestPreferredInterfaceIsPriorityNotQuality(t *testing.T) {
	tbl := NewTable(8)
	now := time.Now()
	// Short-range has much better signal, but radio has fixed priority.
	tbl.Observe(1, IfaceShortRange, -50, 10, now)
	tbl.Observe(1, IfaceRadio, -95, -5, now)

	v, ok := tbl.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, IfaceRadio, v.Preferred)
}

func TestEvictsOldestOnFullTable(t *testing.T) {
	tbl := NewTable(2)
	base := time.Now()
	tbl.Observe(1, IfaceRadio, -70, 5, base)
	tbl.Observe(2, IfaceRadio, -70, 5, base.Add(time.Second))
	// Table full; peer 1 is the oldest activity, gets evicted.
	tbl.Observe(3, IfaceRadio, -70, 5, base.Add(2*time.Second))

	assert.False(t, tbl.IsNeighbor(1))
	assert.True(t, tbl.IsNeighbor(2))
	assert.True(t, tbl.IsNeighbor(3))
}

func TestExpireDropsStaleInterfacesThenEntry(t *testing.T) {
	tbl := NewTable(8)
	base := time.Now()
	tbl.Observe(1, IfaceRadio, -70, 5, base)

	tbl.Expire(base.Add(Timeout + time.Second))
	assert.False(t, tbl.IsNeighbor(1))
}

func TestExpireKeepsFreshInterface(t *testing.T) {
	tbl := NewTable(8)
	base := time.Now()
	tbl.Observe(1, IfaceRadio, -70, 5, base)
	tbl.Observe(1, IfaceShortRange, -60, 5, base.Add(Timeout))

	tbl.Expire(base.Add(Timeout + time.Second))
	assert.True(t, tbl.IsNeighbor(1))
}

func TestQualityClampsAndBlends(t *testing.T) {
	assert.Equal(t, byte(255), Quality(-50, 10))
	assert.Equal(t, byte(0), Quality(-150, -20))
	mid := Quality(-75, 0)
	assert.True(t, mid > 0 && mid < 255)
}

func TestIterateSkipsExpiredOnly(t *testing.T) {
	tbl := NewTable(8)
	now := time.Now()
	tbl.Observe(1, IfaceRadio, -70, 5, now)
	tbl.Observe(2, IfaceRadio, -70, 5, now)
	views := tbl.Iterate()
	assert.Len(t, views, 2)
}
