// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tve/lorameshd/proto"
)

func TestUpsertInstallsPrimaryRoute(t *testing.T) {
	tbl := NewTable(DefaultCapacity)
	now := time.Now()
	tbl.Upsert(10, 20, 2, 200, now)
	r, ok := tbl.Primary(10)
	assert.True(t, ok)
	assert.Equal(t, proto.Addr(20), r.NextHop)
}

func TestMultiPathBestScoreIsPrimary(t *testing.T) {
	tbl := NewTable(DefaultCapacity)
	now := time.Now()
	tbl.Upsert(10, 20, 5, 100, now) // score 100-50=50
	tbl.Upsert(10, 30, 1, 100, now) // score 100-10=90, should win
	r, ok := tbl.Primary(10)
	assert.True(t, ok)
	assert.Equal(t, proto.Addr(30), r.NextHop)
}

func TestPromoteNextBestAfterFailure(t *testing.T) {
	tbl := NewTable(DefaultCapacity)
	now := time.Now()
	tbl.Upsert(10, 20, 5, 100, now)
	tbl.Upsert(10, 30, 1, 100, now) // primary
	tbl.PromoteNextBest(10, 30)
	r, ok := tbl.Primary(10)
	assert.True(t, ok)
	assert.Equal(t, proto.Addr(20), r.NextHop)
}

func TestInvalidateViaOrphansDestination(t *testing.T) {
	tbl := NewTable(DefaultCapacity)
	now := time.Now()
	tbl.Upsert(10, 20, 2, 200, now)
	orphaned := tbl.InvalidateVia(20)
	assert.Equal(t, []proto.Addr{10}, orphaned)
	_, ok := tbl.Primary(10)
	assert.False(t, ok)
}

func TestEvictOldestWhenFull(t *testing.T) {
	tbl := NewTable(2)
	now := time.Now()
	tbl.Upsert(1, 100, 1, 200, now)
	tbl.Upsert(2, 100, 1, 200, now.Add(time.Second))
	tbl.Upsert(3, 100, 1, 200, now.Add(2*time.Second)) // should evict dest 1
	_, ok := tbl.Primary(1)
	assert.False(t, ok)
	_, ok = tbl.Primary(3)
	assert.True(t, ok)
	assert.Equal(t, 2, tbl.Len())
}

func TestExpireDropsStaleRoutes(t *testing.T) {
	tbl := NewTable(DefaultCapacity)
	now := time.Now()
	tbl.Upsert(10, 20, 2, 200, now)
	tbl.Expire(now.Add(RouteTimeout + time.Second))
	_, ok := tbl.Primary(10)
	assert.False(t, ok)
}

func TestStaleButInUseFlagsAgedPrimary(t *testing.T) {
	tbl := NewTable(DefaultCapacity)
	now := time.Now()
	tbl.Upsert(10, 20, 2, 200, now)
	stale := tbl.StaleButInUse(now.Add(RouteTimeout/2+time.Second), 0.5)
	assert.Contains(t, stale, proto.Addr(10))
}
