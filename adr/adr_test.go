// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package adr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecommendationPicksLowestSFMeetingThresholds(t *testing.T) {
	l := NewLink(1)
	// Strong link: SF7 thresholds met (-70/+8).
	l.Observe(-60, 10)
	l.Observe(-60, 10)
	l.Recompute()
	assert.Equal(t, SF7, l.RecommendedSF)
}

func TestRecommendationIdempotentUnderRepeatedObserve(t *testing.T) {
	l := NewLink(1)
	for i := 0; i < 5; i++ {
		l.Observe(-90, 2)
		l.Recompute()
	}
	first := l.RecommendedSF
	l.Observe(-90, 2)
	l.Recompute()
	assert.Equal(t, first, l.RecommendedSF)
}

func TestHysteresisBlocksFastDecreaseWithoutMargin(t *testing.T) {
	l := NewLink(1)
	// Start weak, settle at SF10 or worse.
	l.Observe(-108, -4)
	l.Observe(-108, -4)
	l.Recompute()
	weak := l.RecommendedSF

	// Now signal improves just barely to SF7 threshold, not by the full hysteresis margin.
	l.Observe(-69, 8)
	l.Observe(-69, 8)
	l.Recompute()
	// Should not jump straight to SF7 without the 5dB margin above threshold.
	assert.True(t, l.RecommendedSF <= weak)
}

func TestIncreaseSFIsImmediate(t *testing.T) {
	l := NewLink(1)
	l.Observe(-60, 10)
	l.Observe(-60, 10)
	l.Recompute()
	require := l.RecommendedSF
	assert.Equal(t, SF7, require)

	l.Observe(-200, -50)
	l.Observe(-200, -50)
	l.Recompute()
	assert.Equal(t, SF12, l.RecommendedSF)
}

func TestNegotiationConvergesOnMax(t *testing.T) {
	a := NewLink(2)
	a.Observe(-60, 10)
	a.Observe(-60, 10)
	a.Recompute() // SF7

	b := NewLink(1)
	b.Observe(-105, -3)
	b.Observe(-105, -3)
	b.Recompute() // SF10ish

	a.SetPeerPreference(b.RecommendedSF)
	b.SetPeerPreference(a.RecommendedSF)

	negA := a.Negotiate()
	negB := b.Negotiate()
	assert.Equal(t, negA, negB)
	assert.Equal(t, maxSF(a.RecommendedSF, b.RecommendedSF), negA)
}

func TestNegotiateWithUnknownPeerPreferenceGuessesOneWorse(t *testing.T) {
	a := NewLink(1)
	a.Observe(-60, 10)
	a.Observe(-60, 10)
	a.Recompute()
	neg := a.Negotiate()
	assert.Equal(t, maxSF(a.RecommendedSF, a.RecommendedSF+1), neg)
}

func TestBestPicksMostFramesTieBreakRSSI(t *testing.T) {
	results := []ScanResult{
		{SF: SF7, Frames: 3, BestRSSI: -80},
		{SF: SF9, Frames: 5, BestRSSI: -90},
		{SF: SF10, Frames: 5, BestRSSI: -70},
	}
	assert.Equal(t, SF10, Best(results))
}
