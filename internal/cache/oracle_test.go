package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOracleNeedsHistory(t *testing.T) {
	o := NewPrefetchOracle(10)
	o.Add(0)
	o.Add(1)
	assert.Empty(t, o.Predict(10, PredictAll))
}

func TestOracleDetectsForwardStride(t *testing.T) {
	o := NewPrefetchOracle(10)
	o.Add(0)
	o.Add(1)
	o.Add(2)

	// [2,1,0] yields distance 1 twice, anchored at the newest element
	assert.Equal(t, []int{3, 4}, o.Predict(10, PredictAll))
}

func TestOracleStreamingReadPrefetchesAhead(t *testing.T) {
	o := NewPrefetchOracle(10)

	var all []int
	for i := 0; i <= 4; i++ {
		o.Add(i)
		all = append(all, o.Predict(10, PredictContinue)...)
	}

	// reading 0..4 in order schedules everything up to block 8, without
	// repeating a prediction across calls
	assert.Equal(t, []int{3, 4, 5, 6, 7, 8}, all)
}

func TestOracleDetectsBackwardStride(t *testing.T) {
	o := NewPrefetchOracle(10)
	for _, n := range []int{100, 98, 96, 94} {
		o.Add(n)
	}
	prediction := o.Predict(10, PredictAll)
	assert.NotEmpty(t, prediction)
	for i, p := range prediction {
		assert.Equal(t, 92-2*i, p)
	}
}

func TestOracleNeverPredictsNonPositive(t *testing.T) {
	o := NewPrefetchOracle(10)
	for _, n := range []int{6, 4, 2} {
		o.Add(n)
	}
	for _, p := range o.Predict(10, PredictAll) {
		assert.Greater(t, p, 0)
	}
}

func TestOracleToleratesOutlier(t *testing.T) {
	o := NewPrefetchOracle(10)
	for _, n := range []int{10, 11, 12, 99, 13, 14, 15} {
		o.Add(n)
	}
	prediction := o.Predict(10, PredictAll)
	assert.Contains(t, prediction, 16)
}

func TestOracleSilentOnRandomAccess(t *testing.T) {
	o := NewPrefetchOracle(10)
	for _, n := range []int{7, 100, 3, 1500, 42, 9} {
		o.Add(n)
	}
	assert.Empty(t, o.Predict(10, PredictAll))
}

func TestOracleIgnoresDuplicatesInWindow(t *testing.T) {
	o := NewPrefetchOracle(10)
	o.Add(5)
	o.Add(5)
	o.Add(5)
	// three touches of one block are one history entry, not a pattern
	assert.Empty(t, o.Predict(10, PredictAll))
}

func TestOracleCapsPredictionLength(t *testing.T) {
	o := NewPrefetchOracle(3)
	for i := 0; i < 8; i++ {
		o.Add(i)
	}
	prediction := o.Predict(100, PredictAll)
	assert.LessOrEqual(t, len(prediction), 3)
}

func TestOracleContinueDeduplicatesAcrossCalls(t *testing.T) {
	o := NewPrefetchOracle(10)
	o.Add(0)
	o.Add(1)
	o.Add(2)
	first := o.Predict(10, PredictContinue)
	assert.NotEmpty(t, first)

	// identical history, nothing new to predict
	second := o.Predict(10, PredictContinue)
	for _, p := range second {
		assert.NotContains(t, first, p)
	}
}
