package utils_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/utils"
)

func TestLinearBackoff_DelaysGrowLinearly(t *testing.T) {
	b := utils.NewLinearBackoff(time.Second, 10)

	for i := 1; i <= 3; i++ {
		delay, exhausted := b.Next()
		require.False(t, exhausted)
		assert.Equal(t, time.Duration(i)*time.Second, delay)
	}
}

func TestLinearBackoff_ExhaustsAtCap(t *testing.T) {
	b := utils.NewLinearBackoff(time.Millisecond, 3)

	for i := 0; i < 3; i++ {
		_, exhausted := b.Next()
		require.False(t, exhausted)
	}

	delay, exhausted := b.Next()
	assert.True(t, exhausted)
	assert.Zero(t, delay)

	// Still exhausted on subsequent calls.
	_, exhausted = b.Next()
	assert.True(t, exhausted)
}

func TestLinearBackoff_ResetRestartsSchedule(t *testing.T) {
	b := utils.NewLinearBackoff(time.Second, 2)

	_, _ = b.Next()
	_, _ = b.Next()
	_, exhausted := b.Next()
	require.True(t, exhausted)

	b.Reset()
	assert.Equal(t, 1, b.Attempt())

	delay, exhausted := b.Next()
	assert.False(t, exhausted)
	assert.Equal(t, time.Second, delay)
}

func TestLinearBackoff_ZeroCapNeverExhausts(t *testing.T) {
	b := utils.NewLinearBackoff(time.Millisecond, 0)

	for i := 1; i <= 50; i++ {
		delay, exhausted := b.Next()
		require.False(t, exhausted)
		assert.Equal(t, time.Duration(i)*time.Millisecond, delay)
	}
}
