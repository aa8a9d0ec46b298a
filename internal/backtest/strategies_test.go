package backtest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trueIndexes(flags []bool) []int {
	var idx []int
	for i, f := range flags {
		if f {
			idx = append(idx, i)
		}
	}
	return idx
}

// rampCloses is flat at 10, climbs to 20, falls back to 10. With
// SMA(3)/SMA(8) the fast average crosses up at bar 10 and back down at
// bar 23.
func rampCloses() []float64 {
	closes := make([]float64, 32)
	for i := range closes {
		switch {
		case i < 10:
			closes[i] = 10
		case i < 20:
			closes[i] = 10 + float64(i-9)
		case i < 30:
			closes[i] = 19 - float64(i-20)
		default:
			closes[i] = 10
		}
	}
	return closes
}

func TestCrossHelpers(t *testing.T) {
	up := []float64{1, 3}
	down := []float64{3, 1}
	flat := []float64{2, 2}

	assert.True(t, crossAbove(up, flat, 1))
	assert.False(t, crossAbove(up, flat, 0), "no previous bar to cross from")
	assert.True(t, crossBelow(down, flat, 1))

	// Equality on the previous bar still counts as a cross.
	assert.True(t, crossAbove([]float64{2, 3}, flat, 1))
	assert.True(t, crossUpLevel([]float64{30, 31}, 30, 1))
	assert.True(t, crossDownLevel([]float64{70, 69}, 70, 1))
	assert.False(t, crossUpLevel([]float64{31, 32}, 30, 1), "already above, no cross")
}

func TestSmaCrossSignalsRoundTrip(t *testing.T) {
	s := series{closes: rampCloses()}
	entries, exits := smaCrossSignals(s, Params{"fast_period": 3, "slow_period": 8})

	assert.Equal(t, []int{10}, trueIndexes(entries))
	assert.Equal(t, []int{23}, trueIndexes(exits))
}

func TestRsiReversionSignalsRecoveryAndFade(t *testing.T) {
	// Fall from 100 to 90, recover to 105, fade again. RSI(5) pins near
	// zero on the way down, crosses up through 30 early in the recovery
	// and back down through 70 once the fade starts.
	closes := make([]float64, 35)
	for i := range closes {
		switch {
		case i <= 10:
			closes[i] = 100 - float64(i)
		case i <= 25:
			closes[i] = 90 + float64(i-10)
		default:
			closes[i] = 105 - float64(i-25)
		}
	}

	entries, exits := rsiReversionSignals(series{closes: closes}, Params{"rsi_period": 5})
	entryIdx := trueIndexes(entries)
	exitIdx := trueIndexes(exits)

	require.Len(t, entryIdx, 1)
	assert.GreaterOrEqual(t, entryIdx[0], 11, "entry belongs to the recovery leg")
	assert.LessOrEqual(t, entryIdx[0], 15)

	require.NotEmpty(t, exitIdx)
	assert.GreaterOrEqual(t, exitIdx[0], 26, "exit belongs to the fade leg")
}

func TestMacdMomentumSignalsOnWave(t *testing.T) {
	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/8)
	}

	entries, exits := macdMomentumSignals(series{closes: closes}, Params{})
	entryIdx := trueIndexes(entries)
	exitIdx := trueIndexes(exits)

	require.NotEmpty(t, entryIdx)
	require.NotEmpty(t, exitIdx)
	assert.GreaterOrEqual(t, entryIdx[0], 35, "no signals inside the warmup window")
	assert.GreaterOrEqual(t, exitIdx[0], 35)
}

func TestBbBreakoutSignalsSqueezeRelease(t *testing.T) {
	// Dead flat range, a five-bar pop to 110, then back to 100. The pop
	// bar leaves the squeeze above the upper band; the retreat closes
	// below the middle band.
	closes := make([]float64, 40)
	for i := range closes {
		switch {
		case i < 30:
			closes[i] = 100
		case i < 35:
			closes[i] = 110
		default:
			closes[i] = 100
		}
	}

	entries, exits := bbBreakoutSignals(series{closes: closes}, Params{})

	assert.Equal(t, []int{30}, trueIndexes(entries))
	assert.True(t, exits[35], "retreat below the middle band exits")
	assert.False(t, exits[30], "breakout bar itself is not an exit")
}

func TestRegimeFollowSignalsTrendCycle(t *testing.T) {
	// Flat chop, a strong 60-bar ramp, then a long plateau. ADX climbs
	// past the threshold during the ramp and decays on the plateau.
	n := 150
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i := range closes {
		switch {
		case i < 40:
			closes[i] = 100
		case i < 100:
			closes[i] = 100 + 2*float64(i-39)
		default:
			closes[i] = closes[99]
		}
		highs[i] = closes[i] + 1
		lows[i] = closes[i] - 1
	}

	entries, exits := regimeFollowSignals(series{closes: closes, highs: highs, lows: lows}, Params{})
	entryIdx := trueIndexes(entries)
	exitIdx := trueIndexes(exits)

	require.NotEmpty(t, entryIdx, "a sustained trend must trigger an entry")
	assert.GreaterOrEqual(t, entryIdx[0], 31, "no signals inside the warmup window")
	assert.Less(t, entryIdx[0], 100, "entry happens during the ramp")

	require.NotEmpty(t, exitIdx)
	var exitAfterEntry bool
	for _, i := range exitIdx {
		if i > entryIdx[0] {
			exitAfterEntry = true
			break
		}
	}
	assert.True(t, exitAfterEntry, "the plateau decay must produce an exit")
}

func TestEnsembleSignalsMajorityVote(t *testing.T) {
	// Long flat base, a 40-bar ramp that flips all three voters
	// bullish, then a slide that flips them back.
	n := 120
	closes := make([]float64, n)
	for i := range closes {
		switch {
		case i < 50:
			closes[i] = 100
		case i < 90:
			closes[i] = 100 + float64(i-49)
		default:
			closes[i] = 140 - float64(i-89)
		}
	}

	entries, exits := ensembleSignals(series{closes: closes}, Params{})
	entryIdx := trueIndexes(entries)
	exitIdx := trueIndexes(exits)

	require.NotEmpty(t, entryIdx)
	assert.GreaterOrEqual(t, entryIdx[0], 36, "no signals inside the warmup window")
	assert.Less(t, entryIdx[0], 90, "votes align during the ramp")

	require.NotEmpty(t, exitIdx)
	assert.Greater(t, exitIdx[len(exitIdx)-1], 89, "votes fall apart on the slide")
}

func TestApplyMaxHoldForcesExit(t *testing.T) {
	entries := make([]bool, 10)
	exits := make([]bool, 10)
	entries[2] = true

	applyMaxHold(entries, exits, 3)

	assert.Equal(t, []int{5}, trueIndexes(exits), "exit forced exactly maxHold bars after entry")
}

func TestApplyMaxHoldNaturalExitResets(t *testing.T) {
	entries := make([]bool, 10)
	exits := make([]bool, 10)
	entries[1] = true
	exits[3] = true

	applyMaxHold(entries, exits, 5)

	assert.Equal(t, []int{3}, trueIndexes(exits), "natural exit inside the window, nothing forced")
}

func TestApplyMaxHoldReentry(t *testing.T) {
	entries := make([]bool, 10)
	exits := make([]bool, 10)
	entries[0] = true
	entries[6] = true

	applyMaxHold(entries, exits, 2)

	assert.Equal(t, []int{2, 8}, trueIndexes(exits))
}

func TestApplyMaxHoldDisabled(t *testing.T) {
	entries := []bool{true, false, false, false}
	exits := make([]bool, 4)

	applyMaxHold(entries, exits, 0)

	assert.Empty(t, trueIndexes(exits))
}

func TestStrategiesRegistry(t *testing.T) {
	names := make([]string, 0)
	for _, s := range Strategies() {
		names = append(names, s.Name)
		assert.NotEmpty(t, s.Description, "%s needs a description", s.Name)
		assert.Contains(t, s.Defaults, "max_hold_bars", "%s must publish the hold cap", s.Name)
	}
	assert.Equal(t, []string{"sma_cross", "rsi_reversion", "macd_momentum", "bb_breakout", "regime_follow", "ensemble"}, names)

	_, ok := strategyByName("sma_cross")
	assert.True(t, ok)
	_, ok = strategyByName("martingale")
	assert.False(t, ok)
}
