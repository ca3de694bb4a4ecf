package position

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateAt(t *testing.T) {
	long := &Position{
		Leverage:       3,
		BreakEvenLimit: big.NewInt(1_333),
		StopLossPrice:  big.NewInt(1_500),
		LimitPrice:     big.NewInt(2_500),
	}
	short := &Position{
		IsShort:        true,
		Leverage:       3,
		BreakEvenLimit: big.NewInt(2_666),
		StopLossPrice:  big.NewInt(2_400),
		LimitPrice:     big.NewInt(1_500),
	}
	spot := &Position{
		Leverage:       1,
		BreakEvenLimit: new(big.Int),
		StopLossPrice:  new(big.Int),
		LimitPrice:     big.NewInt(2_500),
	}

	tests := []struct {
		name  string
		p     *Position
		price int64
		want  State
	}{
		{"long open", long, 2_000, StateOpen},
		{"long limit", long, 2_600, StateLimitHit},
		{"long stop", long, 1_450, StateStopLoss},
		{"long buffer", long, 1_390, StateLiquidation},
		{"long at break-even", long, 1_333, StateInsolvent},
		{"long below break-even", long, 1_000, StateInsolvent},
		{"short open", short, 2_000, StateOpen},
		{"short limit", short, 1_400, StateLimitHit},
		{"short stop", short, 2_450, StateStopLoss},
		{"short buffer", short, 2_560, StateLiquidation},
		{"short above break-even", short, 3_000, StateInsolvent},
		{"spot open", spot, 1, StateOpen},
		{"spot limit", spot, 2_500, StateLimitHit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateAt(tt.p, big.NewInt(tt.price), 500))
		})
	}
}

func TestStateLiquidatable(t *testing.T) {
	assert.False(t, StateNone.Liquidatable())
	assert.False(t, StateLimitHit.Liquidatable())
	assert.False(t, StateOpen.Liquidatable())
	assert.True(t, StateStopLoss.Liquidatable())
	assert.True(t, StateLiquidation.Liquidatable())
	assert.True(t, StateInsolvent.Liquidatable())
	assert.Equal(t, "insolvent", StateInsolvent.String())
}
