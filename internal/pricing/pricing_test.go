package pricing

import (
	"testing"

	"github.com/fableloom/loom-credits/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultCalculator() *Calculator {
	return NewCalculator(config.NewStaticPricingHolder(config.DefaultPricingConfig()))
}

func TestCostScalesPerImage(t *testing.T) {
	calc := defaultCalculator()

	cost, err := calc.Cost(OperationImage, Params{ImageCount: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(6), cost)

	cost, err = calc.Cost(OperationImage, Params{ImageCount: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(15), cost)
}

func TestCostScalesPerTextUnit(t *testing.T) {
	calc := defaultCalculator()

	// 1500 chars over a 1000-char unit rounds up to 2 units.
	cost, err := calc.Cost(OperationStory, Params{TextLength: 1500})
	require.NoError(t, err)
	assert.Equal(t, int64(10+2*2), cost)

	// Zero-length text charges base only.
	cost, err = calc.Cost(OperationStory, Params{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), cost)
}

func TestCostScalesPerSecond(t *testing.T) {
	calc := defaultCalculator()

	cost, err := calc.Cost(OperationVideo, Params{DurationSeconds: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(5+10*2), cost)
}

func TestCostFlatOperations(t *testing.T) {
	calc := defaultCalculator()

	polish, err := calc.Cost(OperationPolish, Params{ImageCount: 3, TextLength: 9999})
	require.NoError(t, err)
	assert.Equal(t, int64(2), polish)

	music, err := calc.Cost(OperationMusic, Params{})
	require.NoError(t, err)
	assert.Equal(t, int64(8), music)
}

func TestCostUnknownKind(t *testing.T) {
	calc := defaultCalculator()

	_, err := calc.Cost(OperationKind("teleport"), Params{})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestCostIsDeterministic(t *testing.T) {
	calc := defaultCalculator()

	for _, kind := range Kinds {
		first, err := calc.Cost(kind, Params{ImageCount: 4, TextLength: 2500, DurationSeconds: 30})
		require.NoError(t, err)
		second, err := calc.Cost(kind, Params{ImageCount: 4, TextLength: 2500, DurationSeconds: 30})
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.GreaterOrEqual(t, first, int64(0))
	}
}

func TestParseKind(t *testing.T) {
	for _, kind := range Kinds {
		parsed, err := ParseKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseKind("STORY")
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = ParseKind("")
	assert.ErrorIs(t, err, ErrInvalidOperation)
}
