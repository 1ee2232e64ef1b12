package idempotency

import (
	"testing"

	"github.com/fableloom/loom-credits/internal/pricing"
	"github.com/stretchr/testify/assert"
)

func TestKeyDeterministic(t *testing.T) {
	first := Key("user-1", pricing.OperationImage, "req-abc")
	second := Key("user-1", pricing.OperationImage, "req-abc")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestKeyDistinguishesAttempts(t *testing.T) {
	base := Key("user-1", pricing.OperationImage, "req-abc")

	assert.NotEqual(t, base, Key("user-2", pricing.OperationImage, "req-abc"))
	assert.NotEqual(t, base, Key("user-1", pricing.OperationStory, "req-abc"))
	assert.NotEqual(t, base, Key("user-1", pricing.OperationImage, "req-xyz"))
}

func TestKeyFieldBoundaries(t *testing.T) {
	// Concatenation ambiguity must not collide: ("ab","c") != ("a","bc").
	assert.NotEqual(t,
		Key("ab", pricing.OperationMusic, "c"),
		Key("a", pricing.OperationMusic, "bc"),
	)
}
