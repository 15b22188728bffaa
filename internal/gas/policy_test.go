package gas

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFi-Sentry/internal/breaker"
)

func newPolicy(t *testing.T, minGwei, maxGwei uint64, increase, relax int64) *Policy {
	t.Helper()
	p, err := NewPolicy(Config{
		Minimum:         FromGwei(minGwei),
		Maximum:         FromGwei(maxGwei),
		IncreasePercent: increase,
		RelaxPercent:    relax,
	})
	require.NoError(t, err)
	return p
}

func oneFailure() []breaker.FailureRecord {
	return []breaker.FailureRecord{{ID: "0xdead"}}
}

func TestFeeEscalatesStrictlyAndConverges(t *testing.T) {
	p := newPolicy(t, 1, 200, 25, 0)
	require.Equal(t, 0, p.CurrentFee().Cmp(p.Minimum()))

	previous := p.CurrentFee()
	for tick := 0; tick < 3; tick++ {
		p.UpdateFailedTransactions(oneFailure())
		current := p.CurrentFee()
		assert.Equal(t, 1, current.Cmp(previous), "tick %d must raise the fee", tick)
		previous = current
	}

	for tick := 0; tick < 200; tick++ {
		p.UpdateFailedTransactions(oneFailure())
		assert.LessOrEqual(t, p.CurrentFee().Cmp(p.Maximum()), 0)
	}
	assert.Equal(t, 0, p.CurrentFee().Cmp(p.Maximum()), "fee converges at the maximum")
}

func TestEmptyBatchIsNoop(t *testing.T) {
	p := newPolicy(t, 1, 200, 25, 0)
	p.UpdateFailedTransactions(nil)
	p.UpdateFailedTransactions([]breaker.FailureRecord{})
	assert.Equal(t, 0, p.CurrentFee().Cmp(p.Minimum()))
}

func TestTinyFeeStillIncreases(t *testing.T) {
	p, err := NewPolicy(Config{Minimum: big.NewInt(1), Maximum: big.NewInt(10), IncreasePercent: 10})
	require.NoError(t, err)

	p.UpdateFailedTransactions(oneFailure())
	assert.Equal(t, int64(2), p.CurrentFee().Int64(), "step never rounds to zero")
}

func TestRelaxReturnsTowardMinimum(t *testing.T) {
	p := newPolicy(t, 10, 100, 50, 20)
	for i := 0; i < 4; i++ {
		p.UpdateFailedTransactions(oneFailure())
	}
	high := p.CurrentFee()

	p.Relax()
	assert.Equal(t, -1, p.CurrentFee().Cmp(high))

	for i := 0; i < 100; i++ {
		p.Relax()
		assert.GreaterOrEqual(t, p.CurrentFee().Cmp(p.Minimum()), 0)
	}
	assert.Equal(t, 0, p.CurrentFee().Cmp(p.Minimum()))
}

func TestBoundsHoldForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := newPolicy(t, 3, 40, 17, 9)

	for i := 0; i < 5000; i++ {
		if rng.Intn(3) == 0 {
			p.Relax()
		} else {
			p.UpdateFailedTransactions(make([]breaker.FailureRecord, rng.Intn(4)))
		}
		fee := p.CurrentFee()
		require.GreaterOrEqual(t, fee.Cmp(p.Minimum()), 0, "step %d below minimum", i)
		require.LessOrEqual(t, fee.Cmp(p.Maximum()), 0, "step %d above maximum", i)
	}
}

func TestCurrentFeeReturnsCopy(t *testing.T) {
	p := newPolicy(t, 1, 2, 10, 0)
	p.CurrentFee().SetInt64(999)
	assert.Equal(t, 0, p.CurrentFee().Cmp(FromGwei(1)))
}

func TestNewPolicyValidation(t *testing.T) {
	cases := []Config{
		{Minimum: big.NewInt(0), Maximum: big.NewInt(1), IncreasePercent: 1},
		{Minimum: big.NewInt(5), Maximum: big.NewInt(4), IncreasePercent: 1},
		{Minimum: big.NewInt(1), Maximum: big.NewInt(4), IncreasePercent: 0},
		{Minimum: big.NewInt(1), Maximum: big.NewInt(4), IncreasePercent: 1, RelaxPercent: 100},
	}
	for i, cfg := range cases {
		_, err := NewPolicy(cfg)
		assert.Error(t, err, "case %d", i)
	}
}
