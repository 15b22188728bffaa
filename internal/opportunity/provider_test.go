package opportunity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFi-Sentry/internal/balance"
)

type stubMarket struct {
	name  string
	calls *[]string
}

func (m stubMarket) Name() string { return m.name }

func (m stubMarket) TrySellIfProfitable(ctx context.Context, _ balance.Snapshot) error {
	*m.calls = append(*m.calls, "sell:"+m.name)
	return nil
}

func (m stubMarket) TryBuyIfProfitable(ctx context.Context, _ balance.Snapshot) error {
	*m.calls = append(*m.calls, "buy:"+m.name)
	return nil
}

type stubLender struct{ calls *[]string }

func (stubLender) Name() string { return "compound" }

func (l stubLender) TryDeposit(ctx context.Context, _ balance.Snapshot) error {
	*l.calls = append(*l.calls, "lend:compound")
	return nil
}

func TestPriorityOrder(t *testing.T) {
	var calls []string
	providers := Priority([]Market{
		stubMarket{name: "uniswap", calls: &calls},
		stubMarket{name: "sushiswap", calls: &calls},
	}, stubLender{calls: &calls})

	set, err := NewSet(providers...)
	require.NoError(t, err)
	want := []string{"sell:uniswap", "buy:uniswap", "sell:sushiswap", "buy:sushiswap", "lend:compound"}
	assert.Equal(t, want, set.Names())

	for _, p := range set.Providers() {
		require.NoError(t, p.Try(context.Background(), balance.Snapshot{}))
	}
	assert.Equal(t, want, calls)
}

func TestPriorityWithoutLender(t *testing.T) {
	var calls []string
	providers := Priority([]Market{stubMarket{name: "uniswap", calls: &calls}}, nil)
	assert.Len(t, providers, 2)
}

func TestNewSetRejectsDuplicatesAndNil(t *testing.T) {
	noop := func(context.Context, balance.Snapshot) error { return nil }
	_, err := NewSet(Func("a", noop), Func("a", noop))
	assert.Error(t, err)

	_, err = NewSet(Func("a", noop), nil)
	assert.Error(t, err)
}

func TestSetProvidersIsCopy(t *testing.T) {
	noop := func(context.Context, balance.Snapshot) error { return nil }
	set, err := NewSet(Func("a", noop), Func("b", noop))
	require.NoError(t, err)

	list := set.Providers()
	list[0] = Func("z", noop)
	assert.Equal(t, []string{"a", "b"}, set.Names())
	assert.Equal(t, 2, set.Len())
}

func TestSkip(t *testing.T) {
	err := Skip("nothing to do on %s", "uniswap")
	assert.True(t, IsSkip(err))
	assert.Contains(t, err.Error(), "uniswap")
	assert.False(t, IsSkip(errors.New("boom")))
	assert.False(t, IsSkip(nil))
}
