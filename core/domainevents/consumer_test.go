package domainevents_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"position.created.*.*", "position.created.1.42", true},
		{"position.created.*.*", "position.closed.1.42", false},
		{"position.#", "position.created.1.42", true},
		{"position.#", "position.closed.1.42.extra", true},
		{"position.#", "pool.price.1", false},
		{"*.*.1.*", "uniswapv3.swap.1.0xabc", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, domainevents.Match(c.pattern, c.key), "%s vs %s", c.pattern, c.key)
	}
}

func TestRouter_Dispatch(t *testing.T) {
	r := domainevents.NewRouter()

	var called int
	r.Bind("position.created.#", domainevents.ConsumerFunc(func(ctx context.Context, env domainevents.Envelope) error {
		called++
		return nil
	}))

	r.Dispatch(context.Background(), "position.created.1.42", domainevents.Envelope{})
	r.Dispatch(context.Background(), "position.closed.1.42", domainevents.Envelope{})

	assert.Equal(t, 1, called)
}
