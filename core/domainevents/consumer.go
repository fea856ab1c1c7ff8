package domainevents

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
)

// Consumer handles one inbound domain event. Workers register a Consumer
// per routing-key glob to mutate their SubscriptionBatch membership in
// response to position.created/closed/deleted/burned.
type Consumer interface {
	HandleEvent(ctx context.Context, env Envelope) error
}

// ConsumerFunc adapts a plain function to a Consumer.
type ConsumerFunc func(ctx context.Context, env Envelope) error

func (f ConsumerFunc) HandleEvent(ctx context.Context, env Envelope) error { return f(ctx, env) }

type binding struct {
	pattern  string
	consumer Consumer
}

// Router dispatches inbound (routingKey, body) deliveries to every
// registered Consumer whose glob pattern matches, using AMQP topic-exchange
// wildcard semantics (* matches one dot-segment, # matches zero or more).
type Router struct {
	bindings []binding
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Bind registers a Consumer for a routing-key glob pattern.
func (r *Router) Bind(pattern string, consumer Consumer) {
	r.bindings = append(r.bindings, binding{pattern: pattern, consumer: consumer})
}

// Dispatch routes a decoded Envelope to every matching Consumer. A consumer
// error is logged at error level and does not stop dispatch to the other
// bindings.
func (r *Router) Dispatch(ctx context.Context, routingKey string, env Envelope) {
	matched := false
	for _, b := range r.bindings {
		if !Match(b.pattern, routingKey) {
			continue
		}
		matched = true
		if err := b.consumer.HandleEvent(ctx, env); err != nil {
			logger.Errorw("domainevents: consumer failed", "pattern", b.pattern, "routingKey", routingKey, "err", err)
		}
	}
	if !matched {
		logger.Debugw("domainevents: no consumer bound", "routingKey", routingKey)
	}
}

// ErrUnparseableRoutingKey is the error value for a malformed routing key.
// No function in this package returns it.
var ErrUnparseableRoutingKey = errors.New("domainevents: unparseable routing key")

// Match reports whether routingKey satisfies an AMQP topic-exchange glob
// pattern (segments separated by '.'; '*' matches exactly one segment; '#'
// matches zero or more trailing/leading segments).
func Match(pattern, routingKey string) bool {
	pSegs := strings.Split(pattern, ".")
	kSegs := strings.Split(routingKey, ".")
	return matchSegs(pSegs, kSegs)
}

func matchSegs(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		if matchSegs(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchSegs(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchSegs(pattern[1:], key[1:])
	default:
		if len(key) == 0 || key[0] != pattern[0] {
			return false
		}
		return matchSegs(pattern[1:], key[1:])
	}
}
