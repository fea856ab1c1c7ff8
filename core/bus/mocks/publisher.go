// Package mocks holds testify doubles for the bus interfaces, in the
// shape the //go:generate mockery comments elsewhere in the tree produce.
package mocks

import "github.com/stretchr/testify/mock"

// Publisher is a testify mock of bus.Publisher.
type Publisher struct {
	mock.Mock
}

func (p *Publisher) Publish(exchange, routingKey string, body []byte) error {
	args := p.Called(exchange, routingKey, body)
	return args.Error(0)
}
