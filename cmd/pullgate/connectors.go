package main

import (
	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/connector/kafka"
	"github.com/ggoodman/pullgate/connector/memory"
	"github.com/ggoodman/pullgate/connector/mqtt5"
	"github.com/ggoodman/pullgate/connector/natsjs"
	"github.com/ggoodman/pullgate/connector/rabbitmq"
	"github.com/ggoodman/pullgate/connector/redisstream"
)

// newConnectorRegistry registers every built-in endpoint type. APIs of type
// "memory" share b, so they see each other's messages.
func newConnectorRegistry(b *memory.Broker) *connector.Registry {
	reg := connector.NewRegistry()
	reg.Register("memory", memory.Factory(b))
	reg.Register("mock", memory.MockFactory())
	reg.Register(kafka.Type, kafka.Factory())
	reg.Register(natsjs.Type, natsjs.Factory())
	reg.Register(redisstream.Type, redisstream.Factory())
	reg.Register(rabbitmq.Type, rabbitmq.Factory())
	reg.Register(mqtt5.Type, mqtt5.Factory())
	return reg
}
