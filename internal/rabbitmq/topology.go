package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Validate checks that every component is named
func (t Topology) Validate() error {
	for _, e := range t.Exchanges {
		if e.Name == "" || e.Type == "" {
			return fmt.Errorf("%w: exchange needs a name and a type", ErrInvalidTopology)
		}
	}
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue needs a name", ErrInvalidTopology)
		}
	}
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Exchange == "" || b.RoutingKey == "" {
			return fmt.Errorf("%w: binding needs a queue, an exchange and a routing key", ErrInvalidTopology)
		}
	}
	return nil
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return err
	}

	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, exchange := range topology.Exchanges {
			if err := ch.ExchangeDeclare(
				exchange.Name,
				exchange.Type,
				exchange.Durable,
				exchange.AutoDelete,
				false, // internal
				false, // no-wait
				exchange.Arguments,
			); err != nil {
				return topologyErr("exchange", exchange.Name, "declare", err)
			}
		}

		for _, queue := range topology.Queues {
			if _, err := ch.QueueDeclare(
				queue.Name,
				queue.Durable,
				queue.AutoDelete,
				queue.Exclusive,
				false, // no-wait
				queue.Arguments,
			); err != nil {
				return topologyErr("queue", queue.Name, "declare", err)
			}
		}

		for _, binding := range topology.Bindings {
			if err := ch.QueueBind(
				binding.Queue,
				binding.RoutingKey,
				binding.Exchange,
				false, // no-wait
				binding.Arguments,
			); err != nil {
				return topologyErr("binding", binding.Queue+" <- "+binding.RoutingKey, "declare", err)
			}
		}

		return nil
	})
}

// QueueInfo returns the state of a queue without declaring it
func (tm *TopologyManager) QueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return topologyErr("queue", name, "inspect", err)
		}
		return nil
	})
	return q, err
}

// DeadLetterArguments routes rejected messages to dlq through the default exchange
func DeadLetterArguments(dlq string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
}

// ServiceTopology describes the broker objects of one service: a topic
// exchange, the service queue bound with every pattern, and an optional
// dead letter queue
type ServiceTopology struct {
	Exchange        string
	Queue           string
	Durable         bool
	Exclusive       bool
	AutoDelete      bool
	Patterns        []string
	DeadLetterQueue string
}

// Build expands the service topology into declarations
func (s ServiceTopology) Build() Topology {
	var topology Topology

	topology.Exchanges = append(topology.Exchanges, ExchangeDeclaration{
		Name:    s.Exchange,
		Type:    amqp.ExchangeTopic,
		Durable: true,
	})

	var args amqp.Table
	if s.DeadLetterQueue != "" {
		topology.Queues = append(topology.Queues, QueueDeclaration{
			Name:    s.DeadLetterQueue,
			Durable: true,
		})
		args = DeadLetterArguments(s.DeadLetterQueue)
	}

	topology.Queues = append(topology.Queues, QueueDeclaration{
		Name:       s.Queue,
		Durable:    s.Durable,
		AutoDelete: s.AutoDelete,
		Exclusive:  s.Exclusive,
		Arguments:  args,
	})

	for _, pattern := range s.Patterns {
		topology.Bindings = append(topology.Bindings, Binding{
			Queue:      s.Queue,
			Exchange:   s.Exchange,
			RoutingKey: pattern,
		})
	}

	return topology
}

func topologyErr(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
