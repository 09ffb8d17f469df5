package broker

import (
	"context"
	"sync"
	"time"

	"github.com/zllovesuki/billing/spec/broker"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ broker.Producer = &AMQPBroker{}

const (
	auditExchange string = "billing_audit"
)

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	mu         sync.Mutex // amqp.Channel is not safe for concurrent publishing
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupAuditExchange(); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange for audit records")
	}

	return broker, nil
}

func (a *AMQPBroker) setupAuditExchange() error {
	return a.channel.ExchangeDeclare(
		auditExchange, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

func (a *AMQPBroker) publishViaRoutingKey(exchange, routingKey string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/x-protobuf",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// encodeAudit wraps fields into a protobuf Struct with the record kind under "kind"
func encodeAudit(kind string, fields map[string]interface{}) ([]byte, error) {
	payload := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["kind"] = kind
	s, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// PublishAudit will publish the audit record with kind as the routing key
func (a *AMQPBroker) PublishAudit(ctx context.Context, kind string, fields map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	protoBytes, err := encodeAudit(kind, fields)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.publishViaRoutingKey(auditExchange, kind, protoBytes); err != nil {
		return extErrors.Wrap(err, "Cannot publish audit record")
	}
	return nil
}
