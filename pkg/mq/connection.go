package mq

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName    = "mailsync.events"
	DLQExchangeName = "mailsync.events.dlq"

	heartbeat = 10 * time.Second
)

// NewConnection dials RabbitMQ with a client-provided connection name so each
// daemon role ("publisher", "consumer:<queue>") is identifiable on the broker.
func NewConnection(url, name string) (*amqp091.Connection, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName("mailsync/" + name)
	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// openChannel dials, opens one channel and declares the event and DLQ
// exchanges on it. On error nothing is left open.
func openChannel(url, name string) (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := NewConnection(url, name)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	for _, exchange := range []string{ExchangeName, DLQExchangeName} {
		if err := declareTopic(ch, exchange); err != nil {
			ch.Close()
			conn.Close()
			return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}
	return conn, ch, nil
}

// declareTopic declares a durable topic exchange.
func declareTopic(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
}
