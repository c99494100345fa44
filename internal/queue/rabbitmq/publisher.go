// Package rabbitmq publishes broadcast jobs for the delivery worker.
// Queue topology: main queue dead-letters to a DLQ on nack, and a retry
// queue TTLs messages back onto the main queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

type BroadcastMessage struct {
	JobID string `json:"job_id"`
}

type queueDecl struct {
	name string
	args amqp.Table
}

// topology is the queue trio for one broadcast queue: the DLQ, the retry
// queue TTLing back onto the main queue, and the main queue dead-lettering
// into the DLQ.
func topology(queue string) []queueDecl {
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"
	return []queueDecl{
		{name: dlqQ, args: nil},
		{name: retryQ, args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}},
		{name: queue, args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		}},
	}
}

// DeclareTopology declares the broadcast queues on ch. Every process touching
// the queue (publisher and worker alike) must declare through this: a
// redeclaration with inequivalent arguments is a channel-level error on the
// broker, killing whichever side connects second.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	for _, q := range topology(queue) {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishBroadcast enqueues a persisted broadcast job id for the worker.
func (p *Publisher) PublishBroadcast(ctx context.Context, jobID string) error {
	body, err := json.Marshal(BroadcastMessage{JobID: jobID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
