// Package events consumes enrollment trigger events from an AMQP queue and
// hands them to the campaign planner.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/models"
)

type Planner interface {
	Plan(ctx context.Context, ev models.TriggerEvent) ([]models.Job, error)
}

// acknowledger is the part of amqp.Delivery the consumer settles messages with.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	planner Planner
	// OnPlanned runs after an event produced at least one job.
	OnPlanned func()
	now       func() time.Time
	log       *zap.Logger
}

// Dial connects to the broker and declares the durable event queue.
func Dial(url, queue string, planner Planner, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	c := newConsumer(q.Name, planner, logger)
	c.conn = conn
	c.ch = ch
	return c, nil
}

func newConsumer(queue string, planner Planner, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:   queue,
		planner: planner,
		now:     time.Now,
		log:     logger.With(zap.String("component", "event-consumer"), zap.String("queue", queue)),
	}
}

// Run consumes until ctx ends or the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(
		c.queue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	c.log.Info("event consumer running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed by broker")
			}
			c.handle(ctx, d.Body, d)
		}
	}
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// handle plans one message. Malformed or invalid events are dropped, other
// failures are requeued. A message that already produced jobs is acked even
// if planning stopped part way, since a redelivery would enqueue those jobs
// a second time.
func (c *Consumer) handle(ctx context.Context, body []byte, m acknowledger) {
	ev, err := decodeEvent(body, c.now())
	if err == nil {
		var jobs []models.Job
		jobs, err = c.planner.Plan(ctx, ev)
		if err == nil || len(jobs) > 0 {
			if err != nil {
				c.log.Error("event partially planned, not requeued",
					zap.Int("jobs", len(jobs)),
					zap.Error(err),
				)
			}
			if ackErr := m.Ack(false); ackErr != nil {
				c.log.Error("ack failed", zap.Error(ackErr))
			}
			if len(jobs) > 0 && c.OnPlanned != nil {
				c.OnPlanned()
			}
			return
		}
	}

	requeue := !errors.Is(err, dispatcherr.ErrValidation)
	c.log.Warn("event rejected",
		zap.Bool("requeue", requeue),
		zap.Error(err),
	)
	if nackErr := m.Nack(false, requeue); nackErr != nil {
		c.log.Error("nack failed", zap.Error(nackErr))
	}
}

// decodeEvent parses a JSON trigger event. An event without a timestamp is
// taken to have happened at receipt.
func decodeEvent(body []byte, received time.Time) (models.TriggerEvent, error) {
	var ev models.TriggerEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: malformed event: %v", dispatcherr.ErrValidation, err)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = received
	}
	return ev, nil
}
