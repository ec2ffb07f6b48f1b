package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/colony-core/internal/realtime"
)

// Bridge links hub processes through a fanout exchange. Every node publishes
// the events it relays and consumes everyone else's from a private queue.
type Bridge struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	node     string

	pubMu sync.Mutex
}

func NewBridge(url, exchange, node string) (*Bridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-delete
		false, // internal
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	// per-node queue: gone with the connection, events are volatile anyway
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		amqp.Table{"x-message-ttl": int32(30_000)},
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Bridge{conn: conn, ch: ch, exchange: exchange, queue: q.Name, node: node}, nil
}

func (b *Bridge) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bridge) Publish(ctx context.Context, ev realtime.RemoteEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// amqp channels are not safe for concurrent publishes
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.ch.PublishWithContext(cctx,
		b.exchange,
		"", // fanout ignores the routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        b.node,
		},
	)
}

// Consume delivers remote events until ctx ends or the channel closes.
func (b *Bridge) Consume(ctx context.Context, deliver func(realtime.RemoteEvent) error) error {
	msgs, err := b.ch.Consume(b.queue, "", true, true, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq: delivery channel closed")
			}
			ev, err := decodeEvent(d.Body, b.node)
			if err != nil {
				if !errors.Is(err, errOwnEvent) {
					log.Printf("[bridge] drop message err=%v", err)
				}
				continue
			}
			if err := deliver(ev); err != nil {
				log.Printf("[bridge] deliver %s from node=%s failed err=%v", ev.Event, ev.Node, err)
			}
		}
	}
}

var errOwnEvent = errors.New("own event")

func decodeEvent(body []byte, self string) (realtime.RemoteEvent, error) {
	var ev realtime.RemoteEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode: %w", err)
	}
	if ev.Node == "" || ev.Event == "" {
		return ev, errors.New("missing node or event")
	}
	if ev.Node == self {
		return ev, errOwnEvent
	}
	return ev, nil
}
