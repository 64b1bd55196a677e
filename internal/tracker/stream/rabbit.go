package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"bustrack/internal/shared/models"
	"bustrack/internal/shared/mq"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/domain"
)

const changeExchange = "bus_changes"

// Bridge mirrors the local change stream onto a RabbitMQ fanout exchange and
// imports the writes of other instances, so every instance's broadcaster
// sees every mutation. Lost events while reconnecting are tolerated.
type Bridge struct {
	cfg *models.RabbitMQConfig
	hub *Hub
	log *util.Logger

	onRestart func()
}

func NewBridge(cfg *models.RabbitMQConfig, hub *Hub, log *util.Logger) *Bridge {
	return &Bridge{cfg: cfg, hub: hub, log: log}
}

// OnRestart registers a hook invoked on every reconnect attempt cycle.
func (b *Bridge) OnRestart(fn func()) { b.onRestart = fn }

// Run connects and pumps events both ways until ctx is cancelled,
// reconnecting with exponential backoff (5s base, 30s cap).
func (b *Bridge) Run(ctx context.Context) {
	backoff := 5 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := b.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.log.Error("StreamBridge", "session ended", err)
		}
		if b.onRestart != nil {
			b.onRestart()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bridge) session(ctx context.Context) error {
	conn, ch, err := mq.ConnectToRMQ(b.cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	if err := ch.ExchangeDeclare(changeExchange, "fanout", false, false, false, false, nil); err != nil {
		return err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, "", changeExchange, false, nil); err != nil {
		return err
	}

	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}

	b.log.OK("StreamBridge", "connected to change fabric")

	pub := mq.NewPublisher(ch)
	local, cancel := b.hub.Subscribe()
	defer cancel()

	closed := make(chan *amqp091.Error, 1)
	conn.NotifyClose(closed)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			if err == nil {
				return nil
			}
			return err
		case ev, ok := <-local:
			if !ok {
				return nil
			}
			if ev.Origin != b.hub.Origin() {
				continue // imported event, do not echo it back
			}
			if err := pub.PublishFanout(ctx, changeExchange, ev); err != nil {
				b.log.Error("StreamBridge", "publish failed", err)
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev domain.BusChanged
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				b.log.Error("StreamBridge", "invalid event JSON", err)
				continue
			}
			if ev.Origin == b.hub.Origin() {
				continue
			}
			b.hub.Inject(ev)
		}
	}
}
