package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"skytask/internal/model"
	logx "skytask/pkg/logx"
)

// EscalationTopic is the queue topic between Monitor and Recovery.
const EscalationTopic = "task.escalation"

// Handler consumes one escalation. Errors are logged; the message is
// acknowledged either way.
type Handler func(ctx context.Context, ev model.EscalationEvent) error

// Queue is an in-process escalation queue on a watermill gochannel.
// Messages published while nobody is subscribed are dropped.
type Queue struct {
	pubsub *gochannel.GoChannel
	log    logx.Logger
}

func NewQueue(buffer int, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	log = log.With(logx.String("comp", "escalation.queue"))
	return &Queue{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            int64(buffer),
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, logx.WatermillLogger(log)),
		log: log,
	}
}

func (q *Queue) Publish(ctx context.Context, ev model.EscalationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode escalation: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("tenant", ev.TenantCode)
	msg.Metadata.Set("task_id", strconv.FormatInt(ev.TaskID, 10))
	msg.SetContext(ctx)
	return q.pubsub.Publish(EscalationTopic, msg)
}

// Subscribe registers h now and returns the loop that feeds it, so the
// subscription exists before any escalation can be published. The loop
// returns when ctx ends or the queue is closed.
func (q *Queue) Subscribe(ctx context.Context, h Handler) (func(context.Context) error, error) {
	msgs, err := q.pubsub.Subscribe(ctx, EscalationTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", EscalationTopic, err)
	}
	return func(runCtx context.Context) error {
		for {
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case msg, ok := <-msgs:
				if !ok {
					return nil
				}
				var ev model.EscalationEvent
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					q.log.Error("escalation payload dropped", logx.String("msg", msg.UUID), logx.Err(err))
				} else if err := h(runCtx, ev); err != nil {
					q.log.Error("escalation handler failed", logx.Tenant(ev.TenantCode), logx.Int64("task", ev.TaskID), logx.Err(err))
				}
				msg.Ack()
			}
		}
	}, nil
}

func (q *Queue) Close() error { return q.pubsub.Close() }
