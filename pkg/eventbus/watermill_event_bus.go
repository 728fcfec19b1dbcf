package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/otelhelper"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
	tracer        trace.Tracer
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
		tracer:        noop.NewTracerProvider().Tracer("eventbus"),
	}
}

// SetTracer replaces the no-op tracer. Call before Subscribe.
func (eb *WatermillEventBus) SetTracer(tracer trace.Tracer) {
	eb.tracer = tracer
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eb.consume(ctx, msg)
		}
	}()

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	traceCtx, span := otelhelper.StartSpan(ctx, eb.tracer, "eventbus consume",
		attribute.String("event.type", string(eventType)),
		attribute.String("event.key", msg.Metadata.Get(events.EventMetadataKey)),
	)
	defer span.End()

	handler, exists := eb.subscriptions[eventType]
	if !exists {
		msg.Ack()

		return
	}

	var event any

	switch eventType {
	case events.InstanceSubmittedEvent:
		event = &events.InstanceSubmitted{}
	case events.InstanceFinishedEvent:
		event = &events.InstanceFinished{}
	case events.StepDispatchedEvent:
		event = &events.StepDispatched{}
	case events.StepCompletedEvent:
		event = &events.StepCompleted{}
	case events.TicketCreatedEvent:
		event = &events.TicketCreated{}
	case events.TicketResolvedEvent:
		event = &events.TicketResolved{}
	case events.EscalationRaisedEvent:
		event = &events.EscalationRaised{}
	default:
		otelhelper.SetError(span, ErrUnknownEventType)
		msg.Nack()

		return
	}

	err := json.Unmarshal(msg.Payload, event)
	if err != nil {
		otelhelper.SetError(span, err)
		msg.Nack()

		return
	}

	err = handler(traceCtx, event)
	if err != nil {
		otelhelper.SetError(span, err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
