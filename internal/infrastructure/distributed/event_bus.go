package distributed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	"confab/pkg/retry"
	"confab/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType is the dotted discriminator used on the shared bus.
type EventType string

const (
	EventMeetingStarted       EventType = "meeting.started"
	EventMeetingEnded         EventType = "meeting.ended"
	EventMeetingUpdated       EventType = "meeting.updated"
	EventParticipantAdmitted  EventType = "participant.admitted"
	EventParticipantRemoved   EventType = "participant.removed"
	EventParticipantWaiting   EventType = "participant.waiting"
	EventRecordingStarted     EventType = "recording.started"
	EventRecordingStopped     EventType = "recording.stopped"
	EventTranscriptionStarted EventType = "transcription.started"
	EventTranscriptionStopped EventType = "transcription.stopped"
	EventMinutesReady         EventType = "minutes.ready"
)

var knownEvents = map[EventType]struct{}{
	EventMeetingStarted:       {},
	EventMeetingEnded:         {},
	EventMeetingUpdated:       {},
	EventParticipantAdmitted:  {},
	EventParticipantRemoved:   {},
	EventParticipantWaiting:   {},
	EventRecordingStarted:     {},
	EventRecordingStopped:     {},
	EventTranscriptionStarted: {},
	EventTranscriptionStopped: {},
	EventMinutesReady:         {},
}

func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

// LocalName is the room notification an event is re-emitted as.
func (t EventType) LocalName() string {
	return strings.ReplaceAll(string(t), ".", "-")
}

var ErrMalformedEvent = errors.New("malformed bus event")

const (
	fieldType      = "type"
	fieldMeetingID = "meetingId"
)

// Event is one bus record: {"type": ..., "meetingId": ..., ...payload}.
// Payload holds every other top-level field.
type Event struct {
	Type      EventType
	MeetingID domain.RoomID
	Payload   map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out[fieldType] = e.Type
	out[fieldMeetingID] = e.MeetingID
	return json.Marshal(out)
}

// DecodeEvent parses a bus record. Non-JSON input and records without a
// string type or meetingId are ErrMalformedEvent.
func DecodeEvent(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var ev Event
	if err := json.Unmarshal(fields[fieldType], &ev.Type); err != nil || ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	var meetingID string
	if err := json.Unmarshal(fields[fieldMeetingID], &meetingID); err != nil || meetingID == "" {
		return Event{}, fmt.Errorf("%w: missing meetingId", ErrMalformedEvent)
	}
	ev.MeetingID = domain.RoomID(meetingID)

	ev.Payload = make(map[string]any, len(fields))
	for k, raw := range fields {
		if k == fieldType {
			continue
		}
		var v any
		vd := json.NewDecoder(bytes.NewReader(raw))
		vd.UseNumber()
		if err := vd.Decode(&v); err != nil {
			return Event{}, fmt.Errorf("%w: field %s: %v", ErrMalformedEvent, k, err)
		}
		ev.Payload[k] = v
	}
	return ev, nil
}

// EventBus fans lifecycle events from the shared Redis topic out to local
// rooms and publishes new ones.
type EventBus struct {
	client      *redis.Client
	topic       string
	broadcaster ports.RoomBroadcaster
	retry       retry.Config
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger
}

func NewEventBus(
	client *redis.Client,
	topic string,
	broadcaster ports.RoomBroadcaster,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *EventBus {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = 10
	rc.MaxDelay = 10 * time.Second
	return &EventBus{
		client:      client,
		topic:       topic,
		broadcaster: broadcaster,
		retry:       rc,
		metrics:     metrics,
		logger:      logger,
	}
}

// Publish puts one event on the topic.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" || event.MeetingID == "" {
		return fmt.Errorf("%w: type and meetingId are required", ErrMalformedEvent)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published bus event",
		"type", event.Type,
		"room_id", event.MeetingID,
	)
	return nil
}

// Run subscribes to the topic and dispatches events until ctx is done. A lost
// subscription is re-established with backoff.
func (eb *EventBus) Run(ctx context.Context) error {
	for {
		pubsub, err := retry.RetryWithResult(ctx, eb.retry, func() (*redis.PubSub, error) {
			ps := eb.client.Subscribe(ctx, eb.topic)
			if _, err := ps.Receive(ctx); err != nil {
				ps.Close()
				return nil, err
			}
			return ps, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to subscribe to %s: %w", eb.topic, err)
		}

		eb.logger.Infow("subscribed to event bus", "topic", eb.topic)
		eb.consume(ctx, pubsub.Channel())
		pubsub.Close()

		if ctx.Err() != nil {
			return nil
		}
		eb.logger.Warnw("event bus subscription lost, resubscribing", "topic", eb.topic)
	}
}

func (eb *EventBus) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			eb.handle(ctx, msg.Payload)
		}
	}
}

func (eb *EventBus) handle(ctx context.Context, payload string) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Errorw("panic while handling bus event", "panic", r)
			eb.metrics.IncBusEvents("unknown", "panic")
		}
	}()

	ev, err := DecodeEvent([]byte(payload))
	if err != nil {
		eb.logger.Warnw("dropping malformed bus event", "error", err, "payload", payload)
		eb.metrics.IncBusEvents("malformed", "dropped")
		return
	}
	if !ev.Type.Known() {
		eb.logger.Debugw("ignoring unknown bus event", "type", ev.Type, "room_id", ev.MeetingID)
		eb.metrics.IncBusEvents("unknown", "ignored")
		return
	}

	_, span := tracing.TraceBusEvent(ctx, string(ev.Type), string(ev.MeetingID))
	defer span.End()

	delivered := eb.broadcaster.BroadcastRoom(ev.MeetingID, ev.Type.LocalName(), ev.Payload)
	eb.metrics.IncBusEvents(string(ev.Type), "delivered")
	eb.logger.Debugw("bus event delivered",
		"type", ev.Type,
		"room_id", ev.MeetingID,
		"local_peers", delivered,
	)
}
