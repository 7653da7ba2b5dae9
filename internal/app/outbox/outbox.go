// Package outbox records chat events for asynchronous relay to the broker.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/app/policies"
)

type EventRecord struct {
	ID         string
	Name       string
	Payload    []byte
	OccurredAt time.Time
	Aggregate  string
	Headers    map[string]string
}

type Outbox interface {
	Add(ctx context.Context, record EventRecord) error
}

// Encode turns a chat event into an outbox record keyed by its thread.
func Encode(ev policies.ChatEvent, idGen func() string) (EventRecord, error) {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return EventRecord{}, fmt.Errorf("outbox: encode %s: %w", ev.Name, err)
	}
	if idGen == nil {
		idGen = uuid.NewString
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return EventRecord{
		ID:         idGen(),
		Name:       ev.Name,
		Payload:    payload,
		OccurredAt: occurred.UTC(),
		Aggregate:  ev.ThreadID,
		Headers:    map[string]string{},
	}, nil
}

// Publisher implements policies.EventPublisher by appending to an Outbox.
type Publisher struct {
	Box         Outbox
	IDGenerator func() string
}

func (p Publisher) Publish(ctx context.Context, ev policies.ChatEvent) error {
	if p.Box == nil {
		return nil
	}
	rec, err := Encode(ev, p.IDGenerator)
	if err != nil {
		return err
	}
	return p.Box.Add(ctx, rec)
}

var _ policies.EventPublisher = Publisher{}
