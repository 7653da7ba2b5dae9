package memory

import (
	"context"
	"sync"
	"time"

	appoutbox "marketchat/internal/app/outbox"
	infraoutbox "marketchat/internal/infra/outbox"
)

// Outbox keeps event records in memory and hands them to a relay worker.
type Outbox struct {
	mu      sync.Mutex
	records []*infraoutbox.EventDocument
	now     func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{now: time.Now}
}

func (o *Outbox) Add(_ context.Context, record appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, &infraoutbox.EventDocument{
		ID:          record.ID,
		Name:        record.Name,
		Payload:     append([]byte(nil), record.Payload...),
		OccurredAt:  record.OccurredAt,
		Aggregate:   record.Aggregate,
		Headers:     record.Headers,
		NextAttempt: o.now(),
		CreatedAt:   o.now(),
	})
	return nil
}

// Claim returns the oldest due record that is neither sent nor claimed.
func (o *Outbox) Claim(_ context.Context, workerID string) (*infraoutbox.EventDocument, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	for _, rec := range o.records {
		if rec.ClaimedBy != "" || !rec.SentAt.IsZero() || rec.NextAttempt.After(now) {
			continue
		}
		rec.ClaimedBy = workerID
		rec.ClaimedAt = now
		doc := *rec
		return &doc, nil
	}
	return nil, nil
}

func (o *Outbox) MarkSent(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec := o.find(id); rec != nil {
		rec.SentAt = o.now()
	}
	return nil
}

func (o *Outbox) MarkFailed(_ context.Context, id string, next time.Time, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec := o.find(id); rec != nil {
		rec.ClaimedBy = ""
		rec.Attempts++
		rec.NextAttempt = next
		rec.LastError = errMsg
	}
	return nil
}

// Pending returns the records not yet sent.
func (o *Outbox) Pending() []infraoutbox.EventDocument {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []infraoutbox.EventDocument
	for _, rec := range o.records {
		if rec.SentAt.IsZero() {
			out = append(out, *rec)
		}
	}
	return out
}

func (o *Outbox) find(id string) *infraoutbox.EventDocument {
	for _, rec := range o.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

var _ appoutbox.Outbox = (*Outbox)(nil)
var _ infraoutbox.Store = (*Outbox)(nil)
