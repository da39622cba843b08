// Package ledger remembers which delivered copy belongs to which source message.
package ledger

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/storage"
	logx "conduction/pkg/logx"
)

// DefaultRetention is how long delivery records are kept.
const DefaultRetention = 21 * 24 * time.Hour

type Store interface {
	InsertRecords(ctx context.Context, recs []storage.DeliveryRecord) error
	RecordsBySource(ctx context.Context, sourceMsg snowflake.ID) ([]storage.DeliveryRecord, error)
	PruneRecords(ctx context.Context, before time.Time) (int64, error)
}

// Copy is one delivered copy of a source message.
type Copy struct {
	DestMsgID     snowflake.ID
	DestChannelID snowflake.ID
}

type Ledger struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, log: log, now: time.Now}
}

// RecordCreate stores a single mapping.
func (l *Ledger) RecordCreate(ctx context.Context, sourceMsg, sourceChannel, destMsg, destChannel snowflake.ID) error {
	return l.RecordCreates(ctx, sourceMsg, sourceChannel, []Copy{{DestMsgID: destMsg, DestChannelID: destChannel}})
}

// RecordCreates stores a batch of mappings for one source message in one transaction.
func (l *Ledger) RecordCreates(ctx context.Context, sourceMsg, sourceChannel snowflake.ID, copies []Copy) error {
	if len(copies) == 0 {
		return nil
	}
	now := l.now()
	recs := make([]storage.DeliveryRecord, 0, len(copies))
	for _, c := range copies {
		recs = append(recs, storage.DeliveryRecord{
			SourceMsgID:     sourceMsg,
			SourceChannelID: sourceChannel,
			DestMsgID:       c.DestMsgID,
			DestChannelID:   c.DestChannelID,
			CreatedAt:       now,
		})
	}
	return l.store.InsertRecords(ctx, recs)
}

// LookupBySource returns every known copy of sourceMsg.
func (l *Ledger) LookupBySource(ctx context.Context, sourceMsg snowflake.ID) ([]Copy, error) {
	recs, err := l.store.RecordsBySource(ctx, sourceMsg)
	if err != nil {
		return nil, err
	}
	out := make([]Copy, 0, len(recs))
	for _, r := range recs {
		out = append(out, Copy{DestMsgID: r.DestMsgID, DestChannelID: r.DestChannelID})
	}
	return out, nil
}

// Prune deletes records strictly older than maxAge. Non-positive maxAge uses DefaultRetention.
func (l *Ledger) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	start := time.Now()
	n, err := l.store.PruneRecords(ctx, l.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	l.log.Info("delivery records pruned", logx.Int64("deleted", n), logx.Duration("max_age", maxAge), logx.Duration("took", time.Since(start)))
	return n, nil
}
