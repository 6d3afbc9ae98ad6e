package changefeed

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditHandler records consumed change events in the change_log table.
// Redelivered messages are ignored by offset.
type AuditHandler struct {
	pool *pgxpool.Pool
}

// NewAuditHandler constructs a handler backed by the provided pool.
func NewAuditHandler(pool *pgxpool.Pool) *AuditHandler {
	return &AuditHandler{pool: pool}
}

// Handle stores the event.
func (h *AuditHandler) Handle(ctx context.Context, msg Message) error {
	_, err := h.pool.Exec(ctx,
		`INSERT INTO change_log (topic, partition, record_offset, event_type, account_id, entity_type, record_id, payload, changed_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
         ON CONFLICT (topic, partition, record_offset) DO NOTHING`,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.EventType,
		msg.Event.AccountID,
		string(msg.Event.EntityType),
		msg.Event.ID,
		[]byte(msg.Payload),
		msg.Event.UpdatedAt,
	)
	return err
}
