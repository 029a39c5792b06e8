package application

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"
	"heirloom/contexts/estate-settlement/estate-registry/ports"
)

func newEstateEnvelope(
	eventID string,
	eventType string,
	estateID uint64,
	occurredAt time.Time,
	data map[string]any,
) (ports.EventEnvelope, error) {
	// Estate events are partitioned by estate so consumers observe one
	// estate's lifecycle in order.
	payload, err := json.Marshal(data)
	if err != nil {
		return ports.EventEnvelope{}, err
	}
	return ports.EventEnvelope{
		EventID:          eventID,
		EventType:        eventType,
		OccurredAt:       occurredAt.UTC(),
		SourceService:    "estate-registry",
		TraceID:          eventID,
		SchemaVersion:    1,
		PartitionKeyPath: "estate_id",
		PartitionKey:     strconv.FormatUint(estateID, 10),
		Data:             payload,
	}, nil
}

func (s Service) appendEstateEvent(
	ctx context.Context,
	eventType string,
	estateID uint64,
	occurredAt time.Time,
	data map[string]any,
) error {
	// Outbox is optional for pure read/test wiring, so nil is treated as no-op.
	if s.Outbox == nil {
		return nil
	}
	eventID, err := s.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		data = map[string]any{}
	}
	data["estate_id"] = estateID
	data["occurred_at"] = occurredAt.UTC().Format(time.RFC3339)
	envelope, err := newEstateEnvelope(eventID, eventType, estateID, occurredAt, data)
	if err != nil {
		return err
	}
	return s.Outbox.AppendOutbox(ctx, envelope)
}

func allocationPayload(allocations []entities.Allocation) []map[string]any {
	items := make([]map[string]any, 0, len(allocations))
	for _, allocation := range allocations {
		items = append(items, map[string]any{
			"recipient":   allocation.Recipient.String(),
			"share_bps":   allocation.ShareBps,
			"nft_only":    allocation.NFTOnly,
			"asset_scope": string(allocation.AssetScope),
			"is_charity":  allocation.IsCharity,
		})
	}
	return items
}

func transferPayload(transfer entities.Transfer) map[string]any {
	return map[string]any{
		"recipient":        transfer.Recipient.String(),
		"asset_class":      string(transfer.Class),
		"asset_id":         string(transfer.AssetID),
		"amount":           transfer.Amount.String(),
		"item_id":          transfer.ItemID,
		"allocation_index": transfer.AllocationIndex,
	}
}
