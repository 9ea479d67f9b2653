package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/store"
)

// StateHandle is a typed, service-scoped wrapper over Store's generic
// service_state key/value rows, used by every service for cursors and
// candidates instead of issuing raw Store calls against a hardcoded
// service name.
type StateHandle struct {
	store   store.Store
	service string
}

func NewStateHandle(s store.Store, serviceName string) *StateHandle {
	return &StateHandle{store: s, service: serviceName}
}

// Get decodes the row for (service, stateType, key) into v. Returns
// (false, nil) if no row exists.
func (h *StateHandle) Get(ctx context.Context, stateType, key string, v any) (bool, error) {
	rows, err := h.store.ServiceStateGet(ctx, h.service, stateType, &key)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(rows[0].Payload, v); err != nil {
		return false, fmt.Errorf("decode state %s/%s/%s: %w", h.service, stateType, key, err)
	}
	return true, nil
}

// List decodes every row for (service, stateType) via decodeFn, which
// receives the key and raw payload for each row in ascending
// updated_at order.
func (h *StateHandle) List(ctx context.Context, stateType string, decodeFn func(key string, payload []byte) error) error {
	rows, err := h.store.ServiceStateGet(ctx, h.service, stateType, nil)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := decodeFn(row.Key, row.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Set encodes v and upserts it under (service, stateType, key, updatedAt).
func (h *StateHandle) Set(ctx context.Context, stateType, key string, updatedAt int64, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %s/%s/%s: %w", h.service, stateType, key, err)
	}
	_, err = h.store.ServiceStateUpsert(ctx, []models.ServiceState{{
		Service:   h.service,
		Type:      stateType,
		Key:       key,
		Payload:   payload,
		UpdatedAt: updatedAt,
	}})
	return err
}

// SetMany upserts several rows of the same stateType in one batch.
func (h *StateHandle) SetMany(ctx context.Context, stateType string, rows []models.ServiceState) (int64, error) {
	for i := range rows {
		rows[i].Service = h.service
		rows[i].Type = stateType
	}
	return h.store.ServiceStateUpsert(ctx, rows)
}

// Delete removes the rows for (service, stateType, keys...).
func (h *StateHandle) Delete(ctx context.Context, stateType string, keys []string) (int64, error) {
	return h.store.ServiceStateDelete(ctx, h.service, stateType, keys)
}
