package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kimhsiao/hrdesk/internal/crypto"
	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/logging"
	"github.com/kimhsiao/hrdesk/internal/models"
)

// SchemaVersion is written into every snapshot envelope. Version 1 stored
// operation payloads inline as JSON; version 2 stores the exact bytes.
const SchemaVersion = 2

// operationRecord is the persisted form of an operation. Payload shadows the
// embedded json.RawMessage so the bytes are written base64 encoded and come
// back exactly as enqueued instead of compacted.
type operationRecord struct {
	models.Operation
	Payload []byte `json:"payload,omitempty"`
}

type envelope struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// Adapter serializes queue state into a BlobStore, optionally sealing it at rest.
type Adapter struct {
	store  BlobStore
	sealer *crypto.Sealer
	now    func() time.Time
}

// NewAdapter creates an Adapter. sealer may be nil to store plaintext JSON.
func NewAdapter(store BlobStore, sealer *crypto.Sealer) *Adapter {
	return &Adapter{
		store:  store,
		sealer: sealer,
		now:    time.Now,
	}
}

// SaveOperations overwrites the operations snapshot.
func (a *Adapter) SaveOperations(ctx context.Context, ops []*models.Operation) error {
	records := make([]operationRecord, 0, len(ops))
	for _, op := range ops {
		if op == nil {
			continue
		}
		records = append(records, operationRecord{Operation: *op, Payload: op.Payload})
	}
	return a.save(ctx, KeyOperations, records)
}

// LoadOperations returns the last saved snapshot. A missing or corrupt record
// yields an empty result; a corrupt record is also deleted.
func (a *Adapter) LoadOperations(ctx context.Context) ([]*models.Operation, error) {
	var ops []*models.Operation
	_, err := a.loadWith(ctx, KeyOperations, func(version int, data json.RawMessage) error {
		if version == 1 {
			return json.Unmarshal(data, &ops)
		}
		var records []*operationRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return err
		}
		for _, rec := range records {
			if rec == nil {
				continue
			}
			op := rec.Operation
			op.Payload = nil
			if len(rec.Payload) > 0 {
				op.Payload = json.RawMessage(rec.Payload)
			}
			ops = append(ops, &op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Drop entries no producer could have created.
	out := ops[:0]
	for _, op := range ops {
		if op == nil || op.ID == "" {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// SaveConfig overwrites the configuration record.
func (a *Adapter) SaveConfig(ctx context.Context, cfg models.SyncConfig) error {
	return a.save(ctx, KeyConfig, cfg)
}

// LoadConfig returns the saved configuration and whether one existed.
func (a *Adapter) LoadConfig(ctx context.Context) (models.SyncConfig, bool, error) {
	var cfg models.SyncConfig
	found, err := a.load(ctx, KeyConfig, &cfg)
	if err != nil || !found {
		return models.SyncConfig{}, false, err
	}
	return cfg, true, nil
}

// SaveConflicts overwrites the conflict history record.
func (a *Adapter) SaveConflicts(ctx context.Context, logs []*models.ConflictLog) error {
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	return a.save(ctx, KeyConflicts, logs)
}

// LoadConflicts returns the saved conflict history.
func (a *Adapter) LoadConflicts(ctx context.Context) ([]*models.ConflictLog, error) {
	var logs []*models.ConflictLog
	if _, err := a.load(ctx, KeyConflicts, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Close closes the underlying store.
func (a *Adapter) Close() error {
	return a.store.Close()
}

func (a *Adapter) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistenceSave, "encode "+key, err)
	}

	blob, err := json.Marshal(envelope{
		Version: SchemaVersion,
		SavedAt: a.now().UTC(),
		Data:    data,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistenceSave, "encode "+key, err)
	}

	if a.sealer != nil {
		if blob, err = a.sealer.Seal(blob); err != nil {
			return apperrors.Wrap(apperrors.ErrCryptoFailed, "seal "+key, err)
		}
	}

	if err := a.store.Put(ctx, key, blob); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistenceSave, "write "+key, err)
	}
	return nil
}

// load decodes the record into v. It reports found=false for missing and
// corrupt records; only storage failures are returned as errors.
func (a *Adapter) load(ctx context.Context, key string, v interface{}) (bool, error) {
	return a.loadWith(ctx, key, func(_ int, data json.RawMessage) error {
		return json.Unmarshal(data, v)
	})
}

// loadWith is load with a version-aware decoder for the envelope data.
func (a *Adapter) loadWith(ctx context.Context, key string, decodeData func(version int, data json.RawMessage) error) (bool, error) {
	blob, err := a.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrPersistenceLoad, "read "+key, err)
	}

	if err := a.decode(blob, decodeData); err != nil {
		logging.Warn("Discarding unreadable persisted record", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		if delErr := a.store.Delete(ctx, key); delErr != nil {
			logging.Error("Failed to delete unreadable record", delErr, map[string]interface{}{"key": key})
		}
		return false, nil
	}
	return true, nil
}

func (a *Adapter) decode(blob []byte, decodeData func(version int, data json.RawMessage) error) error {
	if crypto.IsSealed(blob) {
		if a.sealer == nil {
			return fmt.Errorf("record is sealed and no key is configured")
		}
		opened, err := a.sealer.Open(blob)
		if err != nil {
			return err
		}
		blob = opened
	}

	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return err
	}
	if env.Version < 1 || env.Version > SchemaVersion {
		return fmt.Errorf("unsupported snapshot version %d", env.Version)
	}
	return decodeData(env.Version, env.Data)
}
