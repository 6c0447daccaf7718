package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fleetmedic/fleetmedic/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Record buckets, keyed by record ID
	bucketHealthEvents  = []byte("health_events")
	bucketDiagnostics   = []byte("diagnostics")
	bucketHealActions   = []byte("heal_actions")
	bucketVerifications = []byte("verifications")
	bucketConfigs       = []byte("instance_configs")

	// Raw state samples, keyed directly by (instance, timestamp); only
	// ever read as per-instance history
	bucketObservations = []byte("observations")

	// Index buckets for (instance, timestamp) history lookups.
	// Keys are instanceID \x00 RFC3339Nano \x00 recordID, values the record ID.
	bucketHealthEventsByInstance  = []byte("health_events_by_instance")
	bucketDiagnosticsByInstance   = []byte("diagnostics_by_instance")
	bucketHealActionsByInstance   = []byte("heal_actions_by_instance")
	bucketVerificationsByInstance = []byte("verifications_by_instance")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleetmedic.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketHealthEvents,
			bucketDiagnostics,
			bucketHealActions,
			bucketVerifications,
			bucketConfigs,
			bucketObservations,
			bucketHealthEventsByInstance,
			bucketDiagnosticsByInstance,
			bucketHealActionsByInstance,
			bucketVerificationsByInstance,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// indexKey builds the history index key for an instance-scoped record.
func indexKey(instanceID string, ts time.Time, recordID string) []byte {
	return []byte(instanceID + "\x00" + ts.UTC().Format(time.RFC3339Nano) + "\x00" + recordID)
}

func indexPrefix(instanceID string) []byte {
	return []byte(instanceID + "\x00")
}

// putIndexed writes a record and its history index entry in one transaction.
func (s *BoltStore) putIndexed(record, index []byte, id string, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(record).Put([]byte(id), data); err != nil {
			return err
		}
		return tx.Bucket(index).Put(key, []byte(id))
	})
}

// historyIDs returns record IDs for an instance, newest first.
func historyIDs(tx *bolt.Tx, index []byte, instanceID string, limit int) [][]byte {
	var ids [][]byte
	c := tx.Bucket(index).Cursor()
	prefix := indexPrefix(instanceID)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ids = append(ids, append([]byte(nil), v...))
	}
	// Index iterates oldest first; reverse for newest-first history.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// Observation operations

func (s *BoltStore) RecordObservation(obs *types.HealthObservation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	key := indexKey(obs.InstanceID, obs.Timestamp, obs.TargetGroupRef)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObservations).Put(key, data)
	})
}

// Observations returns raw state samples for an instance, newest first.
func (s *BoltStore) Observations(instanceID string, limit int) ([]*types.HealthObservation, error) {
	var all []*types.HealthObservation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObservations).Cursor()
		prefix := indexPrefix(instanceID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var obs types.HealthObservation
			if err := json.Unmarshal(v, &obs); err != nil {
				return err
			}
			all = append(all, &obs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Health event operations

func (s *BoltStore) CreateHealthEvent(ev *types.HealthEvent) error {
	return s.putIndexed(bucketHealthEvents, bucketHealthEventsByInstance,
		ev.EventID, indexKey(ev.InstanceID, ev.Timestamp, ev.EventID), ev)
}

func (s *BoltStore) GetHealthEvent(id string) (*types.HealthEvent, error) {
	var ev types.HealthEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHealthEvents).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("health event %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *BoltStore) HealthEventHistory(instanceID string, limit int) ([]*types.HealthEvent, error) {
	var events []*types.HealthEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealthEvents)
		for _, id := range historyIDs(tx, bucketHealthEventsByInstance, instanceID, limit) {
			data := b.Get(id)
			if data == nil {
				continue
			}
			var ev types.HealthEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})
	return events, err
}

// OpenHealthEvent returns the most recent health event for the instance
// emitted within the given window, or ErrNotFound. The collector uses it
// to suppress duplicate emissions.
func (s *BoltStore) OpenHealthEvent(instanceID string, window time.Duration, now time.Time) (*types.HealthEvent, error) {
	events, err := s.HealthEventHistory(instanceID, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 || now.Sub(events[0].Timestamp) > window {
		return nil, fmt.Errorf("open health event for %s: %w", instanceID, ErrNotFound)
	}
	return events[0], nil
}

// Diagnostic operations

func (s *BoltStore) CreateDiagnostic(rec *types.DiagnosticRecord) error {
	return s.putIndexed(bucketDiagnostics, bucketDiagnosticsByInstance,
		rec.DiagnosticID, indexKey(rec.InstanceID, rec.Timestamp, rec.DiagnosticID), rec)
}

func (s *BoltStore) GetDiagnostic(id string) (*types.DiagnosticRecord, error) {
	var rec types.DiagnosticRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDiagnostics).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("diagnostic %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DiagnosticHistory(instanceID string, limit int) ([]*types.DiagnosticRecord, error) {
	var recs []*types.DiagnosticRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDiagnostics)
		for _, id := range historyIDs(tx, bucketDiagnosticsByInstance, instanceID, limit) {
			data := b.Get(id)
			if data == nil {
				continue
			}
			var rec types.DiagnosticRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

// Heal action operations

func (s *BoltStore) CreateHealAction(rec *types.HealActionRecord) error {
	return s.putIndexed(bucketHealActions, bucketHealActionsByInstance,
		rec.ActionID, indexKey(rec.InstanceID, rec.Timestamp, rec.ActionID), rec)
}

func (s *BoltStore) GetHealAction(id string) (*types.HealActionRecord, error) {
	var rec types.HealActionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getHealAction(tx, id, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func getHealAction(tx *bolt.Tx, id string, rec *types.HealActionRecord) error {
	data := tx.Bucket(bucketHealActions).Get([]byte(id))
	if data == nil {
		return fmt.Errorf("heal action %s: %w", id, ErrNotFound)
	}
	return json.Unmarshal(data, rec)
}

func (s *BoltStore) HealActionHistory(instanceID string, limit int) ([]*types.HealActionRecord, error) {
	var recs []*types.HealActionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		r, err := healActionHistory(tx, instanceID, limit)
		recs = r
		return err
	})
	return recs, err
}

func healActionHistory(tx *bolt.Tx, instanceID string, limit int) ([]*types.HealActionRecord, error) {
	var recs []*types.HealActionRecord
	b := tx.Bucket(bucketHealActions)
	for _, id := range historyIDs(tx, bucketHealActionsByInstance, instanceID, limit) {
		data := b.Get(id)
		if data == nil {
			continue
		}
		var rec types.HealActionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// LatestHealAction returns the most recent heal action for an instance.
func (s *BoltStore) LatestHealAction(instanceID string) (*types.HealActionRecord, error) {
	recs, err := s.HealActionHistory(instanceID, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("heal action for %s: %w", instanceID, ErrNotFound)
	}
	return recs[0], nil
}

// InFlightHealAction returns the in-flight action for an instance, if any.
func (s *BoltStore) InFlightHealAction(instanceID string) (*types.HealActionRecord, error) {
	recs, err := s.HealActionHistory(instanceID, 0)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Status == types.ActionStatusInFlight {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("in-flight action for %s: %w", instanceID, ErrNotFound)
}

// RepairCount returns how many repair actions have been recorded for an
// instance. The decision engine uses it for first-occurrence logic.
func (s *BoltStore) RepairCount(instanceID string) (int, error) {
	recs, err := s.HealActionHistory(instanceID, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range recs {
		if rec.Action == types.ActionRepair {
			count++
		}
	}
	return count, nil
}

// TransitionHealAction performs a compare-and-swap status transition in a
// single write transaction. It fails with ErrConflict if the current
// status differs from the expected one, or, when transitioning to
// InFlight, if any other action for the same instance is already
// InFlight. The optional update func is applied after the swap passes,
// before the record is written back.
func (s *BoltStore) TransitionHealAction(actionID string, from, to types.ActionStatus, update func(*types.HealActionRecord)) (*types.HealActionRecord, error) {
	var rec types.HealActionRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getHealAction(tx, actionID, &rec); err != nil {
			return err
		}
		if rec.Status != from {
			return fmt.Errorf("action %s is %s, expected %s: %w", actionID, rec.Status, from, ErrConflict)
		}

		if to == types.ActionStatusInFlight {
			// Mutual-exclusion gate: one in-flight action per instance.
			others, err := healActionHistory(tx, rec.InstanceID, 0)
			if err != nil {
				return err
			}
			for _, other := range others {
				if other.ActionID != rec.ActionID && other.Status == types.ActionStatusInFlight {
					return fmt.Errorf("instance %s already has action %s in flight: %w",
						rec.InstanceID, other.ActionID, ErrConflict)
				}
			}
		}

		rec.Status = to
		if rec.Terminal() {
			rec.CompletedAt = time.Now().UTC()
		}
		if update != nil {
			update(&rec)
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHealActions).Put([]byte(rec.ActionID), data)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Verification operations

func (s *BoltStore) CreateVerification(rec *types.VerificationRecord) error {
	return s.putIndexed(bucketVerifications, bucketVerificationsByInstance,
		rec.VerificationID, indexKey(rec.InstanceID, rec.Timestamp, rec.VerificationID), rec)
}

func (s *BoltStore) VerificationHistory(instanceID string, limit int) ([]*types.VerificationRecord, error) {
	var recs []*types.VerificationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVerifications)
		for _, id := range historyIDs(tx, bucketVerificationsByInstance, instanceID, limit) {
			data := b.Get(id)
			if data == nil {
				continue
			}
			var rec types.VerificationRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

// HealthyVerification returns the Healthy verification record for an
// action, or ErrNotFound. The verifier re-registers a target only after
// one exists.
func (s *BoltStore) HealthyVerification(actionID string) (*types.VerificationRecord, error) {
	var found *types.VerificationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVerifications).ForEach(func(k, v []byte) error {
			var rec types.VerificationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ActionID == actionID && rec.Result == types.VerificationHealthy {
				found = &rec
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("healthy verification for action %s: %w", actionID, ErrNotFound)
	}
	return found, nil
}

// Instance config operations

func (s *BoltStore) PutInstanceConfig(cfg *types.InstanceConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfigs).Put([]byte(cfg.InstanceID), data)
	})
}

func (s *BoltStore) GetInstanceConfig(instanceID string) (*types.InstanceConfig, error) {
	var cfg types.InstanceConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfigs).Get([]byte(instanceID))
		if data == nil {
			return fmt.Errorf("instance config %s: %w", instanceID, ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PurgeExpired deletes records whose TTL has passed, along with their
// history index entries. Records expire independently of pipeline logic;
// there are no cascading deletes.
func (s *BoltStore) PurgeExpired(now time.Time) (int, error) {
	purged := 0

	type expirable struct {
		record    []byte
		index     []byte
		expiredAt func(data []byte) (string, time.Time, time.Time, error)
	}

	decode := func(data []byte) (string, time.Time, time.Time, error) {
		var meta struct {
			EventID        string
			DiagnosticID   string
			ActionID       string
			VerificationID string
			InstanceID     string
			Timestamp      time.Time
			TTL            time.Time
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return "", time.Time{}, time.Time{}, err
		}
		return meta.InstanceID, meta.Timestamp, meta.TTL, nil
	}

	pairs := []expirable{
		{bucketHealthEvents, bucketHealthEventsByInstance, decode},
		{bucketDiagnostics, bucketDiagnosticsByInstance, decode},
		{bucketHealActions, bucketHealActionsByInstance, decode},
		{bucketVerifications, bucketVerificationsByInstance, decode},
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, p := range pairs {
			b := tx.Bucket(p.record)
			idx := tx.Bucket(p.index)

			var expired [][]byte
			var idxKeys [][]byte

			err := b.ForEach(func(k, v []byte) error {
				instanceID, ts, ttl, err := p.expiredAt(v)
				if err != nil {
					return err
				}
				if !ttl.IsZero() && ttl.Before(now) {
					expired = append(expired, append([]byte(nil), k...))
					idxKeys = append(idxKeys, indexKey(instanceID, ts, string(k)))
				}
				return nil
			})
			if err != nil {
				return err
			}

			for i, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
				if err := idx.Delete(idxKeys[i]); err != nil {
					return err
				}
				purged++
			}
		}

		// Observations live in a single keyed bucket with no index.
		obs := tx.Bucket(bucketObservations)
		var stale [][]byte
		err := obs.ForEach(func(k, v []byte) error {
			var o types.HealthObservation
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if !o.TTL.IsZero() && o.TTL.Before(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := obs.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}
