package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEntries     = []byte("entries")
	bucketByExpiry    = []byte("entries_by_expiry")
	bucketExpiryByKey = []byte("entries_expiry_by_key")
)

// persistEntry is the envelope stored in the persistent tier.
type persistEntry struct {
	Payload     []byte `json:"payload"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// persistTier is the bbolt-backed middle tier. Entries carry their expiry
// both inline and in a forward index (timestamp+key) with a reverse index
// (key -> timestamp) so the reaper can delete expired entries without a
// full scan and puts can update the index in O(1).
type persistTier struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// openPersistTier opens (or creates) the bbolt database at path.
func openPersistTier(path string, logger *slog.Logger, now func() time.Time) (*persistTier, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening persistent tier: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByExpiry, bucketExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &persistTier{db: db, logger: logger, now: now}, nil
}

func (p *persistTier) close() error {
	return p.db.Close()
}

// get returns the entry for key when present. Expiry is not checked here:
// the engine decides whether a found entry is still valid and removes it
// proactively when it is not.
func (p *persistTier) get(key string) (persistEntry, bool, error) {
	var e persistEntry
	found := false

	err := p.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(key))
		if val == nil {
			return nil
		}
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return persistEntry{}, false, err
	}
	return e, found, nil
}

// put stores the entry and maintains the expiry indexes.
func (p *persistTier) put(key string, e persistEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	return p.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return updateExpiryIndex(tx, []byte(key), e.ExpiresAtMs)
	})
}

// delete removes the key and its index entries. Idempotent.
func (p *persistTier) delete(key string) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		if err := updateExpiryIndex(tx, []byte(key), 0); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// deleteMatch removes all entries whose key matches the predicate and
// returns the number removed.
func (p *persistTier) deleteMatch(match func(key string) bool) (int, error) {
	removed := 0
	err := p.db.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		var victims [][]byte
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if match(string(k)) {
				victims = append(victims, bytes.Clone(k))
			}
		}
		for _, k := range victims {
			if err := updateExpiryIndex(tx, k, 0); err != nil {
				return err
			}
			if err := tx.Bucket(bucketEntries).Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// reapExpired deletes up to limit expired entries by walking the forward
// expiry index and returns the number deleted.
func (p *persistTier) reapExpired(limit int) (int, error) {
	nowKey := encodeTimestamp(p.now().UnixMilli())
	deleted := 0

	err := p.db.Update(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketByExpiry)
		reverseBucket := tx.Bucket(bucketExpiryByKey)
		entriesBucket := tx.Bucket(bucketEntries)

		cursor := expiryBucket.Cursor()
		var expiryKeys, entryKeys [][]byte
		for k, v := cursor.First(); k != nil && bytes.Compare(k[:8], nowKey) <= 0; k, v = cursor.Next() {
			expiryKeys = append(expiryKeys, bytes.Clone(k))
			entryKeys = append(entryKeys, bytes.Clone(v))
			if limit > 0 && len(expiryKeys) >= limit {
				break
			}
		}

		for i := range expiryKeys {
			if err := expiryBucket.Delete(expiryKeys[i]); err != nil {
				return err
			}
			if err := reverseBucket.Delete(entryKeys[i]); err != nil {
				return err
			}
			if err := entriesBucket.Delete(entryKeys[i]); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// updateExpiryIndex maintains the forward+reverse expiry indexes for key.
// An expiresAtMs of 0 only removes existing index entries.
func updateExpiryIndex(tx *bbolt.Tx, key []byte, expiresAtMs int64) error {
	expiryBucket := tx.Bucket(bucketByExpiry)
	reverseBucket := tx.Bucket(bucketExpiryByKey)

	if tsBytes := reverseBucket.Get(key); tsBytes != nil {
		oldKey := makeExpiryKey(decodeTimestamp(tsBytes), key)
		if err := expiryBucket.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseBucket.Delete(key); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAtMs > 0 {
		if err := expiryBucket.Put(makeExpiryKey(expiresAtMs, key), key); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseBucket.Put(key, encodeTimestamp(expiresAtMs)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}
	return nil
}

// makeExpiryKey builds a forward index key: 8-byte big-endian millis + key.
// Big-endian encoding keeps the index sorted by expiry time.
func makeExpiryKey(tsMs int64, key []byte) []byte {
	out := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(out[:8], uint64(tsMs)) //nolint:gosec // timestamps are non-negative
	copy(out[8:], key)
	return out
}

func encodeTimestamp(tsMs int64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(tsMs)) //nolint:gosec // timestamps are non-negative
	return out
}

func decodeTimestamp(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])) //nolint:gosec // stored values fit int64
}
