// Package storage — bolt.go
//
// bbolt-backed persistent storage for corridord: the posture ladder's
// transition history and the integrity monitor's canary-run results survive
// a restart here, so an operator inspecting a FAIL_CLOSED kernel after a
// crash can see why it escalated without depending on the in-memory
// posture.Manager history, which does not survive a process restart.
//
// Schema (bbolt bucket layout):
//
//	/posture_history
//	    key:   RFC3339Nano timestamp + "_" + monotonic sequence (sortable)
//	    value: sealed record (see Seal/Open below), plaintext is JSON
//	           posture.Transition
//
//	/canary_results
//	    key:   RFC3339Nano timestamp + "_" + canary name
//	    value: sealed record, plaintext is JSON CanaryResult
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// At-rest sealing: when SealAtRest is enabled, every value is encrypted with
// chacha20poly1305 using a key derived via hkdf(sha256) from the process
// boot key and a fixed context string — the seal key is never itself
// persisted, so a copied database file is unreadable once its originating
// process has exited — the boot key is generated fresh at process start
// and never persisted.
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Posture-history and canary-result entries older than RetentionDays
//     are pruned by PruneOldRecords, which corridord calls once at startup.
//
// Failure modes:
//   - bbolt file corruption: bbolt detects via CRC and returns an error on
//     Open(). corridord logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error; the posture and integrity
//     callers discard it without logging and continue without persisting
//     (in-memory posture state preserved).
package storage

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	bolt "go.etcd.io/bbolt"

	"github.com/octoreflex/corridor/internal/bootproof"
)

const (
	// DefaultDBPath is the default bbolt file location.
	DefaultDBPath = "/var/lib/corridor/corridor.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default retention period.
	DefaultRetentionDays = 30

	bucketPostureHistory = "posture_history"
	bucketCanaryResults  = "canary_results"
	bucketMeta           = "meta"

	hkdfInfo = "corridor-storage-seal-v1"
)

// PostureHistoryRecord is the persisted form of one posture transition.
type PostureHistoryRecord struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Automatic bool      `json:"automatic"`
	Timestamp time.Time `json:"timestamp"`
}

// CanaryResultRecord is the persisted form of one integrity canary run.
type CanaryResultRecord struct {
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sealer encrypts and decrypts values at rest. A nil Sealer leaves values in
// plaintext (SealAtRest disabled).
type Sealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewSealer derives a chacha20poly1305 key from bootKey (via
// bootproof.BootKey.DeriveKey, HKDF-SHA256 under the hood) and returns a
// Sealer bound to it. The derived key lives only in memory for the life of
// this Sealer; the boot key it was derived from is never written to disk,
// so a copied database file outlives the key that could decrypt it.
func NewSealer(bootKey *bootproof.BootKey) (*Sealer, error) {
	key, err := bootKey.DeriveKey(hkdfInfo, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("storage: derive seal key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("storage: construct aead: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, prefixing the ciphertext with a fresh random
// nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("storage: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("storage: sealed value shorter than nonce")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

// DB wraps a bbolt instance with typed accessors for corridor data.
type DB struct {
	db            *bolt.DB
	retentionDays int
	sealer        *Sealer
	seq           uint64
}

// Open opens (or creates) the bbolt database at path. sealer may be nil to
// store records in plaintext.
func Open(path string, retentionDays int, sealer *Sealer) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays, sealer: sealer}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPostureHistory, bucketCanaryResults, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, corridord requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if d.sealer == nil {
		return data, nil
	}
	return d.sealer.Seal(data)
}

func (d *DB) decode(raw []byte, v any) error {
	data := raw
	if d.sealer != nil {
		plain, err := d.sealer.Open(raw)
		if err != nil {
			return fmt.Errorf("storage: unseal record: %w", err)
		}
		data = plain
	}
	return json.Unmarshal(data, v)
}

func (d *DB) nextSeq() uint64 {
	d.seq++
	return d.seq
}

// ─── Posture history ──────────────────────────────────────────────────────

func postureHistoryKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(time.RFC3339Nano), seq))
}

// PutPostureHistory appends a posture transition record.
func (d *DB) PutPostureHistory(rec PostureHistoryRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := d.encode(rec)
	if err != nil {
		return fmt.Errorf("PutPostureHistory encode: %w", err)
	}
	key := postureHistoryKey(rec.Timestamp, d.nextSeq())
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPostureHistory)).Put(key, data)
	})
}

// ReadPostureHistory returns every posture-history record in chronological
// order.
func (d *DB) ReadPostureHistory() ([]PostureHistoryRecord, error) {
	var out []PostureHistoryRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPostureHistory)).ForEach(func(_, v []byte) error {
			var rec PostureHistoryRecord
			if err := d.decode(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ─── Canary results ───────────────────────────────────────────────────────

func canaryResultKey(t time.Time, name string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), name))
}

// PutCanaryResult records the outcome of one integrity canary run.
func (d *DB) PutCanaryResult(rec CanaryResultRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := d.encode(rec)
	if err != nil {
		return fmt.Errorf("PutCanaryResult encode: %w", err)
	}
	key := canaryResultKey(rec.Timestamp, rec.Name)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCanaryResults)).Put(key, data)
	})
}

// ReadCanaryResults returns every canary-result record in chronological
// order.
func (d *DB) ReadCanaryResults() ([]CanaryResultRecord, error) {
	var out []CanaryResultRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCanaryResults)).ForEach(func(_, v []byte) error {
			var rec CanaryResultRecord
			if err := d.decode(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ─── Retention ────────────────────────────────────────────────────────────

// PruneOldRecords deletes posture-history and canary-result entries older
// than retentionDays. corridord calls it once at startup. Returns the total
// number of entries deleted.
func (d *DB) PruneOldRecords() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays).Format(time.RFC3339Nano)
	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{bucketPostureHistory, bucketCanaryResults} {
			b := tx.Bucket([]byte(bucket))
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= cutoff {
					break
				}
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("PruneOldRecords delete from %s: %w", bucket, err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
