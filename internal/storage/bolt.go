package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// boltBackend persists payloads and usage entries in a single BoltDB file.
type boltBackend struct {
	db     *bbolt.DB
	logger *zap.Logger
}

func openBolt(path string, timeout time.Duration, noSync bool, logger *zap.Logger) (*boltBackend, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	b := &boltBackend{db: db, logger: logger}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *boltBackend) initSchema() error {
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketModels, bucketTextures, bucketUsage} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if sys.Get(keySchemaVersion) == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return b.migrate()
}

// migrate runs any pending schema migrations.
func (b *boltBackend) migrate() error {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("bucket %s missing", bucketSystem)
		}
		if v := sys.Get(keySchemaVersion); v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if version < 2 {
		if err := b.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}
	return nil
}

// migrateV1toV2 fills in checksums for usage entries written before they
// were recorded.
func (b *boltBackend) migrateV1toV2() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		usage := tx.Bucket(bucketUsage)
		type update struct {
			key  []byte
			data []byte
		}
		var updates []update
		err := usage.ForEach(func(k, v []byte) error {
			entry, err := decodeUsage(v)
			if err != nil {
				return err
			}
			if entry.Checksum != 0 {
				return nil
			}
			bucket := tx.Bucket(collectionBucket(entry.Collection))
			if bucket == nil {
				return nil
			}
			payload := bucket.Get([]byte(entry.Key))
			if payload == nil {
				return nil
			}
			entry.Checksum = xxhash.Sum64(payload)
			data, err := encodeUsage(entry)
			if err != nil {
				return err
			}
			updates = append(updates, update{key: append([]byte(nil), k...), data: data})
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := usage.Put(u.key, u.data); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketSystem).Put(keySchemaVersion, uint64ToBytes(2))
	})
}

func (b *boltBackend) put(entry *UsageEntry, payload []byte) error {
	data, err := encodeUsage(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(collectionBucket(entry.Collection))
		if bucket == nil {
			return fmt.Errorf("collection %q not found", entry.Collection)
		}
		if err := bucket.Put([]byte(entry.Key), payload); err != nil {
			return err
		}
		return tx.Bucket(bucketUsage).Put(usageKey(entry.Collection, entry.Key), data)
	})
}

func (b *boltBackend) putUsage(entry *UsageEntry) error {
	data, err := encodeUsage(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsage).Put(usageKey(entry.Collection, entry.Key), data)
	})
}

func (b *boltBackend) payload(c types.Collection, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(collectionBucket(c))
		if bucket == nil {
			return fmt.Errorf("collection %q not found", c)
		}
		// Values are only valid for the life of the transaction.
		if v := bucket.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (b *boltBackend) delete(c types.Collection, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(collectionBucket(c))
		if bucket == nil {
			return fmt.Errorf("collection %q not found", c)
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketUsage).Delete(usageKey(c, key))
	})
}

func (b *boltBackend) clear(c types.Collection) error {
	name := collectionBucket(c)
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}

		usage := tx.Bucket(bucketUsage)
		prefix := usagePrefix(c)
		var keys [][]byte
		cur := usage.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := usage.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBackend) usage() ([]*UsageEntry, error) {
	var entries []*UsageEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsage).ForEach(func(k, v []byte) error {
			entry, err := decodeUsage(v)
			if err != nil {
				b.logger.Warn("skipping undecodable usage entry", zap.ByteString("key", k), zap.Error(err))
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (b *boltBackend) keys(c types.Collection) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(collectionBucket(c))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (b *boltBackend) ping() error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (b *boltBackend) close() error {
	return b.db.Close()
}
