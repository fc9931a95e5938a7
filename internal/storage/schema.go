package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketModels     = []byte(types.CollectionModels)
	bucketTextures   = []byte(types.CollectionTextures)
	bucketUsage      = []byte(types.CollectionUsage)
	keySchemaVersion = []byte("schema_version")
)

// Schema v2 adds payload checksums to usage entries.
const currentSchemaVersion = 2

// UsageEntry is the metadata kept for every stored payload. It lives in the
// usage collection so that access-time updates never rewrite payloads.
type UsageEntry struct {
	Collection     types.Collection
	Key            string // storage key: assetKey_tier
	AssetKey       string
	Tier           types.TierID
	SizeBytes      int64
	Checksum       uint64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Ref returns the AssetRef this entry describes.
func (e *UsageEntry) Ref() types.AssetRef {
	return types.AssetRef{Collection: e.Collection, Key: e.AssetKey, Tier: e.Tier}
}

func (e *UsageEntry) record(payload []byte) types.AssetRecord {
	return types.AssetRecord{
		Collection:     e.Collection,
		Key:            e.AssetKey,
		Tier:           e.Tier,
		Payload:        payload,
		SizeBytes:      e.SizeBytes,
		Checksum:       e.Checksum,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		Cached:         true,
	}
}

func usageKey(c types.Collection, key string) []byte {
	return []byte(string(c) + "/" + key)
}

func usagePrefix(c types.Collection) []byte {
	return []byte(string(c) + "/")
}

func collectionBucket(c types.Collection) []byte {
	switch c {
	case types.CollectionModels:
		return bucketModels
	case types.CollectionTextures:
		return bucketTextures
	}
	return nil
}

func encodeUsage(entry *UsageEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeUsage(data []byte) (*UsageEntry, error) {
	var entry UsageEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
