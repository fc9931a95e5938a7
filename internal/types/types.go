package types

import (
	"fmt"
	"time"
)

// Collection identifies a typed group of records in the storage engine.
type Collection string

const (
	CollectionModels   Collection = "models"
	CollectionTextures Collection = "textures"
	// CollectionUsage holds per-record usage metadata. It is not a valid
	// target for asset requests.
	CollectionUsage Collection = "usage"
)

// AssetCollections lists the collections that hold asset payloads.
var AssetCollections = []Collection{CollectionModels, CollectionTextures}

func (c Collection) String() string { return string(c) }

// Valid reports whether c may hold asset payloads.
func (c Collection) Valid() bool {
	return c == CollectionModels || c == CollectionTextures
}

// ParseCollection converts a collection name into a Collection.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown collection %q", s)
	}
	return c, nil
}

// TierID is a discrete resolution level. Higher values mean more detail.
type TierID int

const (
	TierFar TierID = iota
	TierMedium
	TierClose
	TierUltraClose
)

// NumTiers is the number of defined tiers.
const NumTiers = 4

// AllTiers lists tiers from lowest to highest detail.
var AllTiers = []TierID{TierFar, TierMedium, TierClose, TierUltraClose}

func (t TierID) String() string {
	switch t {
	case TierFar:
		return "far"
	case TierMedium:
		return "medium"
	case TierClose:
		return "close"
	case TierUltraClose:
		return "ultraclose"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the defined tiers.
func (t TierID) Valid() bool {
	return t >= TierFar && t <= TierUltraClose
}

// ParseTier accepts either a tier name or its numeric value.
func ParseTier(s string) (TierID, error) {
	for _, t := range AllTiers {
		if s == t.String() || s == fmt.Sprint(int(t)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// AssetRef identifies one asset at one tier.
type AssetRef struct {
	Collection Collection
	Key        string
	Tier       TierID
}

// StorageKey returns the flat key the record is stored under.
func (r AssetRef) StorageKey() string {
	return r.Key + "_" + r.Tier.String()
}

func (r AssetRef) String() string {
	return string(r.Collection) + "/" + r.StorageKey()
}

// AssetRecord is a single stored asset payload with its usage metadata.
type AssetRecord struct {
	Collection     Collection
	Key            string
	Tier           TierID
	Payload        []byte
	SizeBytes      int64
	Checksum       uint64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	// Cached is false when the payload was delivered but could not be
	// stored, for example because it exceeds the collection capacity.
	Cached bool
}

// Ref returns the AssetRef for this record.
func (r *AssetRecord) Ref() AssetRef {
	return AssetRef{Collection: r.Collection, Key: r.Key, Tier: r.Tier}
}

// CollectionQuota reports usage against capacity for a collection.
type CollectionQuota struct {
	Collection    Collection `json:"collection"`
	CapacityBytes int64      `json:"capacity_bytes"`
	UsedBytes     int64      `json:"used_bytes"`
	ItemCount     int64      `json:"item_count"`
}
