// Package tier maps viewing distance to a discrete resolution tier.
package tier

import (
	"fmt"
	"math"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
)

// Config is the static description of one tier.
type Config struct {
	ID   types.TierID
	Name string
	// MinDistance is the inclusive lower bound of the tier's distance range.
	// The upper bound is the next farther tier's MinDistance, exclusive.
	MinDistance       float64
	TextureResolution int
	MeshDetail        float64
	// TransitionDuration and Easing override the scheduler defaults when set.
	TransitionDuration time.Duration
	Easing             string
}

// Table is the read-only distance table, indexed by TierID.
type Table struct {
	tiers [types.NumTiers]Config
}

// NewTable builds a table from tier configs ordered farthest first, as they
// appear in the config file.
func NewTable(cfgs []config.TierConfig) (*Table, error) {
	if len(cfgs) != types.NumTiers {
		return nil, fmt.Errorf("expected %d tiers, got %d", types.NumTiers, len(cfgs))
	}
	t := &Table{}
	for i, c := range cfgs {
		if i > 0 && c.MinDistance >= cfgs[i-1].MinDistance {
			return nil, fmt.Errorf("tier %q: min_distance %v must be below %v", c.Name, c.MinDistance, cfgs[i-1].MinDistance)
		}
		id := types.TierID(i)
		name := c.Name
		if name == "" {
			name = id.String()
		}
		t.tiers[id] = Config{
			ID:                 id,
			Name:               name,
			MinDistance:        c.MinDistance,
			TextureResolution:  c.TextureResolution,
			MeshDetail:         c.MeshDetail,
			TransitionDuration: c.TransitionDuration.Duration(),
			Easing:             c.Easing,
		}
	}
	return t, nil
}

// DefaultTable returns the built-in distance table.
func DefaultTable() *Table {
	t, err := NewTable(config.DefaultTiers())
	if err != nil {
		panic(err)
	}
	return t
}

// Config returns the configuration of id. Unknown ids yield the far tier.
func (t *Table) Config(id types.TierID) Config {
	if !id.Valid() {
		return t.tiers[types.TierFar]
	}
	return t.tiers[id]
}

// Tiers returns every tier config, farthest first.
func (t *Table) Tiers() []Config {
	out := make([]Config, len(t.tiers))
	copy(out, t.tiers[:])
	return out
}

// CalculateTier returns the tier whose range [MinDistance, next) contains
// distance. Distances below every threshold belong to the closest tier and
// NaN belongs to the farthest.
func (t *Table) CalculateTier(distance float64) types.TierID {
	if math.IsNaN(distance) {
		return types.TierFar
	}
	for _, c := range t.tiers {
		if distance >= c.MinDistance {
			return c.ID
		}
	}
	return types.TierUltraClose
}
