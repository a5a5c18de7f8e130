// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package records

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

// Player is the typed record for player snapshots. Most versions change a
// handful of stats, so it has its own field-level delta. Empty stats are
// always nil.
type Player struct {
	ID       uuid.UUID          `msgpack:"id" json:"id"`
	Name     string             `msgpack:"name" json:"name"`
	TeamID   string             `msgpack:"team" json:"team_id"`
	Position string             `msgpack:"pos" json:"position"`
	Number   int64              `msgpack:"num" json:"number"`
	Active   bool               `msgpack:"active" json:"active"`
	Stats    map[string]float64 `msgpack:"stats" json:"stats"`
}

// Bits of PlayerDelta.Mask.
const (
	fieldName uint16 = 1 << iota
	fieldTeam
	fieldPosition
	fieldNumber
	fieldActive
	fieldStats

	knownFields = fieldName | fieldTeam | fieldPosition | fieldNumber | fieldActive | fieldStats
)

// PlayerDelta holds the fields that changed between two versions. Mask says
// which fields are present. For stats only changed or added keys are
// carried, plus the keys that were removed.
type PlayerDelta struct {
	Mask     uint16             `msgpack:"m"`
	Name     string             `msgpack:"n,omitempty"`
	TeamID   string             `msgpack:"t,omitempty"`
	Position string             `msgpack:"p,omitempty"`
	Number   int64              `msgpack:"u,omitempty"`
	Active   bool               `msgpack:"a,omitempty"`
	Stats    map[string]float64 `msgpack:"s,omitempty"`
	Removed  []string           `msgpack:"r,omitempty"`
}

// PlayerDiffer is the patch.Differ for Player.
type PlayerDiffer struct{}

// PlayerFactory returns a patch.Factory for Player.
func PlayerFactory() patch.Factory[Player, PlayerDelta] {
	return func() patch.Differ[Player, PlayerDelta] { return PlayerDiffer{} }
}

// Diff implements patch.Differ.
func (PlayerDiffer) Diff(prev, next Player) (PlayerDelta, error) {
	var d PlayerDelta
	if prev.ID != next.ID {
		return d, fmt.Errorf("%w: player id changed from %s to %s", patch.ErrInvalidPatchData, prev.ID, next.ID)
	}
	if prev.Name != next.Name {
		d.Mask |= fieldName
		d.Name = next.Name
	}
	if prev.TeamID != next.TeamID {
		d.Mask |= fieldTeam
		d.TeamID = next.TeamID
	}
	if prev.Position != next.Position {
		d.Mask |= fieldPosition
		d.Position = next.Position
	}
	if prev.Number != next.Number {
		d.Mask |= fieldNumber
		d.Number = next.Number
	}
	if prev.Active != next.Active {
		d.Mask |= fieldActive
		d.Active = next.Active
	}

	for k, v := range next.Stats {
		if old, ok := prev.Stats[k]; !ok || old != v {
			if d.Stats == nil {
				d.Stats = make(map[string]float64)
			}
			d.Stats[k] = v
		}
	}
	for k := range prev.Stats {
		if _, ok := next.Stats[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Removed)
	if d.Stats != nil || d.Removed != nil {
		d.Mask |= fieldStats
	}
	return d, nil
}

// Apply implements patch.Differ. It modifies v.Stats in place.
func (PlayerDiffer) Apply(v Player, d PlayerDelta) (Player, error) {
	if d.Mask&^knownFields != 0 {
		return v, fmt.Errorf("%w: player field mask %#x", patch.ErrInvalidOpCode, d.Mask)
	}
	if d.Mask&fieldName != 0 {
		v.Name = d.Name
	}
	if d.Mask&fieldTeam != 0 {
		v.TeamID = d.TeamID
	}
	if d.Mask&fieldPosition != 0 {
		v.Position = d.Position
	}
	if d.Mask&fieldNumber != 0 {
		v.Number = d.Number
	}
	if d.Mask&fieldActive != 0 {
		v.Active = d.Active
	}
	if d.Mask&fieldStats != 0 {
		for _, k := range d.Removed {
			if _, ok := v.Stats[k]; !ok {
				return v, fmt.Errorf("%w: player %s has no stat %q to remove", patch.ErrInvalidPatchData, v.ID, k)
			}
			delete(v.Stats, k)
		}
		if len(d.Stats) > 0 && v.Stats == nil {
			v.Stats = make(map[string]float64, len(d.Stats))
		}
		for k, s := range d.Stats {
			v.Stats[k] = s
		}
		if len(v.Stats) == 0 {
			v.Stats = nil
		}
	}
	return v, nil
}

// Clone implements patch.Cloner.
func (PlayerDiffer) Clone(v Player) Player {
	if v.Stats != nil {
		stats := make(map[string]float64, len(v.Stats))
		for k, s := range v.Stats {
			stats[k] = s
		}
		v.Stats = stats
	}
	return v
}

// DecodePlayer parses a player as received from the API.
func DecodePlayer(raw []byte) (Player, error) {
	var p Player
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.ID == uuid.Nil {
		return p, fmt.Errorf("player has no id")
	}
	if len(p.Stats) == 0 {
		p.Stats = nil
	}
	return p, nil
}
