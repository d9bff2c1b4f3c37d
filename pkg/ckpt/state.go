package ckpt

import (
	"fmt"

	"github.com/oneconcern/capstore/pkg/disk"
)

// State of the checkpoint manager
type State int32

// Checkpoint states
const (
	Inactive State = iota
	DemarcationPending
	WritingGeneration
	Stabilizing
	Migrating
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case DemarcationPending:
		return "demarcation-pending"
	case WritingGeneration:
		return "writing-generation"
	case Stabilizing:
		return "stabilizing"
	case Migrating:
		return "migrating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders a state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of the checkpoint manager
type Status struct {
	State           State    `json:"state" yaml:"state"`
	Working         uint64   `json:"working" yaml:"working"`
	Stable          uint64   `json:"stable" yaml:"stable"`
	Migrated        uint64   `json:"migrated" yaml:"migrated"`
	Unmigrated      int      `json:"unmigrated" yaml:"unmigrated"`
	LastDemarcation uint64   `json:"lastDemarcation" yaml:"lastDemarcation"`
	EndLog          disk.LID `json:"endLog" yaml:"endLog"`
	FreeLogFrames   uint64   `json:"freeLogFrames" yaml:"freeLogFrames"`
	RootSlot        int      `json:"rootSlot" yaml:"rootSlot"`
}
