// Package loom holds the shared identity and wire types of the
// coordination core: locations, message tags, and the fixed-layout
// control records that flow between the master and its peers.
package loom

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Mode partitions deployments by how time flows through them.
type Mode uint8

const (
	Live Mode = iota
	Data
	Replay
	Backtest
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Data:
		return "data"
	case Replay:
		return "replay"
	case Backtest:
		return "backtest"
	default:
		return "unknown"
	}
}

// ParseMode parses the lowercase mode names used in unames and configs.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return Live, nil
	case "data":
		return Data, nil
	case "replay":
		return Replay, nil
	case "backtest":
		return Backtest, nil
	default:
		return 0, fmt.Errorf("invalid mode %q", s)
	}
}

// Category classifies what role a participant plays.
type Category uint8

const (
	MarketData Category = iota
	Trade
	Strategy
	System
)

func (c Category) String() string {
	switch c {
	case MarketData:
		return "md"
	case Trade:
		return "td"
	case Strategy:
		return "strategy"
	case System:
		return "system"
	default:
		return "unknown"
	}
}

// ParseCategory parses the lowercase category names used in unames.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "md":
		return MarketData, nil
	case "td":
		return Trade, nil
	case "strategy":
		return Strategy, nil
	case "system":
		return System, nil
	default:
		return 0, fmt.Errorf("invalid category %q", s)
	}
}

// Layout names the kinds of on-disk artifacts a location owns.
type Layout uint8

const (
	LayoutJournal Layout = iota
	LayoutSqlite
	LayoutNanomsg
	LayoutLog
)

func (l Layout) String() string {
	switch l {
	case LayoutJournal:
		return "journal"
	case LayoutSqlite:
		return "db"
	case LayoutNanomsg:
		return "nn"
	case LayoutLog:
		return "log"
	default:
		return "unknown"
	}
}

// PublicUID is the reserved broadcast destination.
const PublicUID uint32 = 0

// Location is the identity of one participant. It is a plain value:
// once constructed it is shared by copy and never mutated.
type Location struct {
	Mode     Mode
	Category Category
	Group    string
	Name     string
	UID      uint32
}

// NewLocation builds a location and derives its uid from the canonical
// uname. Uids are assumed unique within a deployment; a collision is a
// configuration error caught by the registry on insertion.
func NewLocation(mode Mode, category Category, group, name string) Location {
	l := Location{Mode: mode, Category: category, Group: group, Name: name}
	l.UID = Hash32(l.Uname())
	return l
}

// Uname is the canonical string identity "mode/category/group/name".
func (l Location) Uname() string {
	return fmt.Sprintf("%s/%s/%s/%s", l.Mode, l.Category, l.Group, l.Name)
}

func (l Location) String() string { return l.Uname() }

// Hash32 derives the 32-bit non-cryptographic uid from a uname.
func Hash32(s string) uint32 {
	h := xxhash.Sum64String(s)
	return uint32(h>>32) ^ uint32(h)
}

// MasterLocation is the well-known identity of the coordinator.
func MasterLocation() Location {
	return NewLocation(Live, System, "master", "master")
}

// MasterCommandLocation is the per-peer command journal identity the
// master creates for a registered app: live/system/master/<hex uid>.
func MasterCommandLocation(appUID uint32) Location {
	return NewLocation(Live, System, "master", fmt.Sprintf("%08x", appUID))
}
