// Package minuteid defines the logical key that names a shard of the
// minute store: (day, hour, minute, shard id), ordered so that
// iterating a sorted collection of them walks time forward.
package minuteid

import (
	"fmt"
	"strconv"
	"strings"
)

// ID names one shard of one minute. Day/hour/minute are derived from
// unix time: day = seconds/86400, hour = (seconds%86400)/3600,
// minute = (seconds%3600)/60.
type ID struct {
	Day     uint32
	Hour    uint32
	Minute  uint32
	ShardID string
}

func New(day, hour, minute uint32, shardID string) ID {
	return ID{Day: day, Hour: hour, Minute: minute, ShardID: shardID}
}

// FromUnixSeconds derives the day/hour/minute fields of an ID from an
// absolute unix timestamp, leaving ShardID for the caller to fill in.
func FromUnixSeconds(unixSeconds int64, shardID string) ID {
	s := uint32(unixSeconds)
	return ID{
		Day:     s / 86400,
		Hour:    (s % 86400) / 3600,
		Minute:  (s % 3600) / 60,
		ShardID: shardID,
	}
}

// Less orders IDs lexicographically on (day, hour, minute, shard id),
// so sorting a slice of IDs walks chronologically, ties broken by
// shard id.
func (id ID) Less(other ID) bool {
	if id.Day != other.Day {
		return id.Day < other.Day
	}
	if id.Hour != other.Hour {
		return id.Hour < other.Hour
	}
	if id.Minute != other.Minute {
		return id.Minute < other.Minute
	}
	return id.ShardID < other.ShardID
}

func (id ID) String() string {
	return fmt.Sprintf("%d-%d-%d-%s", id.Day, id.Hour, id.Minute, id.ShardID)
}

// Parse reverses String. Format: "<day>-<hour>-<minute>-<shardID>".
func Parse(s string) (ID, error) {
	parts := strings.SplitN(s, "-", 4)
	if len(parts) != 4 {
		return ID{}, fmt.Errorf("minuteid: malformed id %q", s)
	}
	day, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("minuteid: bad day in %q: %w", s, err)
	}
	hour, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("minuteid: bad hour in %q: %w", s, err)
	}
	minute, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("minuteid: bad minute in %q: %w", s, err)
	}
	return ID{Day: uint32(day), Hour: uint32(hour), Minute: uint32(minute), ShardID: parts[3]}, nil
}
