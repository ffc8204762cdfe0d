package model

import (
	"fmt"
	"strings"
	"time"
)

// ResourceKey names a logical resource of one mower.
type ResourceKey string

const (
	KeyState              ResourceKey = "state"
	KeyStateLongPoll      ResourceKey = "state:longpoll"
	KeyGenericData        ResourceKey = "genericData"
	KeyAlerts             ResourceKey = "alerts"
	KeyOperatingData      ResourceKey = "operatingData"
	KeyNextMow            ResourceKey = "nextMow"
	KeyLastCompletedMow   ResourceKey = "lastCompletedMow"
	KeyPredictiveCalendar ResourceKey = "predictiveCalendar"
	KeyUpdates            ResourceKey = "updates"
	KeyMap                ResourceKey = "map"
	KeyMowMode            ResourceKey = "mowMode"
)

// FetchableKeys lists the resources served by GetResource.
var FetchableKeys = []ResourceKey{
	KeyState,
	KeyGenericData,
	KeyAlerts,
	KeyOperatingData,
	KeyNextMow,
	KeyLastCompletedMow,
	KeyPredictiveCalendar,
	KeyUpdates,
}

// CommandKey is the key used for rate limiting and logging of a mower command.
func CommandKey(command string) ResourceKey {
	return ResourceKey("command:" + command)
}

// AlertKey is the key of a single alert operation.
func AlertKey(op string, index int) ResourceKey {
	return ResourceKey(fmt.Sprintf("alert:%s:%d", op, index))
}

// ParseResourceKey resolves a user supplied key to a fetchable resource.
func ParseResourceKey(raw string) (ResourceKey, bool) {
	raw = strings.TrimSpace(raw)
	for _, key := range FetchableKeys {
		if strings.EqualFold(string(key), raw) {
			return key, true
		}
	}
	return "", false
}

// DefaultTTLs holds per-resource freshness windows.
func DefaultTTLs() map[ResourceKey]time.Duration {
	return map[ResourceKey]time.Duration{
		KeyState:              5 * time.Second,
		KeyGenericData:        60 * time.Minute,
		KeyAlerts:             5 * time.Minute,
		KeyOperatingData:      5 * time.Minute,
		KeyNextMow:            5 * time.Minute,
		KeyLastCompletedMow:   5 * time.Minute,
		KeyPredictiveCalendar: 30 * time.Minute,
		KeyUpdates:            60 * time.Minute,
		KeyMap:                5 * time.Minute,
	}
}

// DefaultTTL applies to keys missing from the TTL table.
const DefaultTTL = 5 * time.Minute
