package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/micro-ha/indego-sync/internal/model"
	"github.com/micro-ha/indego-sync/internal/publish"
)

const DefaultTopicPrefix = "indego"

// Topics builds the topic tree under one prefix:
//
//	<prefix>/bridge/status
//	<prefix>/<serial>/state
//	<prefix>/<serial>/availability
//	<prefix>/<serial>/<resource>
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(strings.TrimSpace(t.Prefix), "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

func (t Topics) BridgeStatus() string {
	return t.prefix() + "/bridge/status"
}

func (t Topics) State(serial string) string {
	return fmt.Sprintf("%s/%s/state", t.prefix(), serial)
}

func (t Topics) Availability(serial string) string {
	return fmt.Sprintf("%s/%s/availability", t.prefix(), serial)
}

func (t Topics) Resource(serial string, key model.ResourceKey) string {
	return fmt.Sprintf("%s/%s/%s", t.prefix(), serial, key)
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// buildMessage maps an event to its MQTT message. Availability is sent as
// the bare words online/offline so it can back an availability topic.
func buildMessage(topics Topics, ev publish.Event) (message, bool, error) {
	switch ev.Kind {
	case publish.EventState:
		if ev.State == nil {
			return message{}, false, nil
		}
		payload, err := json.Marshal(ev.State)
		if err != nil {
			return message{}, false, err
		}
		return message{topic: topics.State(ev.Serial), payload: payload, retained: true}, true, nil
	case publish.EventAvailability:
		if ev.Status != publish.StatusOnline && ev.Status != publish.StatusOffline {
			return message{}, false, nil
		}
		return message{topic: topics.Availability(ev.Serial), payload: []byte(ev.Status), retained: true}, true, nil
	case publish.EventResource:
		if ev.Resource == model.KeyMap {
			return message{}, false, nil
		}
		payload, err := json.Marshal(ev.Value)
		if err != nil {
			return message{}, false, fmt.Errorf("encode %s: %w", ev.Resource, err)
		}
		return message{topic: topics.Resource(ev.Serial, ev.Resource), payload: payload, retained: true}, true, nil
	default:
		return message{}, false, nil
	}
}
