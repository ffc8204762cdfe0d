package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedPayload wraps every parse failure of a cloud response.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownState marks a state payload whose code carries no usable state.
	ErrUnknownState = errors.New("unknown mower state")
)

// PayloadError names the resource and field that failed to parse.
type PayloadError struct {
	Resource ResourceKey
	Field    string
	Err      error
}

func (e *PayloadError) Error() string {
	if e == nil {
		return "malformed payload"
	}
	if e.Field != "" {
		return fmt.Sprintf("malformed %s payload: field %q: %v", e.Resource, e.Field, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %v", e.Resource, e.Err)
}

func (e *PayloadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

var errMissing = errors.New("required field missing")

type RuntimeCounters struct {
	Operate int `json:"operate"`
	Charge  int `json:"charge"`
	Cut     int `json:"cut"`
}

type Runtime struct {
	Total   RuntimeCounters `json:"total"`
	Session RuntimeCounters `json:"session"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is the device state resource.
type State struct {
	Code               int       `json:"state"`
	MapUpdateAvailable bool      `json:"map_update_available"`
	Mowed              int       `json:"mowed"`
	MowMode            int       `json:"mowmode"`
	Error              *int      `json:"error,omitempty"`
	Position           *Position `json:"position,omitempty"`
	Runtime            *Runtime  `json:"runtime,omitempty"`
	MapCacheStamp      *int64    `json:"mapsvgcache_ts,omitempty"`
	ConfigChange       *bool     `json:"config_change,omitempty"`
}

func (s State) IsUnknown() bool { return IsUnknownState(s.Code) }

type stateWire struct {
	State              *int     `json:"state"`
	MapUpdateAvailable *bool    `json:"map_update_available"`
	Mowed              *float64 `json:"mowed"`
	MowMode            *int     `json:"mowmode"`
	Error              *int     `json:"error"`
	XPos               *float64 `json:"xPos"`
	YPos               *float64 `json:"yPos"`
	SvgXPos            *float64 `json:"svg_xPos"`
	SvgYPos            *float64 `json:"svg_yPos"`
	Runtime            *Runtime `json:"runtime"`
	MapCacheStamp      *int64   `json:"mapsvgcache_ts"`
	ConfigChange       *bool    `json:"config_change"`
}

// ParseState decodes the state resource and rejects payloads without a state code.
func ParseState(body []byte) (State, error) {
	var wire stateWire
	if err := decode(KeyState, body, &wire); err != nil {
		return State{}, err
	}
	if wire.State == nil {
		return State{}, &PayloadError{Resource: KeyState, Field: "state", Err: errMissing}
	}
	out := State{
		Code:          *wire.State,
		Error:         wire.Error,
		Runtime:       wire.Runtime,
		MapCacheStamp: wire.MapCacheStamp,
		ConfigChange:  wire.ConfigChange,
	}
	if wire.MapUpdateAvailable != nil {
		out.MapUpdateAvailable = *wire.MapUpdateAvailable
	}
	if wire.Mowed != nil {
		out.Mowed = int(*wire.Mowed)
	}
	if wire.MowMode != nil {
		out.MowMode = *wire.MowMode
	}
	switch {
	case wire.SvgXPos != nil && wire.SvgYPos != nil:
		out.Position = &Position{X: *wire.SvgXPos, Y: *wire.SvgYPos}
	case wire.XPos != nil && wire.YPos != nil:
		out.Position = &Position{X: *wire.XPos, Y: *wire.YPos}
	}
	return out, nil
}

// GenericData is the mower identity and service resource.
type GenericData struct {
	Serial          string `json:"serial"`
	Name            string `json:"name,omitempty"`
	Mode            string `json:"mode,omitempty"`
	ModeDescription string `json:"mode_description,omitempty"`
	BareToolNumber  string `json:"bare_tool_number,omitempty"`
	Model           string `json:"model,omitempty"`
	Firmware        string `json:"firmware,omitempty"`
	ServiceCounter  *int   `json:"service_counter,omitempty"`
	NeedsService    *bool  `json:"needs_service,omitempty"`
}

type genericWire struct {
	Serial         *string `json:"alm_sn"`
	Name           string  `json:"alm_name"`
	Mode           string  `json:"alm_mode"`
	BareToolNumber string  `json:"bareToolnumber"`
	Firmware       string  `json:"alm_firmware_version"`
	ServiceCounter *int    `json:"service_counter"`
	NeedsService   *bool   `json:"needs_service"`
}

func ParseGenericData(body []byte) (GenericData, error) {
	var wire genericWire
	if err := decode(KeyGenericData, body, &wire); err != nil {
		return GenericData{}, err
	}
	if wire.Serial == nil || strings.TrimSpace(*wire.Serial) == "" {
		return GenericData{}, &PayloadError{Resource: KeyGenericData, Field: "alm_sn", Err: errMissing}
	}
	return GenericData{
		Serial:          strings.TrimSpace(*wire.Serial),
		Name:            wire.Name,
		Mode:            wire.Mode,
		ModeDescription: MowingModeDescription(wire.Mode),
		BareToolNumber:  wire.BareToolNumber,
		Model:           ModelDescription(wire.BareToolNumber),
		Firmware:        wire.Firmware,
		ServiceCounter:  wire.ServiceCounter,
		NeedsService:    wire.NeedsService,
	}, nil
}

// Alert is one entry of the alerts resource.
type Alert struct {
	ID        string    `json:"alert_id"`
	ErrorCode string    `json:"error_code,omitempty"`
	Headline  string    `json:"headline,omitempty"`
	Message   string    `json:"message,omitempty"`
	Date      time.Time `json:"date,omitempty"`
	Read      bool      `json:"read"`
	Flag      string    `json:"flag,omitempty"`
}

type alertWire struct {
	ID         *string         `json:"alert_id"`
	ErrorCode  json.RawMessage `json:"error_code"`
	Headline   string          `json:"headline"`
	Message    string          `json:"message"`
	Date       string          `json:"date"`
	ReadStatus string          `json:"read_status"`
	Flag       string          `json:"flag"`
}

// ParseAlerts decodes the alerts list. An empty body is an empty list.
func ParseAlerts(body []byte) ([]Alert, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []Alert{}, nil
	}
	var wire []alertWire
	if err := decode(KeyAlerts, body, &wire); err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(wire))
	for i, a := range wire {
		if a.ID == nil || *a.ID == "" {
			return nil, &PayloadError{Resource: KeyAlerts, Field: fmt.Sprintf("[%d].alert_id", i), Err: errMissing}
		}
		alert := Alert{
			ID:        *a.ID,
			ErrorCode: rawString(a.ErrorCode),
			Headline:  a.Headline,
			Message:   a.Message,
			Read:      strings.EqualFold(a.ReadStatus, "read"),
			Flag:      a.Flag,
		}
		if a.Date != "" {
			at, err := ParseTime(a.Date)
			if err != nil {
				return nil, &PayloadError{Resource: KeyAlerts, Field: fmt.Sprintf("[%d].date", i), Err: err}
			}
			alert.Date = at
		}
		out = append(out, alert)
	}
	return out, nil
}

type Battery struct {
	Percent         float64  `json:"percent"`
	PercentAdjusted *float64 `json:"percent_adjusted,omitempty"`
	Voltage         float64  `json:"voltage"`
	Cycles          int      `json:"cycles"`
	Discharge       float64  `json:"discharge"`
	AmbientTemp     float64  `json:"ambient_temp"`
	BatteryTemp     float64  `json:"battery_temp"`
}

type Garden struct {
	ID     int    `json:"id"`
	Name   string `json:"name,omitempty"`
	Number int    `json:"number"`
	Size   int    `json:"size"`
}

// OperatingData carries battery, garden and runtime counters.
type OperatingData struct {
	Battery Battery  `json:"battery"`
	Garden  *Garden  `json:"garden,omitempty"`
	Runtime *Runtime `json:"runtime,omitempty"`
	HMIKeys *int     `json:"hmiKeys,omitempty"`
}

type operatingWire struct {
	Battery *Battery `json:"battery"`
	Garden  *Garden  `json:"garden"`
	Runtime *Runtime `json:"runtime"`
	HMIKeys *int     `json:"hmiKeys"`
}

func ParseOperatingData(body []byte) (OperatingData, error) {
	var wire operatingWire
	if err := decode(KeyOperatingData, body, &wire); err != nil {
		return OperatingData{}, err
	}
	if wire.Battery == nil {
		return OperatingData{}, &PayloadError{Resource: KeyOperatingData, Field: "battery", Err: errMissing}
	}
	return OperatingData{Battery: *wire.Battery, Garden: wire.Garden, Runtime: wire.Runtime, HMIKeys: wire.HMIKeys}, nil
}

// NextMow is the next scheduled mow. At is nil when nothing is scheduled.
type NextMow struct {
	At *time.Time `json:"at,omitempty"`
}

func ParseNextMow(body []byte) (NextMow, error) {
	at, err := parseTimeField(KeyNextMow, "mow_next", body)
	if err != nil {
		return NextMow{}, err
	}
	return NextMow{At: at}, nil
}

// LastCompletedMow is the end of the last completed mow. At is nil when the
// mower has never finished one.
type LastCompletedMow struct {
	At *time.Time `json:"at,omitempty"`
}

func ParseLastCompletedMow(body []byte) (LastCompletedMow, error) {
	at, err := parseTimeField(KeyLastCompletedMow, "last_mowed", body)
	if err != nil {
		return LastCompletedMow{}, err
	}
	return LastCompletedMow{At: at}, nil
}

type CalendarSlot struct {
	Enabled     bool   `json:"En"`
	StartHour   int    `json:"StHr"`
	StartMinute int    `json:"StMin"`
	EndHour     int    `json:"EnHr"`
	EndMinute   int    `json:"EnMin"`
	Attr        string `json:"Attr,omitempty"`
}

type CalendarDay struct {
	Day   int            `json:"day"`
	Slots []CalendarSlot `json:"slots"`
}

type CalendarEntry struct {
	Cal  int           `json:"cal"`
	Days []CalendarDay `json:"days"`
}

// Calendar is the predictive mowing calendar.
type Calendar struct {
	Selected int             `json:"sel_cal"`
	Cals     []CalendarEntry `json:"cals"`
}

type calendarWire struct {
	Selected int              `json:"sel_cal"`
	Cals     *[]CalendarEntry `json:"cals"`
}

func ParsePredictiveCalendar(body []byte) (Calendar, error) {
	var wire calendarWire
	if err := decode(KeyPredictiveCalendar, body, &wire); err != nil {
		return Calendar{}, err
	}
	if wire.Cals == nil {
		return Calendar{}, &PayloadError{Resource: KeyPredictiveCalendar, Field: "cals", Err: errMissing}
	}
	return Calendar{Selected: wire.Selected, Cals: *wire.Cals}, nil
}

// Updates reports whether a firmware update is pending.
type Updates struct {
	Available bool `json:"available"`
}

func ParseUpdates(body []byte) (Updates, error) {
	var wire struct {
		Available *bool `json:"available"`
	}
	if err := decode(KeyUpdates, body, &wire); err != nil {
		return Updates{}, err
	}
	if wire.Available == nil {
		return Updates{}, &PayloadError{Resource: KeyUpdates, Field: "available", Err: errMissing}
	}
	return Updates{Available: *wire.Available}, nil
}

// MowerSummary is one entry of the account mower list.
type MowerSummary struct {
	Serial string `json:"alm_sn"`
}

func ParseMowerList(body []byte) ([]MowerSummary, error) {
	var wire []struct {
		Serial *string `json:"alm_sn"`
	}
	if err := decode("alms", body, &wire); err != nil {
		return nil, err
	}
	out := make([]MowerSummary, 0, len(wire))
	for i, m := range wire {
		if m.Serial == nil || *m.Serial == "" {
			return nil, &PayloadError{Resource: "alms", Field: fmt.Sprintf("[%d].alm_sn", i), Err: errMissing}
		}
		out = append(out, MowerSummary{Serial: *m.Serial})
	}
	return out, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime accepts the timestamp shapes the cloud emits. Values without a
// zone are UTC.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if at, err := time.Parse(layout, raw); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

func parseTimeField(key ResourceKey, field string, body []byte) (*time.Time, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var wire map[string]json.RawMessage
	if err := decode(key, body, &wire); err != nil {
		return nil, err
	}
	raw, ok := wire[field]
	if !ok {
		return nil, &PayloadError{Resource: key, Field: field, Err: errMissing}
	}
	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, &PayloadError{Resource: key, Field: field, Err: err}
	}
	if value == nil || *value == "" {
		return nil, nil
	}
	at, err := ParseTime(*value)
	if err != nil {
		return nil, &PayloadError{Resource: key, Field: field, Err: err}
	}
	return &at, nil
}

func decode(key ResourceKey, body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &PayloadError{Resource: key, Err: errors.New("empty body")}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &PayloadError{Resource: key, Err: err}
	}
	return nil
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strconv.Quote(string(raw))
}
