package model

const (
	unknownDescription = "Unknown State"
	unknownDetail      = "Unknown State Detail"

	// StateOffline is reported by the cloud when the mower lost its uplink.
	StateOffline = 99999
)

var stateDescription = map[int]string{
	0:     "Docked",
	101:   "Docked",
	257:   "Docked",
	258:   "Docked",
	259:   "Docked",
	260:   "Docked",
	261:   "Docked",
	262:   "Docked",
	263:   "Docked",
	266:   "Mowing",
	512:   "Mowing",
	513:   "Mowing",
	514:   "Mowing",
	515:   "Mowing",
	516:   "Mowing",
	517:   "Mowing",
	518:   "Mowing",
	519:   "Mowing",
	520:   "Mowing",
	521:   "Mowing",
	522:   "Mowing",
	523:   "Mowing",
	524:   "Mowing",
	525:   "Mowing",
	768:   "Mowing",
	769:   "Mowing",
	770:   "Mowing",
	771:   "Mowing",
	772:   "Mowing",
	773:   "Mowing",
	774:   "Mowing",
	775:   "Mowing",
	776:   "Mowing",
	1005:  "Mowing",
	1025:  "Diagnostic mode",
	1026:  "End of life",
	1027:  "Service Requesting Status",
	1038:  "Mower immobilized",
	1281:  "Software update",
	1537:  "Stuck",
	64513: "Docked",
	99999: "Offline",
}

var stateDetail = map[int]string{
	0:     "Reading status",
	101:   "Mower lifted",
	257:   "Charging",
	258:   "Docked",
	259:   "Docked - Software update",
	260:   "Charging",
	261:   "Docked",
	262:   "Docked - Loading map",
	263:   "Docked - Saving map",
	266:   "Docked - Leaving dock",
	512:   "Mowing - Leaving dock",
	513:   "Mowing",
	514:   "Mowing - Relocalising",
	515:   "Mowing - Loading map",
	516:   "Mowing - Learning lawn",
	517:   "Mowing - Paused",
	518:   "Border cut",
	519:   "Idle in lawn",
	520:   "Mowing - Learning lawn paused",
	521:   "Border cut",
	523:   "Mowing - Spot mowing",
	524:   "Mowing - Random",
	525:   "Mowing - Random complete",
	768:   "Returning to Dock",
	769:   "Returning to Dock",
	770:   "Returning to Dock",
	771:   "Returning to Dock - Battery low",
	772:   "Returning to dock - Calendar timeslot ended",
	773:   "Returning to dock - Battery temp range",
	774:   "Returning to dock - requested by user/app",
	775:   "Returning to dock - Lawn complete",
	776:   "Returning to dock - Relocalising",
	1005:  "Connection to dockingstation failed",
	1025:  "Diagnostic mode",
	1026:  "End of life",
	1027:  "Service Requesting Status",
	1038:  "Mower immobilized",
	1281:  "Software update",
	1537:  "Stuck on lawn, help needed",
	64513: "Sleeping",
	99999: "Offline",
}

var modelDescription = map[string]string{
	"3600HA2300": "Indego 1000",
	"3600HA2301": "Indego 1200",
	"3600HA2302": "Indego 1100",
	"3600HA2303": "Indego 13C",
	"3600HA2304": "Indego 10C",
	"3600HB0100": "Indego 350",
	"3600HB0101": "Indego 400",
	"3600HB0102": "Indego S+ 350 1gen",
	"3600HB0103": "Indego S+ 400 1gen",
	"3600HB0105": "Indego S+ 350 2gen",
	"3600HB0106": "Indego S+ 400 2gen",
	"3600HB0302": "Indego S+ 500",
	"3600HB0301": "Indego M+ 700 1gen",
	"3600HB0303": "Indego M+ 700 2gen",
}

var mowingModeDescription = map[string]string{
	"smart":    "SmartMowing",
	"calendar": "CalendarMowing",
	"manual":   "Manual",
}

// StateDescription maps a state code to its coarse description.
func StateDescription(code int) string {
	if d, ok := stateDescription[code]; ok {
		return d
	}
	return unknownDescription
}

// StateDetail maps a state code to its detailed description.
func StateDetail(code int) string {
	if d, ok := stateDetail[code]; ok {
		return d
	}
	return unknownDetail
}

// IsUnknownState reports codes that carry no usable state: the transient
// "reading status" code and codes missing from the table.
func IsUnknownState(code int) bool {
	if code == 0 {
		return true
	}
	_, ok := stateDetail[code]
	return !ok
}

// IsMowing covers the mowing and returning range.
func IsMowing(code int) bool {
	return code >= 500 && code <= 799
}

// IsCharging reports the two charging codes.
func IsCharging(code int) bool {
	return code == 257 || code == 260
}

// IsDocked reports codes whose coarse description is Docked.
func IsDocked(code int) bool {
	return stateDescription[code] == "Docked"
}

// ModelDescription maps a bare tool number to a product name.
func ModelDescription(bareToolNumber string) string {
	if d, ok := modelDescription[bareToolNumber]; ok {
		return d
	}
	return ""
}

// MowingModeDescription maps the generic data mode to a readable label.
func MowingModeDescription(mode string) string {
	if d, ok := mowingModeDescription[mode]; ok {
		return d
	}
	return mode
}
