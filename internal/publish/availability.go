package publish

import "time"

// Status is the published availability of a mower.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

const (
	DefaultOfflineGrace = 30 * time.Second
	DefaultMinFailures  = 2
)

// Availability turns a stream of fetch outcomes into online/offline
// transitions. Going offline needs MinFailures consecutive failures spanning
// at least Grace; one success brings the mower back.
type Availability struct {
	grace       time.Duration
	minFailures int

	status       Status
	failures     int
	offlineSince time.Time
	lastSuccess  time.Time
}

func NewAvailability(grace time.Duration, minFailures int) *Availability {
	if grace < 0 {
		grace = DefaultOfflineGrace
	}
	if minFailures <= 0 {
		minFailures = DefaultMinFailures
	}
	return &Availability{grace: grace, minFailures: minFailures, status: StatusUnknown}
}

// Success records a good fetch and reports whether the status changed.
func (a *Availability) Success(now time.Time) bool {
	a.lastSuccess = now
	a.failures = 0
	a.offlineSince = time.Time{}
	if a.status == StatusOnline {
		return false
	}
	a.status = StatusOnline
	return true
}

// Failure records a failed fetch and reports whether the mower just went offline.
func (a *Availability) Failure(now time.Time) bool {
	if a.status == StatusOffline {
		a.failures++
		return false
	}
	a.failures++
	if a.failures == 1 {
		a.offlineSince = now
	}
	if a.failures >= a.minFailures && now.Sub(a.offlineSince) >= a.grace {
		a.status = StatusOffline
		return true
	}
	return false
}

func (a *Availability) Status() Status { return a.status }

// Failures is the current run of consecutive failures.
func (a *Availability) Failures() int { return a.failures }

// OfflineSince is the time of the first failure of the current run.
func (a *Availability) OfflineSince() (time.Time, bool) {
	return a.offlineSince, !a.offlineSince.IsZero()
}

// LastSuccess is the time of the most recent good fetch.
func (a *Availability) LastSuccess() (time.Time, bool) {
	return a.lastSuccess, !a.lastSuccess.IsZero()
}
