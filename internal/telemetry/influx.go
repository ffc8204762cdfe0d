// Package telemetry writes mower time series to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/micro-ha/indego-sync/internal/model"
	"github.com/micro-ha/indego-sync/internal/publish"
)

const (
	defaultPingTimeout   = 10 * time.Second
	defaultBatchSize     = 50
	defaultFlushInterval = 10 * time.Second
)

var ErrConnectionFailed = errors.New("influxdb: connection failed")

type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
}

// Sink is a publish.Sink that batches points through the non-blocking
// write API.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
}

func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: url and bucket are required", ErrConnectionFailed)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.BatchSize)).
			SetFlushInterval(uint(cfg.FlushInterval/time.Millisecond)))

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	s := &Sink{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for err := range s.writeAPI.Errors() {
			logger.Warn("influxdb write failed", "err", err)
		}
	}()
	return s, nil
}

func (s *Sink) Publish(ctx context.Context, ev publish.Event) error {
	_ = ctx
	for _, p := range Points(ev) {
		s.writeAPI.WritePoint(p)
	}
	return nil
}

// Close flushes pending points and releases the client.
func (s *Sink) Close() {
	if s == nil || s.client == nil {
		return
	}
	s.writeAPI.Flush()
	s.client.Close()
	<-s.done
}

// Points converts an event to the points it is recorded as.
func Points(ev publish.Event) []*write.Point {
	tags := map[string]string{"serial": ev.Serial}
	switch ev.Kind {
	case publish.EventState:
		if ev.State == nil {
			return nil
		}
		return statePoints(tags, *ev.State, ev.At)
	case publish.EventAvailability:
		if ev.Status == publish.StatusUnknown {
			return nil
		}
		return []*write.Point{write.NewPoint("mower_availability", tags,
			map[string]interface{}{"online": ev.Status == publish.StatusOnline}, ev.At)}
	case publish.EventResource:
		switch v := ev.Value.(type) {
		case model.OperatingData:
			return operatingPoints(tags, v, ev.At)
		case model.Updates:
			return []*write.Point{write.NewPoint("mower_updates", tags,
				map[string]interface{}{"available": v.Available}, ev.At)}
		}
	}
	return nil
}

func statePoints(tags map[string]string, st model.MowerState, at time.Time) []*write.Point {
	stateTags := map[string]string{"serial": tags["serial"], "description": st.Description}
	fields := map[string]interface{}{
		"state_code": st.StateCode,
		"detail":     st.Detail,
		"online":     st.Online,
		"mowed":      st.Mowed,
	}
	if st.ErrorCode != nil {
		fields["error_code"] = *st.ErrorCode
	}
	if st.Position != nil {
		fields["x"] = st.Position.X
		fields["y"] = st.Position.Y
	}
	points := []*write.Point{write.NewPoint("mower_state", stateTags, fields, at)}
	if st.Runtime != nil {
		points = append(points, runtimePoint(tags, *st.Runtime, at))
	}
	return points
}

func operatingPoints(tags map[string]string, od model.OperatingData, at time.Time) []*write.Point {
	fields := map[string]interface{}{
		"percent":      od.Battery.Percent,
		"voltage":      od.Battery.Voltage,
		"cycles":       od.Battery.Cycles,
		"discharge":    od.Battery.Discharge,
		"ambient_temp": od.Battery.AmbientTemp,
		"battery_temp": od.Battery.BatteryTemp,
	}
	if od.Battery.PercentAdjusted != nil {
		fields["percent_adjusted"] = *od.Battery.PercentAdjusted
	}
	points := []*write.Point{write.NewPoint("mower_battery", tags, fields, at)}
	if od.Garden != nil {
		points = append(points, write.NewPoint("mower_garden", tags, map[string]interface{}{
			"size":   od.Garden.Size,
			"number": od.Garden.Number,
		}, at))
	}
	if od.Runtime != nil {
		points = append(points, runtimePoint(tags, *od.Runtime, at))
	}
	return points
}

func runtimePoint(tags map[string]string, rt model.Runtime, at time.Time) *write.Point {
	return write.NewPoint("mower_runtime", tags, map[string]interface{}{
		"total_operate":   rt.Total.Operate,
		"total_charge":    rt.Total.Charge,
		"total_cut":       rt.Total.Cut,
		"session_operate": rt.Session.Operate,
		"session_charge":  rt.Session.Charge,
		"session_cut":     rt.Session.Cut,
	}, at)
}
