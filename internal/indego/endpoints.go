package indego

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/micro-ha/indego-sync/internal/model"
)

// Commands accepted by the state endpoint.
const (
	CommandMow          = "mow"
	CommandPause        = "pause"
	CommandReturnToDock = "returnToDock"
)

// ValidCommand reports whether cmd is a mower command the cloud accepts.
func ValidCommand(cmd string) bool {
	switch cmd {
	case CommandMow, CommandPause, CommandReturnToDock:
		return true
	default:
		return false
	}
}

// StateOptions selects how the state resource is read.
type StateOptions struct {
	LongPoll bool
	// ServerTimeout is the long-poll duration requested from the server.
	ServerTimeout time.Duration
	ForceRefresh  bool
	// Timeout overrides the client side deadline of a plain read.
	Timeout time.Duration
}

func (c *Client) State(ctx context.Context, serial string, opts StateOptions) (model.State, error) {
	query := url.Values{}
	timeout := opts.Timeout
	if opts.LongPoll {
		server := opts.ServerTimeout
		if server <= 0 {
			server = 230 * time.Second
		}
		query.Set("longpoll", "true")
		query.Set("timeout", strconv.Itoa(int(server/time.Second)))
		timeout = server + c.grace
	}
	if opts.ForceRefresh {
		query.Set("forceRefresh", "true")
	}
	path := mowerPath(serial, "state")
	resp, err := c.do(ctx, request{method: http.MethodGet, path: path, query: query, timeout: timeout})
	if err != nil {
		return model.State{}, err
	}
	st, err := model.ParseState(resp.body)
	if err != nil {
		return model.State{}, decodeError(http.MethodGet, path, err)
	}
	return st, nil
}

func (c *Client) GenericData(ctx context.Context, serial string) (model.GenericData, error) {
	return get(ctx, c, mowerPath(serial, ""), model.ParseGenericData)
}

func (c *Client) Alerts(ctx context.Context, serial string) ([]model.Alert, error) {
	return get(ctx, c, mowerPath(serial, "alerts"), model.ParseAlerts)
}

func (c *Client) OperatingData(ctx context.Context, serial string) (model.OperatingData, error) {
	return get(ctx, c, mowerPath(serial, "operatingData"), model.ParseOperatingData)
}

func (c *Client) NextMow(ctx context.Context, serial string) (model.NextMow, error) {
	return get(ctx, c, mowerPath(serial, "predictive/nextcutting"), model.ParseNextMow)
}

func (c *Client) LastCompletedMow(ctx context.Context, serial string) (model.LastCompletedMow, error) {
	return get(ctx, c, mowerPath(serial, "predictive/lastcutting"), model.ParseLastCompletedMow)
}

func (c *Client) PredictiveCalendar(ctx context.Context, serial string) (model.Calendar, error) {
	return get(ctx, c, mowerPath(serial, "predictive/calendar"), model.ParsePredictiveCalendar)
}

func (c *Client) Updates(ctx context.Context, serial string) (model.Updates, error) {
	return get(ctx, c, mowerPath(serial, "updates"), model.ParseUpdates)
}

// Mowers lists the serials registered to the account.
func (c *Client) Mowers(ctx context.Context) ([]model.MowerSummary, error) {
	return get(ctx, c, "alms", model.ParseMowerList)
}

// Map downloads the garden map as SVG.
func (c *Client) Map(ctx context.Context, serial string) ([]byte, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: mowerPath(serial, "map")})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

func (c *Client) SendCommand(ctx context.Context, serial string, cmd string) error {
	if !ValidCommand(cmd) {
		return &APIError{Kind: KindRequest, Method: http.MethodPut, Path: mowerPath(serial, "state"), Message: fmt.Sprintf("unsupported command %q", cmd)}
	}
	_, err := c.do(ctx, request{method: http.MethodPut, path: mowerPath(serial, "state"), body: map[string]string{"state": cmd}})
	return err
}

func (c *Client) SetMowMode(ctx context.Context, serial string, enabled bool) error {
	_, err := c.do(ctx, request{method: http.MethodPut, path: mowerPath(serial, "predictive"), body: map[string]bool{"enabled": enabled}})
	return err
}

func (c *Client) DeleteAlert(ctx context.Context, alertID string) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, path: "alerts/" + url.PathEscape(alertID)})
	return err
}

func (c *Client) MarkAlertRead(ctx context.Context, alertID string) error {
	_, err := c.do(ctx, request{method: http.MethodPut, path: "alerts/" + url.PathEscape(alertID), body: map[string]string{"read_status": "read"}})
	return err
}

func get[T any](ctx context.Context, c *Client, path string, parse func([]byte) (T, error)) (T, error) {
	var zero T
	resp, err := c.do(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return zero, err
	}
	value, err := parse(resp.body)
	if err != nil {
		return zero, decodeError(http.MethodGet, path, err)
	}
	return value, nil
}

func mowerPath(serial string, suffix string) string {
	path := "alms/" + url.PathEscape(serial)
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}
