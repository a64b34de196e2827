// Package pbx talks to the PBX's REST control API and websocket event
// stream.
package pbx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultPort is the PBX control API port.
const DefaultPort = 8088

const restTimeout = 5 * time.Second

// ErrNotFound marks a 404 from the PBX, meaning the channel or playback is
// already gone.
var ErrNotFound = errors.New("pbx: not found")

// IsNotFound reports whether err is a PBX 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Client issues control calls against one PBX host.
type Client struct {
	baseURL  string
	wsURL    string
	username string
	password string
	app      string
	client   *http.Client
	logger   *slog.Logger
}

// NewClient creates a PBX client for host:port authenticating as username
// and controlling channels under the named application.
func NewClient(host string, port int, username, password, app string, logger *slog.Logger) *Client {
	base := fmt.Sprintf("http://%s:%d/ari", host, port)
	ws := fmt.Sprintf("ws://%s:%d/ari/events?app=%s&api_key=%s",
		host, port, url.QueryEscape(app), url.QueryEscape(username+":"+password))
	return &Client{
		baseURL:  base,
		wsURL:    ws,
		username: username,
		password: password,
		app:      app,
		client:   &http.Client{Timeout: restTimeout},
		logger:   logger.With("subsystem", "pbx-client"),
	}
}

// EventsURL returns the websocket URL of the PBX event stream.
func (c *Client) EventsURL() string {
	return c.wsURL
}

// DialEndpoint builds the dial string for calling number through trunkID.
func DialEndpoint(trunkID, number string) string {
	return "PJSIP/" + number + "@" + trunkID
}

// DialEndpoint builds the dial string for calling number through trunkID.
func (c *Client) DialEndpoint(trunkID, number string) string {
	return DialEndpoint(trunkID, number)
}

// OriginateParams describes one outbound call attempt. ChannelID is minted
// by the caller so the channel is addressable before the PBX reports it.
type OriginateParams struct {
	Endpoint  string
	CallerID  string
	ChannelID string
	Timeout   int
}

// Originate starts an outbound call that lands in the controlling
// application when answered.
func (c *Client) Originate(ctx context.Context, p OriginateParams) error {
	q := url.Values{}
	q.Set("endpoint", p.Endpoint)
	q.Set("app", c.app)
	q.Set("callerId", p.CallerID)
	q.Set("channelId", p.ChannelID)
	if p.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(p.Timeout))
	}

	c.logger.Info("originating call",
		"channel_id", p.ChannelID,
		"endpoint", p.Endpoint,
		"caller_id", p.CallerID,
	)
	return c.do(ctx, http.MethodPost, "/channels?"+q.Encode())
}

// Answer answers the channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer")
}

// Play starts playback of the audio at mediaPath on the channel under the
// given playback id. The sound: scheme is added here.
func (c *Client) Play(ctx context.Context, channelID, mediaPath, playbackID string) error {
	q := url.Values{}
	q.Set("media", "sound:"+mediaPath)

	path := "/channels/" + url.PathEscape(channelID) + "/play/" + url.PathEscape(playbackID) + "?" + q.Encode()
	return c.do(ctx, http.MethodPost, path)
}

// StopPlayback stops a running playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID))
}

// Hangup tears the channel down. A channel already gone surfaces as
// ErrNotFound.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID))
}

func (c *Client) do(ctx context.Context, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("pbx: creating request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pbx: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("pbx: %s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return fmt.Errorf("pbx: %s %s: status %d: %s", method, path, resp.StatusCode, body)
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}
