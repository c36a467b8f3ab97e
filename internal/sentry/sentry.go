// Package sentry implements the typed HTTP client every tick component uses
// to read and write validator messages, channel listings, and event
// aggregates at a sentry REST endpoint.
package sentry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ocean-validator/worker/internal/adapter"
	"github.com/ocean-validator/worker/internal/metrics"
	"github.com/ocean-validator/worker/internal/types"
)

// requestIDHeader correlates a request with its response across logs on
// both sides of a propagation; the sentry is free to ignore it.
const requestIDHeader = "X-Request-Id"

// HTTPErrorKind classifies the ways a sentry call can fail, mirroring
// spec.md §7's HttpError enum.
type HTTPErrorKind int

const (
	KindTimeout HTTPErrorKind = iota
	KindConnectRefused
	KindStatus
	KindDeserialize
)

// HTTPError is a typed sentry-call failure.
type HTTPError struct {
	Kind       HTTPErrorKind
	StatusCode int
	Err        error
}

func (e *HTTPError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "sentry: timeout"
	case KindConnectRefused:
		return fmt.Sprintf("sentry: connection refused: %v", e.Err)
	case KindStatus:
		return fmt.Sprintf("sentry: unexpected status %d", e.StatusCode)
	case KindDeserialize:
		return fmt.Sprintf("sentry: deserialize: %v", e.Err)
	default:
		return fmt.Sprintf("sentry: %v", e.Err)
	}
}

func (e *HTTPError) Unwrap() error { return e.Err }

// Client is bound to exactly one channel and reads from exactly one sentry
// base URL, the same binding spec.md §4.6 describes: "Bound to one channel
// and one validator". Propagate additionally posts to each validator's own
// URL from the channel spec.
type Client struct {
	httpClient *http.Client
	baseURL    string
	channelID  string
	adapter    adapter.Adapter
	metrics    *metrics.Worker

	propagationTimeout time.Duration
	fetchTimeout       time.Duration
}

// Config carries the two named timeouts spec.md §4.6 requires every
// network operation to obey.
type Config struct {
	BaseURL            string
	ChannelID          string
	PropagationTimeout time.Duration
	FetchTimeout       time.Duration
	// Metrics, if set, receives per-peer propagation result counts.
	Metrics *metrics.Worker
}

// New constructs a Client for one channel's sentry, signing auth tokens
// through adp.
func New(cfg Config, adp adapter.Adapter) *Client {
	return &Client{
		httpClient:         &http.Client{},
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		channelID:          cfg.ChannelID,
		adapter:            adp,
		metrics:            cfg.Metrics,
		propagationTimeout: cfg.PropagationTimeout,
		fetchTimeout:       cfg.FetchTimeout,
	}
}

// ChannelListPage is the decoded response of GET /channel/list.
type ChannelListPage struct {
	Channels   []types.Channel `json:"channels"`
	TotalPages int             `json:"totalPages"`
}

// ListChannels fetches one page of channels this worker validates, per
// spec.md §6: GET /channel/list?page=N&validator=ID.
func ListChannels(ctx context.Context, httpClient *http.Client, baseURL, whoami string, page int, timeout time.Duration) (ChannelListPage, error) {
	u := fmt.Sprintf("%s/channel/list?page=%d&validator=%s", strings.TrimRight(baseURL, "/"), page, url.QueryEscape(whoami))

	var out ChannelListPage
	if err := doGet(ctx, httpClient, u, timeout, &out); err != nil {
		return ChannelListPage{}, err
	}
	return out, nil
}

// LastApprovedResponse is the decoded response of GET .../last-approved.
type LastApprovedResponse struct {
	LastApproved struct {
		NewState     *types.NewState     `json:"newState"`
		ApproveState *types.ApproveState `json:"approveState"`
	} `json:"lastApproved"`
	Heartbeats []types.Heartbeat `json:"heartbeats,omitempty"`
}

// GetLastApproved fetches the most recently approved NewState/ApproveState
// pair, optionally with recent heartbeats.
func (c *Client) GetLastApproved(ctx context.Context, withHeartbeat bool) (LastApprovedResponse, error) {
	u := fmt.Sprintf("%s/channel/%s/last-approved", c.baseURL, c.channelID)
	if withHeartbeat {
		u += "?withHeartbeat=true"
	}

	var out LastApprovedResponse
	if err := doGet(ctx, c.httpClient, u, c.fetchTimeout, &out); err != nil {
		return LastApprovedResponse{}, err
	}
	return out, nil
}

// ValidatorMessage is one entry of the validator-messages endpoint.
type ValidatorMessage struct {
	From     string        `json:"from"`
	Received time.Time     `json:"received"`
	Msg      types.Message `json:"msg"`
}

type validatorMessagesResponse struct {
	Messages []ValidatorMessage `json:"messages"`
}

// GetLastMsgs fetches up to limit of the newest messages of the given kinds
// authored by from.
func (c *Client) GetLastMsgs(ctx context.Context, from string, kinds []types.MessageKind, limit int) ([]ValidatorMessage, error) {
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}
	u := fmt.Sprintf("%s/channel/%s/validator-messages/%s/%s?limit=%d",
		c.baseURL, c.channelID, url.PathEscape(from), strings.Join(kindStrs, ","), limit)

	var out validatorMessagesResponse
	if err := doGet(ctx, c.httpClient, u, c.fetchTimeout, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// GetLatestMsg returns the single newest message among kinds authored by
// from, or nil if there is none.
func (c *Client) GetLatestMsg(ctx context.Context, from string, kinds []types.MessageKind) (*types.Message, error) {
	msgs, err := c.GetLastMsgs(ctx, from, kinds, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0].Msg, nil
}

// GetOurLatestMsg is GetLatestMsg scoped to this worker's own identity.
func (c *Client) GetOurLatestMsg(ctx context.Context, whoami string, kinds []types.MessageKind) (*types.Message, error) {
	return c.GetLatestMsg(ctx, whoami, kinds)
}

type eventAggregatesResponse struct {
	Events []types.EventAggregate `json:"events"`
}

// GetEventAggregates fetches event aggregates created after the given
// unix-seconds watermark. Requires an auth token, per spec.md §6.
func (c *Client) GetEventAggregates(ctx context.Context, whoami string, after time.Time) ([]types.EventAggregate, error) {
	authToken, err := c.adapter.GetAuth(ctx, whoami)
	if err != nil {
		return nil, fmt.Errorf("sentry: get auth for event aggregates: %w", err)
	}

	u := fmt.Sprintf("%s/channel/%s/events-aggregates?after=%d", c.baseURL, c.channelID, after.Unix())

	var out eventAggregatesResponse
	if err := doGetAuthed(ctx, c.httpClient, u, c.fetchTimeout, authToken, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// PropagationResult is one peer's outcome from a Propagate call.
type PropagationResult struct {
	ValidatorID string
	Err         error
}

// Propagate posts messages to every validator named in channel.Spec, using
// a fresh auth token per peer. Each peer's failure is independent and never
// aborts delivery to the rest, per spec.md §4.6.
func (c *Client) Propagate(ctx context.Context, whoami string, channel types.Channel, messages []types.Message) []PropagationResult {
	body, err := json.Marshal(struct {
		Messages []types.Message `json:"messages"`
	}{Messages: messages})
	if err != nil {
		results := make([]PropagationResult, len(channel.Spec.Validators))
		for i, v := range channel.Spec.Validators {
			results[i] = PropagationResult{ValidatorID: v.ID, Err: fmt.Errorf("sentry: marshal messages: %w", err)}
		}
		return results
	}

	results := make([]PropagationResult, len(channel.Spec.Validators))

	var g errgroup.Group
	for i, v := range channel.Spec.Validators {
		i, v := i, v
		g.Go(func() error {
			results[i] = c.propagateToOne(ctx, whoami, v, body)
			return nil
		})
	}
	// Every closure above returns nil: one peer's failure or latency must
	// never cancel or delay the others, it's only recorded in its own slot.
	_ = g.Wait()

	return results
}

// PostOwnMessage posts a single message to this client's own sentry (the
// validator-messages endpoint of c.baseURL), used to persist Accounting
// snapshots and append our own NewState/ApproveState/RejectState/Heartbeat.
func (c *Client) PostOwnMessage(ctx context.Context, whoami string, msg types.Message) error {
	body, err := json.Marshal(struct {
		Messages []types.Message `json:"messages"`
	}{Messages: []types.Message{msg}})
	if err != nil {
		return fmt.Errorf("sentry: marshal message: %w", err)
	}

	authToken, err := c.adapter.GetAuth(ctx, whoami)
	if err != nil {
		return fmt.Errorf("sentry: get auth: %w", err)
	}

	u := fmt.Sprintf("%s/channel/%s/validator-messages", c.baseURL, c.channelID)

	reqCtx, cancel := context.WithTimeout(ctx, c.propagationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authToken)
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Kind: KindStatus, StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) propagateToOne(ctx context.Context, whoami string, peer types.ValidatorDesc, body []byte) (result PropagationResult) {
	defer func() {
		if c.metrics == nil {
			return
		}
		status := "ok"
		if result.Err != nil {
			status = "error"
		}
		c.metrics.PropagationResults.WithLabelValues(peer.ID, status).Inc()
	}()

	authToken, err := c.adapter.GetAuth(ctx, peer.ID)
	if err != nil {
		return PropagationResult{ValidatorID: peer.ID, Err: fmt.Errorf("get auth: %w", err)}
	}

	u := fmt.Sprintf("%s/channel/%s/validator-messages", strings.TrimRight(peer.URL, "/"), c.channelID)

	reqCtx, cancel := context.WithTimeout(ctx, c.propagationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return PropagationResult{ValidatorID: peer.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authToken)
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PropagationResult{ValidatorID: peer.ID, Err: classifyErr(err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PropagationResult{ValidatorID: peer.ID, Err: &HTTPError{Kind: KindStatus, StatusCode: resp.StatusCode}}
	}
	return PropagationResult{ValidatorID: peer.ID}
}

func doGet(ctx context.Context, httpClient *http.Client, u string, timeout time.Duration, out interface{}) error {
	return doGetAuthed(ctx, httpClient, u, timeout, "", out)
}

func doGetAuthed(ctx context.Context, httpClient *http.Client, u string, timeout time.Duration, authToken string, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if authToken != "" {
		req.Header.Set("Authorization", authToken)
	}
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := httpClient.Do(req)
	if err != nil {
		return classifyErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Kind: KindStatus, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &HTTPError{Kind: KindDeserialize, Err: err}
	}
	return nil
}

func classifyErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &HTTPError{Kind: KindTimeout, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &HTTPError{Kind: KindTimeout, Err: err}
	}
	if strings.Contains(err.Error(), "connection refused") {
		return &HTTPError{Kind: KindConnectRefused, Err: err}
	}
	return &HTTPError{Kind: KindDeserialize, Err: err}
}
