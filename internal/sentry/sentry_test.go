package sentry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocean-validator/worker/internal/adapter"
	"github.com/ocean-validator/worker/internal/bignum"
	"github.com/ocean-validator/worker/internal/types"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	adp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))
	return New(Config{
		BaseURL:            srv.URL,
		ChannelID:          "channel-1",
		PropagationTimeout: time.Second,
		FetchTimeout:       time.Second,
	}, adp)
}

func TestGetLastMsgsReturnsMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/channel/channel-1/validator-messages/leader-1/")
		_ = json.NewEncoder(w).Encode(validatorMessagesResponse{
			Messages: []ValidatorMessage{
				{From: "leader-1", Received: time.Unix(1700000000, 0).UTC(), Msg: types.HeartbeatMessage(types.Heartbeat{StateRoot: "abc"})},
			},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	msgs, err := c.GetLastMsgs(context.Background(), "leader-1", []types.MessageKind{types.KindHeartbeat}, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "abc", msgs[0].Msg.Heartbeat.StateRoot)
}

func TestGetLatestMsgReturnsNilWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(validatorMessagesResponse{})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	msg, err := c.GetLatestMsg(context.Background(), "leader-1", []types.MessageKind{types.KindNewState})
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestGetEventAggregatesSendsAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "/channel/channel-1/events-aggregates", r.URL.Path)
		_ = json.NewEncoder(w).Encode(eventAggregatesResponse{
			Events: []types.EventAggregate{{ChannelID: "channel-1"}},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	events, err := c.GetEventAggregates(context.Background(), "leader-1", time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPropagateIsolatesPerPeerFailure(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	adp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))
	c := New(Config{ChannelID: "channel-1", PropagationTimeout: time.Second, FetchTimeout: time.Second}, adp)

	channel := types.Channel{
		ID: "channel-1",
		Spec: types.ChannelSpec{Validators: [2]types.ValidatorDesc{
			{ID: "leader-1", URL: ok.URL},
			{ID: "follower-1", URL: bad.URL},
		}},
	}

	results := c.Propagate(context.Background(), "leader-1", channel, []types.Message{
		types.HeartbeatMessage(types.Heartbeat{StateRoot: "x"}),
	})

	require.Len(t, results, 2)
	assert.Equal(t, "leader-1", results[0].ValidatorID)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "follower-1", results[1].ValidatorID)
	require.Error(t, results[1].Err)

	var httpErr *HTTPError
	require.ErrorAs(t, results[1].Err, &httpErr)
	assert.Equal(t, KindStatus, httpErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
}

func TestListChannelsDecodesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "leader-1", r.URL.Query().Get("validator"))
		_ = json.NewEncoder(w).Encode(ChannelListPage{
			Channels:   []types.Channel{{ID: "channel-1", DepositAmount: bignum.FromInt64(10)}},
			TotalPages: 3,
		})
	}))
	defer srv.Close()

	page, err := ListChannels(context.Background(), srv.Client(), srv.URL, "leader-1", 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Channels, 1)
	assert.Equal(t, "channel-1", page.Channels[0].ID)
}
