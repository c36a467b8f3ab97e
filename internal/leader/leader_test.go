package leader

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
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/types"
)

func testChannel(url string) types.Channel {
	return types.Channel{
		ID:            "channel-1",
		DepositAmount: bignum.FromInt64(10_000),
		Spec: types.ChannelSpec{
			Validators: [2]types.ValidatorDesc{
				{ID: "leader-1", Fee: bignum.FromInt64(50), URL: url},
				{ID: "follower-1", Fee: bignum.FromInt64(50), URL: url},
			},
		},
	}
}

func TestTickProposesNewStateWhenProducerSent(t *testing.T) {
	var posted []types.Message
	mux := http.NewServeMux()
	mux.HandleFunc("/channel/channel-1/validator-messages/leader-1/Accounting", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(struct {
			Messages []sentry.ValidatorMessage `json:"messages"`
		}{})
	})
	mux.HandleFunc("/channel/channel-1/events-aggregates", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(struct {
			Events []types.EventAggregate `json:"events"`
		}{Events: []types.EventAggregate{{
			ChannelID: "channel-1",
			Created:   time.Now().UTC(),
			Events: map[string]types.AggregateEvents{
				"IMPRESSION": {EventPayouts: map[string]bignum.BigNum{"a": bignum.FromInt64(50)}},
			},
		}}})
	})
	mux.HandleFunc("/channel/channel-1/validator-messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []types.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		posted = append(posted, body.Messages...)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	adp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))
	client := sentry.New(sentry.Config{BaseURL: srv.URL, ChannelID: "channel-1", FetchTimeout: time.Second, PropagationTimeout: time.Second}, adp)

	status, err := Tick(context.Background(), client, adp, testChannel(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, SentState, status.NewState)
	require.Len(t, status.StatePropagation, 2)
	require.Len(t, status.Heartbeat, 2)

	var sawNewState, sawHeartbeat, sawAccounting bool
	for _, m := range posted {
		switch m.Kind {
		case types.KindNewState:
			sawNewState = true
			assert.NotEmpty(t, m.NewState.StateRoot)
		case types.KindHeartbeat:
			sawHeartbeat = true
		case types.KindAccounting:
			sawAccounting = true
		}
	}
	assert.True(t, sawNewState)
	assert.True(t, sawHeartbeat)
	assert.True(t, sawAccounting)
}

func TestTickSendsOnlyHeartbeatWhenNoNewEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel/channel-1/validator-messages/leader-1/Accounting", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(struct {
			Messages []sentry.ValidatorMessage `json:"messages"`
		}{})
	})
	mux.HandleFunc("/channel/channel-1/events-aggregates", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(struct {
			Events []types.EventAggregate `json:"events"`
		}{})
	})
	mux.HandleFunc("/channel/channel-1/validator-messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	adp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))
	client := sentry.New(sentry.Config{BaseURL: srv.URL, ChannelID: "channel-1", FetchTimeout: time.Second, PropagationTimeout: time.Second}, adp)

	status, err := Tick(context.Background(), client, adp, testChannel(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, NotSent, status.NewState)
	assert.Nil(t, status.StatePropagation)
	require.Len(t, status.Heartbeat, 2)
}
