package heartbeat

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
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/types"
)

func TestTickSignsAndPropagatesHeartbeat(t *testing.T) {
	var posted types.Message
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []types.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 1)
		posted = body.Messages[0]
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	Now = func() time.Time { return fixed }
	defer func() { Now = time.Now }()

	adp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))
	client := sentry.New(sentry.Config{ChannelID: "channel-1", PropagationTimeout: time.Second, FetchTimeout: time.Second}, adp)

	channel := types.Channel{
		ID:   "channel-1",
		Spec: types.ChannelSpec{Validators: [2]types.ValidatorDesc{{ID: "leader-1", URL: peer.URL}}},
	}

	// The spec always names two validators; only the leader (index 0) has
	// a sentry URL here, so only its result is checked for success.
	results, err := Tick(context.Background(), client, adp, channel)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)

	require.Equal(t, types.KindHeartbeat, posted.Kind)
	assert.Equal(t, fixed, posted.Heartbeat.Timestamp)
	assert.NotEmpty(t, posted.Heartbeat.StateRoot)
	assert.NotEmpty(t, posted.Heartbeat.Signature)
}
