package worker

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
	"github.com/ocean-validator/worker/internal/metrics"
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/stateroot"
	"github.com/ocean-validator/worker/internal/types"
)

// scenarioServer is a minimal fake sentry whose responses are driven by the
// fields set on it before httptest.NewServer is called, used to reproduce
// the leader/follower integration scenarios against a full worker tick
// (channel listing through dispatch to leader or follower).
type scenarioServer struct {
	channel            types.Channel
	leaderAccounting   *types.Accounting
	followerAccounting *types.Accounting
	aggregates         []types.EventAggregate
	leaderNewState     *types.NewState
	lastApproved       sentry.LastApprovedResponse
	posted             []types.Message
	failPropagation    bool
}

func newScenarioServer(t *testing.T, s *scenarioServer) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/channel/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sentry.ChannelListPage{Channels: []types.Channel{s.channel}, TotalPages: 1})
	})
	mux.HandleFunc("/channel/channel-1/validator-messages/leader-1/Accounting", func(w http.ResponseWriter, r *http.Request) {
		msgs := []sentry.ValidatorMessage{}
		if s.leaderAccounting != nil {
			msgs = append(msgs, sentry.ValidatorMessage{From: "leader-1", Msg: types.AccountingMessageOf(*s.leaderAccounting)})
		}
		_ = json.NewEncoder(w).Encode(struct {
			Messages []sentry.ValidatorMessage `json:"messages"`
		}{Messages: msgs})
	})
	mux.HandleFunc("/channel/channel-1/validator-messages/follower-1/Accounting", func(w http.ResponseWriter, r *http.Request) {
		msgs := []sentry.ValidatorMessage{}
		if s.followerAccounting != nil {
			msgs = append(msgs, sentry.ValidatorMessage{From: "follower-1", Msg: types.AccountingMessageOf(*s.followerAccounting)})
		}
		_ = json.NewEncoder(w).Encode(struct {
			Messages []sentry.ValidatorMessage `json:"messages"`
		}{Messages: msgs})
	})
	mux.HandleFunc("/channel/channel-1/validator-messages/leader-1/NewState", func(w http.ResponseWriter, r *http.Request) {
		msgs := []sentry.ValidatorMessage{}
		if s.leaderNewState != nil {
			msgs = append(msgs, sentry.ValidatorMessage{From: "leader-1", Msg: types.NewStateMessage(*s.leaderNewState)})
		}
		_ = json.NewEncoder(w).Encode(struct {
			Messages []sentry.ValidatorMessage `json:"messages"`
		}{Messages: msgs})
	})
	mux.HandleFunc("/channel/channel-1/validator-messages/follower-1/ApproveState,RejectState", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(struct {
			Messages []sentry.ValidatorMessage `json:"messages"`
		}{})
	})
	mux.HandleFunc("/channel/channel-1/events-aggregates", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(struct {
			Events []types.EventAggregate `json:"events"`
		}{Events: s.aggregates})
	})
	mux.HandleFunc("/channel/channel-1/last-approved", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(s.lastApproved)
	})
	mux.HandleFunc("/channel/channel-1/validator-messages", func(w http.ResponseWriter, r *http.Request) {
		if s.failPropagation {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body struct {
			Messages []types.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.posted = append(s.posted, body.Messages...)
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func scenarioChannel(url string) types.Channel {
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

func postedOfKind(msgs []types.Message, kind types.MessageKind) []types.Message {
	var out []types.Message
	for _, m := range msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// S1 — Leader happy path (spec scenario S1): starting balances {a:100,
// b:200}, one event aggregate crediting "a" with 50. The leader tick must
// merge, apply fees, and propagate a NewState whose balances sum to 350
// and whose "a" entry matches the ground-truth fee fixture (148). Both
// validators point at the same fake sentry, so the NewState is posted
// once per validator.
func TestWorkerScenarioS1LeaderHappyPath(t *testing.T) {
	s := &scenarioServer{
		leaderAccounting: &types.Accounting{BalancesBeforeFees: types.BalancesMap{"a": bignum.FromInt64(100), "b": bignum.FromInt64(200)}},
		aggregates: []types.EventAggregate{{
			ChannelID: "channel-1",
			Created:   time.Now().UTC(),
			Events: map[string]types.AggregateEvents{
				"IMPRESSION": {EventPayouts: map[string]bignum.BigNum{"a": bignum.FromInt64(50)}},
			},
		}},
	}
	srv := newScenarioServer(t, s)
	defer srv.Close()
	s.channel = scenarioChannel(srv.URL)

	adp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))

	w := New(baseConfig(srv.URL), adp, metrics.NewRegistry(), nil)
	require.NoError(t, w.RunOnce(context.Background()))

	newStates := postedOfKind(s.posted, types.KindNewState)
	require.Len(t, newStates, 2)
	balances := newStates[0].NewState.Balances
	assert.Equal(t, "148", balances["a"].String())
	assert.Equal(t, 0, balances.Sum().Cmp(bignum.FromInt64(350)))

	accountings := postedOfKind(s.posted, types.KindAccounting)
	require.Len(t, accountings, 1)
	assert.Equal(t, "150", accountings[0].Accounting.BalancesBeforeFees["a"].String())
}

// S2 — Deposit cap (spec scenario S2): a payout that would exceed the
// deposit is truncated so sum(balances_before_fees) == deposit_amount.
func TestWorkerScenarioS2DepositCap(t *testing.T) {
	s := &scenarioServer{
		leaderAccounting: &types.Accounting{BalancesBeforeFees: types.BalancesMap{"a": bignum.FromInt64(100), "b": bignum.FromInt64(200)}},
		aggregates: []types.EventAggregate{{
			ChannelID: "channel-1",
			Created:   time.Now().UTC(),
			Events: map[string]types.AggregateEvents{
				"IMPRESSION": {EventPayouts: map[string]bignum.BigNum{"a": bignum.FromInt64(10_010)}},
			},
		}},
	}
	srv := newScenarioServer(t, s)
	defer srv.Close()
	s.channel = scenarioChannel(srv.URL)

	adp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))

	w := New(baseConfig(srv.URL), adp, metrics.NewRegistry(), nil)
	require.NoError(t, w.RunOnce(context.Background()))

	accountings := postedOfKind(s.posted, types.KindAccounting)
	require.Len(t, accountings, 1)
	acc := accountings[0].Accounting
	assert.Equal(t, "9800", acc.BalancesBeforeFees["a"].String())
	assert.Equal(t, "200", acc.BalancesBeforeFees["b"].String())
	assert.Equal(t, 0, acc.BalancesBeforeFees.Sum().Cmp(bignum.FromInt64(10_000)))
}

// S5 — Follower rejects a non-monotone transition (spec scenario S5): the
// leader proposes {a:50, b:200} where the last approved state was
// {a:100, b:200}, a decrease. followerrules.IsValidTransition rejects
// this, and the follower must propagate a RejectState carrying the
// leader's own signature. spec.md's scenario text calls this reason
// "InvalidTransition"; the implemented ErrorKind (matching spec.md §7's
// rule definitions, not its illustrative prose) is "Transition". Both
// validators share one fake sentry, so the RejectState is posted once per
// validator.
func TestWorkerScenarioS5FollowerRejectsInvalidTransition(t *testing.T) {
	leaderAdp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, leaderAdp.Unlock(context.Background()))

	balances := types.BalancesMap{"a": bignum.FromInt64(50), "b": bignum.FromInt64(200)}
	root := stateroot.HashHex("channel-1", balances)
	sig, err := leaderAdp.Sign(context.Background(), root)
	require.NoError(t, err)

	s := &scenarioServer{
		followerAccounting: &types.Accounting{Balances: types.BalancesMap{"a": bignum.FromInt64(100), "b": bignum.FromInt64(200)}},
		leaderNewState:     &types.NewState{StateRoot: root, Signature: sig, Balances: balances},
	}
	s.lastApproved.LastApproved.NewState = &types.NewState{Balances: types.BalancesMap{"a": bignum.FromInt64(100), "b": bignum.FromInt64(200)}}
	srv := newScenarioServer(t, s)
	defer srv.Close()
	s.channel = scenarioChannel(srv.URL)

	adp := adapter.NewDummy("follower-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))

	w := New(baseConfig(srv.URL), adp, metrics.NewRegistry(), nil)
	require.NoError(t, w.RunOnce(context.Background()))

	rejects := postedOfKind(s.posted, types.KindRejectState)
	require.Len(t, rejects, 2)
	assert.Equal(t, "Transition", rejects[0].RejectState.Reason)
	assert.Equal(t, sig, rejects[0].RejectState.Signature, "RejectState carries the leader's own signature")
	assert.Empty(t, postedOfKind(s.posted, types.KindApproveState))
}

// S6 — Propagation partial failure (spec scenario S6): two peers, one of
// whose sentries returns HTTP 500. Propagation to the healthy peer must
// still succeed and the tick must still complete without error; the
// failure is only recorded in that peer's own propagation result and
// metric, never conflated with or delaying the other peer's.
func TestWorkerScenarioS6PropagationPartialFailure(t *testing.T) {
	ownServer := &scenarioServer{
		leaderAccounting: &types.Accounting{Balances: types.BalancesMap{"a": bignum.FromInt64(100)}},
	}
	srvOwn := newScenarioServer(t, ownServer)
	defer srvOwn.Close()

	peerServer := &scenarioServer{failPropagation: true}
	srvPeer := newScenarioServer(t, peerServer)
	defer srvPeer.Close()

	channel := types.Channel{
		ID:            "channel-1",
		DepositAmount: bignum.FromInt64(10_000),
		Spec: types.ChannelSpec{
			Validators: [2]types.ValidatorDesc{
				{ID: "leader-1", Fee: bignum.FromInt64(50), URL: srvOwn.URL},
				{ID: "follower-1", Fee: bignum.FromInt64(50), URL: srvPeer.URL},
			},
		},
	}
	ownServer.channel = channel
	peerServer.channel = channel

	adp := adapter.NewDummy("leader-1", nil)
	require.NoError(t, adp.Unlock(context.Background()))

	registry := metrics.NewRegistry()
	w := New(baseConfig(srvOwn.URL), adp, registry, nil)
	require.NoError(t, w.RunOnce(context.Background()))

	// No new event aggregates, so the only Propagate call this tick is
	// the heartbeat: exactly one result per peer.
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `propagation_results_total{peer="leader-1",status="ok"} 1`)
	assert.Contains(t, body, `propagation_results_total{peer="follower-1",status="error"} 1`)
}
