// Package types holds the wire-level data model shared by every validator
// worker component: channels, validators, balances, event aggregates, and
// the five signed validator message kinds. All JSON tags are camelCase to
// match the sentry's wire format.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocean-validator/worker/internal/bignum"
)

// ValidatorDesc describes a single validator within a channel's spec.
type ValidatorDesc struct {
	ID  string         `json:"id"`
	URL string         `json:"url"`
	Fee bignum.BigNum  `json:"fee"`
}

// ChannelSpec carries the ordered leader/follower validator pair plus any
// other policy fields the sentry attaches. Unknown fields round-trip via
// Extra so the worker never drops data it doesn't understand.
type ChannelSpec struct {
	Validators [2]ValidatorDesc       `json:"validators"`
	Extra      map[string]interface{} `json:"-"`
}

// Leader returns the designated leader validator (index 0).
func (s ChannelSpec) Leader() ValidatorDesc { return s.Validators[0] }

// Follower returns the designated follower validator (index 1).
func (s ChannelSpec) Follower() ValidatorDesc { return s.Validators[1] }

// channelSpecWire decodes the known fields of ChannelSpec; every other key
// is collected into Extra.
type channelSpecWire struct {
	Validators [2]ValidatorDesc `json:"validators"`
}

// MarshalJSON implements json.Marshaler, flattening Extra alongside
// validators.
func (s ChannelSpec) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Extra)+1)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["validators"] = s.Validators
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ChannelSpec) UnmarshalJSON(data []byte) error {
	var wire channelSpecWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.Validators = wire.Validators

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		delete(raw, "validators")
		extra := make(map[string]interface{}, len(raw))
		for k, v := range raw {
			var val interface{}
			if err := json.Unmarshal(v, &val); err == nil {
				extra[k] = val
			}
		}
		s.Extra = extra
	}
	return nil
}

// Channel is the immutable (for the lifetime of one tick) funding record
// the worker observes for a given off-chain payment channel.
type Channel struct {
	ID            string        `json:"id"`
	Creator       string        `json:"creator"`
	DepositAsset  string        `json:"depositAsset"`
	DepositAmount bignum.BigNum `json:"depositAmount"`
	ValidUntil    time.Time     `json:"validUntil"`
	Spec          ChannelSpec   `json:"spec"`
}

// ValidatorIndex returns the index (0 = leader, 1 = follower) of id within
// the channel's validator set, or -1 if id is not a validator for this
// channel.
func (c Channel) ValidatorIndex(id string) int {
	for i, v := range c.Spec.Validators {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// BalancesMap maps earner address to a non-negative owed amount. The sum
// must never exceed a channel's deposit amount (spec invariant 1).
type BalancesMap map[string]bignum.BigNum

// Sum adds up every balance in the map.
func (m BalancesMap) Sum() bignum.BigNum {
	total := bignum.Zero()
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

// Clone returns a shallow copy safe to mutate independently.
func (m BalancesMap) Clone() BalancesMap {
	out := make(BalancesMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AggregateEvents bundles the per-address counters and payouts for a single
// event type within one EventAggregate. Counts feed analytics only; payouts
// feed balances.
type AggregateEvents struct {
	EventCounts  map[string]bignum.BigNum `json:"eventCounts"`
	EventPayouts map[string]bignum.BigNum `json:"eventPayouts"`
}

// EventAggregate is one batch of rolled-up events for a channel, as served
// by the sentry's events-aggregates endpoint.
type EventAggregate struct {
	ChannelID string                     `json:"channelId"`
	Created   time.Time                  `json:"created"`
	Events    map[string]AggregateEvents `json:"events"`
}

// Accounting is the leader's private running tally: pre-fee balances, the
// post-fee balances derived from them, and the high-water mark of merged
// event aggregates.
type Accounting struct {
	LastEventAggregate time.Time   `json:"lastEventAggregate"`
	BalancesBeforeFees  BalancesMap `json:"balancesBeforeFees"`
	Balances            BalancesMap `json:"balances"`
}

// MessageKind discriminates the five validator message wire types.
type MessageKind string

const (
	KindNewState     MessageKind = "NewState"
	KindApproveState MessageKind = "ApproveState"
	KindRejectState  MessageKind = "RejectState"
	KindHeartbeat    MessageKind = "Heartbeat"
	KindAccounting   MessageKind = "Accounting"
)

// NewState is the leader's signed balance proposal.
type NewState struct {
	StateRoot string      `json:"stateRoot"`
	Signature string      `json:"signature"`
	Balances  BalancesMap `json:"balances"`
}

// ApproveState is the follower's signed agreement with a NewState.
type ApproveState struct {
	StateRoot string `json:"stateRoot"`
	Signature string `json:"signature"`
	IsHealthy bool   `json:"isHealthy"`
}

// RejectState is the follower's signed refusal of a NewState.
type RejectState struct {
	Reason    string       `json:"reason"`
	StateRoot string       `json:"stateRoot"`
	Signature string       `json:"signature"`
	Balances  *BalancesMap `json:"balances,omitempty"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
}

// Heartbeat is a periodic signed liveness beacon.
type Heartbeat struct {
	StateRoot string    `json:"stateRoot"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a tagged union over the five validator message kinds,
// discriminated on the wire by a "type" field, matching the sentry's
// MessageTypes contract.
type Message struct {
	Kind         MessageKind
	NewState     *NewState
	ApproveState *ApproveState
	RejectState  *RejectState
	Heartbeat    *Heartbeat
	Accounting   *Accounting
}

// NewStateMessage wraps a NewState as a Message.
func NewStateMessage(v NewState) Message { return Message{Kind: KindNewState, NewState: &v} }

// ApproveStateMessage wraps an ApproveState as a Message.
func ApproveStateMessage(v ApproveState) Message {
	return Message{Kind: KindApproveState, ApproveState: &v}
}

// RejectStateMessage wraps a RejectState as a Message.
func RejectStateMessage(v RejectState) Message { return Message{Kind: KindRejectState, RejectState: &v} }

// HeartbeatMessage wraps a Heartbeat as a Message.
func HeartbeatMessage(v Heartbeat) Message { return Message{Kind: KindHeartbeat, Heartbeat: &v} }

// AccountingMessageOf wraps an Accounting snapshot as a Message.
func AccountingMessageOf(v Accounting) Message {
	return Message{Kind: KindAccounting, Accounting: &v}
}

// MarshalJSON implements the tagged-union encoding: the selected variant's
// fields plus a "type" discriminator, all flattened into one JSON object.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindNewState:
		return marshalTagged(m.Kind, m.NewState)
	case KindApproveState:
		return marshalTagged(m.Kind, m.ApproveState)
	case KindRejectState:
		return marshalTagged(m.Kind, m.RejectState)
	case KindHeartbeat:
		return marshalTagged(m.Kind, m.Heartbeat)
	case KindAccounting:
		return marshalTagged(m.Kind, m.Accounting)
	default:
		return nil, fmt.Errorf("types: message has unknown kind %q", m.Kind)
	}
}

func marshalTagged(kind MessageKind, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	tagged := map[string]json.RawMessage{"type": mustMarshal(string(kind))}
	for k, v := range fields {
		tagged[k] = v
	}
	return json.Marshal(tagged)
}

func mustMarshal(v string) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// UnmarshalJSON implements the tagged-union decoding.
func (m *Message) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type MessageKind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.Type {
	case KindNewState:
		var v NewState
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*m = NewStateMessage(v)
	case KindApproveState:
		var v ApproveState
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*m = ApproveStateMessage(v)
	case KindRejectState:
		var v RejectState
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*m = RejectStateMessage(v)
	case KindHeartbeat:
		var v Heartbeat
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*m = HeartbeatMessage(v)
	case KindAccounting:
		var v Accounting
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*m = AccountingMessageOf(v)
	default:
		return fmt.Errorf("types: unknown message type %q", probe.Type)
	}
	return nil
}
