package ws

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/daszybak/kalshi/pkg/hashset"
)

// CommandState is where a command is in its lifecycle:
// Pending → Confirmed | Failed, and Confirmed → Removed.
type CommandState int

const (
	StatePending CommandState = iota
	StateConfirmed
	StateFailed
	StateRemoved
)

func (s CommandState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("CommandState(%d)", int(s))
	}
}

// Subscription is a confirmed channel subscription.
type Subscription struct {
	SID       int64
	Channel   Channel
	Tickers   []string // empty means every market
	CommandID int64
}

// SubscriptionError is an exchange rejection of a subscribe or unsubscribe
// command. It is not retried.
type SubscriptionError struct {
	CommandID int64
	Cmd       string
	Code      int64
	Message   string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s command %d rejected: code %d: %s", e.Cmd, e.CommandID, e.Code, e.Message)
}

type command struct {
	id      int64
	cmd     string
	channel Channel
	tickers []string
	sids    hashset.Set[int64] // unsubscribe: sids not yet acknowledged
	sid     int64              // subscribe: sid once confirmed
	state   CommandState
}

// Registry tracks commands and subscriptions on one connection.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	nextID   int64
	commands map[int64]*command
	subs     map[int64]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[int64]*command),
		subs:     make(map[int64]*Subscription),
	}
}

// Subscribe registers a pending subscribe command and returns it for sending.
func (r *Registry) Subscribe(channel Channel, tickers []string) (Command, error) {
	if !channel.Valid() {
		return Command{}, fmt.Errorf("unknown channel %q", channel)
	}
	tickers = hashset.Sorted(hashset.SetFromSlice(tickers))

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.commands[r.nextID] = &command{
		id:      r.nextID,
		cmd:     CmdSubscribe,
		channel: channel,
		tickers: tickers,
		state:   StatePending,
	}
	return Command{
		ID:  r.nextID,
		Cmd: CmdSubscribe,
		Params: CommandParams{
			Channels:      []Channel{channel},
			MarketTickers: tickers,
		},
	}, nil
}

// Unsubscribe registers a pending unsubscribe command for sids.
func (r *Registry) Unsubscribe(sids ...int64) (Command, error) {
	if len(sids) == 0 {
		return Command{}, errors.New("unsubscribe needs at least one sid")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sid := range sids {
		if _, ok := r.subs[sid]; !ok {
			return Command{}, fmt.Errorf("sid %d is not subscribed", sid)
		}
	}

	r.nextID++
	r.commands[r.nextID] = &command{
		id:    r.nextID,
		cmd:   CmdUnsubscribe,
		sids:  hashset.SetFromSlice(sids),
		state: StatePending,
	}
	return Command{
		ID:     r.nextID,
		Cmd:    CmdUnsubscribe,
		Params: CommandParams{SIDs: sids},
	}, nil
}

// HandleSubscribed confirms the pending command m acknowledges.
func (r *Registry) HandleSubscribed(m *Subscribed) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commands[m.ID]
	if !ok || c.cmd != CmdSubscribe {
		return nil, fmt.Errorf("subscribed ack for unknown command %d (sid %d)", m.ID, m.Msg.SID)
	}
	if c.state != StatePending {
		return nil, fmt.Errorf("subscribed ack for command %d in state %s", m.ID, c.state)
	}
	if c.channel != m.Msg.Channel {
		return nil, fmt.Errorf("subscribed ack for command %d: channel %s, want %s", m.ID, m.Msg.Channel, c.channel)
	}

	c.state = StateConfirmed
	c.sid = m.Msg.SID
	sub := &Subscription{
		SID:       m.Msg.SID,
		Channel:   c.channel,
		Tickers:   c.tickers,
		CommandID: c.id,
	}
	r.subs[sub.SID] = sub
	return sub, nil
}

// HandleUnsubscribed removes the subscription for m.SID. ok is false when the
// sid was not subscribed.
func (r *Registry) HandleUnsubscribed(m *Unsubscribed) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[m.SID]
	if !ok {
		return nil, false
	}
	delete(r.subs, m.SID)
	if c, ok := r.commands[sub.CommandID]; ok {
		c.state = StateRemoved
	}

	for _, c := range r.commands {
		if c.cmd != CmdUnsubscribe || c.state != StatePending || !c.sids.Has(m.SID) {
			continue
		}
		c.sids.Delete(m.SID)
		if c.sids.Len() == 0 {
			c.state = StateConfirmed
		}
	}
	return sub, true
}

// HandleError fails the pending command m refers to. It returns nil when m
// does not reference a pending command.
func (r *Registry) HandleError(m *Error) *SubscriptionError {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commands[m.ID]
	if !ok || c.state != StatePending {
		return nil
	}
	c.state = StateFailed
	return &SubscriptionError{
		CommandID: c.id,
		Cmd:       c.cmd,
		Code:      m.Msg.Code,
		Message:   m.Msg.Msg,
	}
}

// Abort fails a pending command that never reached the exchange. It reports
// whether the command was pending.
func (r *Registry) Abort(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commands[id]
	if !ok || c.state != StatePending {
		return false
	}
	c.state = StateFailed
	return true
}

// Disconnect drops all state for a lost connection. Confirmed subscriptions
// become Removed, pending commands Failed. The removed subscriptions are
// returned sorted by sid.
func (r *Registry) Disconnect() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.commands {
		switch c.state {
		case StatePending:
			c.state = StateFailed
		case StateConfirmed:
			if c.cmd == CmdSubscribe {
				c.state = StateRemoved
			}
		}
	}

	removed := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		removed = append(removed, s)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].SID < removed[j].SID })
	r.subs = make(map[int64]*Subscription)
	return removed
}

// State returns the state of a command.
func (r *Registry) State(id int64) (CommandState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[id]
	if !ok {
		return 0, false
	}
	return c.state, true
}

// Subscription returns the confirmed subscription for sid.
func (r *Registry) Subscription(sid int64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[sid]
	return s, ok
}

// Subscriptions returns all confirmed subscriptions sorted by sid.
func (r *Registry) Subscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}
