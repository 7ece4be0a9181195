package session

import (
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateInitializing State = "initializing"
	StatePairing      State = "pairing"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
)

// Record is the registry entry for one user's running client. Client is fixed
// for the lifetime of the record; the channel is swapped by Reconnect.
type Record struct {
	UserID    string
	Username  string
	Client    Client
	CreatedAt time.Time

	mu      sync.Mutex
	channel Channel
	state   State
	qr      string
}

type notification struct {
	event   string
	payload any
}

func newRecord(userID, username string, client Client, ch Channel, now time.Time) *Record {
	return &Record{
		UserID:    userID,
		Username:  username,
		Client:    client,
		CreatedAt: now,
		channel:   ch,
		state:     StateInitializing,
	}
}

func (r *Record) Channel() Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Record) swapChannel(ch Channel) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.channel
	r.channel = ch
	return old
}

func (r *Record) setState(state State, qr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.qr = qr
}

func (r *Record) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		UserID:    r.UserID,
		Username:  r.Username,
		State:     r.state,
		QR:        r.qr,
		CreatedAt: r.CreatedAt,
	}
	if r.channel != nil {
		st.ChannelID = r.channel.ID()
	}
	return st
}

// emit delivers notes in order to the channel bound at call time. The record
// lock is held for the whole batch so a concurrent swap lands either before
// or after it, never in the middle.
func (r *Record) emit(notes ...notification) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.channel
	if ch == nil {
		return nil, nil
	}
	for _, n := range notes {
		if err := ch.Emit(n.event, n.payload); err != nil {
			return ch, err
		}
	}
	return ch, nil
}

// Status is a point-in-time view of a record.
type Status struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	State     State     `json:"state"`
	QR        string    `json:"-"`
	ChannelID string    `json:"channel_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry maps user ids to their single active record.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	claims  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record), claims: make(map[string]struct{})}
}

func (r *Registry) Get(userID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[userID]
	return rec, ok
}

func (r *Registry) Contains(userID string) bool {
	_, ok := r.Get(userID)
	return ok
}

func (r *Registry) Put(userID string, rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[userID] = rec
}

// Claim reserves userID for a record about to be built. It fails while the
// user has a record or another claim is held. The holder calls Release once
// the record is stored or abandoned.
func (r *Registry) Claim(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[userID]; exists {
		return false
	}
	if _, claimed := r.claims[userID]; claimed {
		return false
	}
	r.claims[userID] = struct{}{}
	return true
}

func (r *Registry) Release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, userID)
}

func (r *Registry) Remove(userID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	if ok {
		delete(r.records, userID)
	}
	return rec, ok
}

// RemoveIf removes the entry for userID only if it is still rec.
func (r *Registry) RemoveIf(userID string, rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.records[userID]; ok && current == rec {
		delete(r.records, userID)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns the current records ordered by user id.
func (r *Registry) Snapshot() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
