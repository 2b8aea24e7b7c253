package health

import (
	"sort"
	"sync"
	"time"

	"github.com/abelbrown/photoframe/internal/otel"
)

// Outcome is the result of one fetch attempt against a source.
type Outcome struct {
	Success bool
	Class   Classification
	Message string
}

// Success is the outcome of a completed fetch.
func Success() Outcome {
	return Outcome{Success: true}
}

// Failure is the outcome of a failed fetch.
func Failure(class Classification, message string) Outcome {
	return Outcome{Class: class, Message: message}
}

// FailureFromError classifies err into a failure outcome.
func FailureFromError(err error) Outcome {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Failure(Classify(err), msg)
}

// SourceHealth is the connectivity record of one source.
type SourceHealth struct {
	SourceID            string
	IsOnline            bool
	ConsecutiveFailures int
	LastError           string
	LastCheckedAt       time.Time
}

// Listener receives (sourceID, online) once per actual transition.
// Listeners run synchronously and must not call RecordOutcome or SetNetworkOnline.
type Listener func(sourceID string, online bool)

// Subscription identifies a registered Listener.
type Subscription int

// Tracker is the per-source online/offline state machine.
// Safe for concurrent use. Transitions for a source are delivered to
// listeners in the order they occurred.
type Tracker struct {
	mu        sync.Mutex
	sources   map[string]*SourceHealth
	listeners map[Subscription]Listener
	nextSub   Subscription
	netOnline bool

	// dispatchMu is taken before mu is released so deliveries keep state order.
	dispatchMu sync.Mutex

	logger *otel.Logger
	now    func() time.Time
}

type transition struct {
	sourceID string
	online   bool
}

// NewTracker creates an empty Tracker. A nil logger discards events.
func NewTracker(l *otel.Logger) *Tracker {
	return &Tracker{
		sources:   make(map[string]*SourceHealth),
		listeners: make(map[Subscription]Listener),
		netOnline: true,
		logger:    otel.OrNull(l),
		now:       time.Now,
	}
}

// Register begins tracking sourceID with an optimistic online state. Idempotent.
func (t *Tracker) Register(sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sources[sourceID]; ok {
		return
	}
	t.sources[sourceID] = &SourceHealth{SourceID: sourceID, IsOnline: true}
}

// Unregister stops tracking sourceID and drops its state.
func (t *Tracker) Unregister(sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sources, sourceID)
}

// Clear drops every tracked source.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources = make(map[string]*SourceHealth)
}

// RecordOutcome updates the health of sourceID. Outcomes for unregistered
// sources are ignored. Never panics on listener-free trackers.
func (t *Tracker) RecordOutcome(sourceID string, o Outcome) {
	t.mu.Lock()
	h, ok := t.sources[sourceID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tr, changed := t.apply(h, o)
	t.releaseAndDispatch(collect(tr, changed))
}

// apply mutates h. Caller holds t.mu.
func (t *Tracker) apply(h *SourceHealth, o Outcome) (transition, bool) {
	h.LastCheckedAt = t.now()
	was := h.IsOnline
	if o.Success {
		h.ConsecutiveFailures = 0
		h.IsOnline = true
	} else {
		h.ConsecutiveFailures++
		h.LastError = o.Message
		if o.Class.IsNetwork() {
			h.IsOnline = false
		}
	}
	if h.IsOnline == was {
		return transition{}, false
	}
	return transition{sourceID: h.SourceID, online: h.IsOnline}, true
}

func collect(tr transition, changed bool) []transition {
	if !changed {
		return nil
	}
	return []transition{tr}
}

// releaseAndDispatch is entered with t.mu held.
func (t *Tracker) releaseAndDispatch(trs []transition) {
	if len(trs) == 0 {
		t.mu.Unlock()
		return
	}
	listeners := make([]Listener, 0, len(t.listeners))
	subs := make([]Subscription, 0, len(t.listeners))
	for s := range t.listeners {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	for _, s := range subs {
		listeners = append(listeners, t.listeners[s])
	}

	t.dispatchMu.Lock()
	t.mu.Unlock()
	defer t.dispatchMu.Unlock()

	for _, tr := range trs {
		state := "offline"
		if tr.online {
			state = "online"
		}
		t.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindHealthTransition, Comp: "health", Source: tr.sourceID, Msg: state})
		for _, l := range listeners {
			l(tr.sourceID, tr.online)
		}
	}
}

// IsOnline reports the current status. Unknown sources are offline.
func (t *Tracker) IsOnline(sourceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sources[sourceID]
	return ok && h.IsOnline
}

// Health returns a copy of the record for sourceID.
func (t *Tracker) Health(sourceID string) (SourceHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sources[sourceID]
	if !ok {
		return SourceHealth{}, false
	}
	return *h, true
}

// Snapshot returns copies of every record, sorted by source id.
func (t *Tracker) Snapshot() []SourceHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SourceHealth, 0, len(t.sources))
	for _, h := range t.sources {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Subscribe registers l for transition notifications.
func (t *Tracker) Subscribe(l Listener) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	t.listeners[t.nextSub] = l
	return t.nextSub
}

// Unsubscribe removes a listener. Unknown subscriptions are ignored.
func (t *Tracker) Unsubscribe(s Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, s)
}

// NetworkOnline reports the last host connectivity signal.
func (t *Tracker) NetworkOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.netOnline
}

// SetNetworkOnline applies a host connectivity change. Going offline forces a
// network failure on every tracked source. Coming back online only resets
// failure counters; the next real fetch decides each source's status.
func (t *Tracker) SetNetworkOnline(online bool) {
	t.mu.Lock()
	if t.netOnline == online {
		t.mu.Unlock()
		return
	}
	t.netOnline = online
	t.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindNetworkChange, Comp: "health", Msg: map[bool]string{true: "online", false: "offline"}[online]})

	ids := make([]string, 0, len(t.sources))
	for id := range t.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var trs []transition
	for _, id := range ids {
		h := t.sources[id]
		if online {
			h.ConsecutiveFailures = 0
			continue
		}
		if tr, changed := t.apply(h, Failure(ClassOffline, ErrNetworkOffline.Error())); changed {
			trs = append(trs, tr)
		}
	}
	t.releaseAndDispatch(trs)
}
