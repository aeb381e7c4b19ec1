package notifications

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/trahn-copytrade/internal/logging"
	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/signal"
)

type EventKind string

const (
	SignalDetected  EventKind = "signal_detected"
	OutcomeRecorded EventKind = "outcome_recorded"
)

type Event struct {
	Kind       EventKind
	StrategyID int64
	Strategy   string
	Wallet     string
	Signal     signal.Signal
	Status     models.AuditStatus
	Reason     string
}

// Message renders the event as a one-line chat message.
func (e Event) Message() string {
	s := e.Signal
	name := e.Strategy
	if name == "" {
		name = fmt.Sprintf("strategy %d", e.StrategyID)
	}
	switch e.Kind {
	case SignalDetected:
		return fmt.Sprintf("%s: detected %s %s $%s (%s%% of wallet) from %s",
			name, s.Type, s.Asset, s.AmountUSD.StringFixed(2), s.PercentageOfWallet.StringFixed(2), e.Wallet)
	default:
		msg := fmt.Sprintf("%s: %s %s -> %s", name, s.Type, s.Asset, e.Status)
		if e.Reason != "" {
			msg += " (" + e.Reason + ")"
		}
		return msg
	}
}

// Deliverer sends one formatted message.
type Deliverer interface {
	Send(msg string)
}

// Notifier queues events for a single delivery goroutine. Enqueueing never
// blocks: when the queue is full the event is dropped.
type Notifier struct {
	out     Deliverer
	queue   chan Event
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	log     *logrus.Entry
}

func NewNotifier(out Deliverer, size int) *Notifier {
	if size <= 0 {
		size = 256
	}
	n := &Notifier{
		out:   out,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
		log:   logging.For("notify"),
	}
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer close(n.done)
	for ev := range n.queue {
		n.out.Send(ev.Message())
	}
}

func (n *Notifier) enqueue(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- ev:
	default:
		total := n.dropped.Add(1)
		n.log.WithFields(logrus.Fields{"signal": ev.Signal.Ref, "dropped_total": total}).Warn("notification queue full, dropping event")
	}
}

func (n *Notifier) SignalDetected(strat models.Strategy, sig signal.Signal) {
	n.enqueue(Event{Kind: SignalDetected, StrategyID: strat.ID, Strategy: strat.Name, Wallet: strat.WalletAddress, Signal: sig})
}

func (n *Notifier) OutcomeRecorded(strat models.Strategy, sig signal.Signal, status models.AuditStatus, reason string) {
	n.enqueue(Event{Kind: OutcomeRecorded, StrategyID: strat.ID, Strategy: strat.Name, Wallet: strat.WalletAddress,
		Signal: sig, Status: status, Reason: reason})
}

// Dropped is the number of events discarded because the queue was full.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Close stops accepting events and waits for queued ones to be delivered.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}
