// Package dispatcher owns the registry of online identities and routes
// messages between sessions.
//
// All registry reads and writes happen on the goroutine running Run.
// Sessions interact with it only by posting messages.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrStopped is returned by queries made after Run has returned.
var ErrStopped = errors.New("dispatcher stopped")

// Handle is the address of a live session: a connection id plus the
// session's mailbox.
type Handle struct {
	id      string
	mailbox *Mailbox[Message]
}

// NewHandle creates a handle delivering into mb.
func NewHandle(id string, mb *Mailbox[Message]) *Handle {
	return &Handle{id: id, mailbox: mb}
}

// ID returns the connection id.
func (h *Handle) ID() string { return h.id }

// Deliver queues m for the session. It returns false if the session is gone.
func (h *Handle) Deliver(m Message) bool { return h.mailbox.Push(m) }

// Dispatcher routes messages between sessions.
type Dispatcher struct {
	inbox *Mailbox[Message]
	// identity -> live handle; nil means known but offline.
	registry map[string]*Handle
	logger   *slog.Logger
	done     chan struct{}
}

// New creates a dispatcher whose registry starts with every identity in
// known marked offline.
func New(logger *slog.Logger, known []string) *Dispatcher {
	registry := make(map[string]*Handle, len(known))
	for _, id := range known {
		registry[id] = nil
	}
	return &Dispatcher{
		inbox:    NewMailbox[Message](),
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
		done:     make(chan struct{}),
	}
}

// Post queues m for the dispatcher. It never blocks and returns false once
// the dispatcher has stopped.
func (d *Dispatcher) Post(m Message) bool {
	return d.inbox.Push(m)
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run processes posted messages until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	defer d.inbox.Close()

	d.logger.Info("dispatcher started", "known", len(d.registry))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-d.inbox.Notify():
			for _, m := range d.inbox.Drain() {
				d.handle(m)
			}
		}
	}
}

// Online returns the sorted identities that currently have a live session.
func (d *Dispatcher) Online(ctx context.Context) ([]string, error) {
	q := onlineQuery{reply: make(chan []string, 1)}
	if !d.Post(q) {
		return nil, ErrStopped
	}
	select {
	case ids := <-q.reply:
		return ids, nil
	case <-d.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) handle(m Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovered from panic while dispatching",
				"message", fmt.Sprintf("%T", m), "panic", r)
		}
	}()

	switch msg := m.(type) {
	case Register:
		d.register(msg)
	case Deregister:
		d.deregister(msg)
	case Send:
		d.send(msg)
	case Broadcast:
		d.broadcast(msg)
	case AddKnown:
		if _, ok := d.registry[msg.Identity]; !ok {
			d.registry[msg.Identity] = nil
		}
	case onlineQuery:
		msg.reply <- d.online()
	default:
		d.logger.Warn("unexpected message", "type", fmt.Sprintf("%T", m))
	}
}

func (d *Dispatcher) register(msg Register) {
	if msg.Handle == nil {
		d.logger.Warn("register without handle", "identity", msg.Identity)
		return
	}
	if prev := d.registry[msg.Identity]; prev != nil && prev != msg.Handle {
		if !prev.Deliver(RepeatLoginWarning{}) {
			d.logger.Warn("repeat login warning not delivered",
				"identity", msg.Identity, "conn_id", prev.ID())
		}
		d.logger.Info("session replaced", "identity", msg.Identity,
			"old_conn_id", prev.ID(), "conn_id", msg.Handle.ID())
	}
	d.registry[msg.Identity] = msg.Handle
	d.logger.Info("session registered", "identity", msg.Identity, "conn_id", msg.Handle.ID())

	if !msg.Handle.Deliver(d.known()) {
		d.logger.Warn("users snapshot not delivered", "identity", msg.Identity, "conn_id", msg.Handle.ID())
	}
}

func (d *Dispatcher) deregister(msg Deregister) {
	h := d.registry[msg.Identity]
	if h == nil || h.ID() != msg.HandleID {
		return
	}
	d.registry[msg.Identity] = nil
	d.logger.Info("session deregistered", "identity", msg.Identity, "conn_id", msg.HandleID)
}

func (d *Dispatcher) send(msg Send) {
	h := d.registry[msg.To]
	if h == nil {
		d.logger.Debug("dropping message for offline identity", "from", msg.From, "to", msg.To)
		return
	}
	if !h.Deliver(Out{From: msg.From, Content: msg.Content}) {
		d.logger.Warn("delivery failed", "from", msg.From, "to", msg.To, "conn_id", h.ID())
	}
}

func (d *Dispatcher) broadcast(msg Broadcast) {
	for id, h := range d.registry {
		if h == nil || id == msg.From {
			continue
		}
		if !h.Deliver(Out{From: msg.From, Content: msg.Content}) {
			d.logger.Warn("broadcast delivery failed", "from", msg.From, "to", id, "conn_id", h.ID())
		}
	}
}

func (d *Dispatcher) known() Users {
	ids := make(Users, 0, len(d.registry))
	for id := range d.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Dispatcher) online() []string {
	ids := make([]string, 0, len(d.registry))
	for id, h := range d.registry {
		if h != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
