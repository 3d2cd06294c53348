package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ceylonstays/concierge/pkg/logging"
)

// ErrDispatcherClosed indicates the dispatcher no longer accepts work.
var ErrDispatcherClosed = errors.New("conversation: dispatcher closed")

// Dispatcher is the single-writer queue keyed by sender id. Messages from
// one sender are processed strictly in arrival order by a dedicated
// goroutine; different senders run concurrently and never contend. The
// webhook handler acks immediately after Dispatch.
type Dispatcher struct {
	engine *Engine
	sender *Sender
	logger *logging.Logger

	turnTimeout time.Duration

	mu     sync.Mutex
	queues map[string][]InboundMessage
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher around the engine and outbound sender.
func NewDispatcher(engine *Engine, sender *Sender, logger *logging.Logger) *Dispatcher {
	if engine == nil {
		panic("conversation: engine cannot be nil")
	}
	if sender == nil {
		panic("conversation: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		engine:      engine,
		sender:      sender,
		logger:      logger,
		turnTimeout: 90 * time.Second,
		queues:      make(map[string][]InboundMessage),
	}
}

// Dispatch appends msg to its sender's queue, starting a drain goroutine if
// the sender has none running.
func (d *Dispatcher) Dispatch(msg InboundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	queue, active := d.queues[msg.SenderID]
	d.queues[msg.SenderID] = append(queue, msg)
	if !active {
		d.wg.Add(1)
		go d.drain(msg.SenderID)
	}
	return nil
}

// drain processes one sender's queue in FIFO order until it is empty, then
// removes the queue so an idle sender costs nothing.
func (d *Dispatcher) drain(senderID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[senderID]
		if len(queue) == 0 {
			delete(d.queues, senderID)
			d.mu.Unlock()
			return
		}
		msg := queue[0]
		d.queues[senderID] = queue[1:]
		d.mu.Unlock()

		d.process(msg)
	}
}

func (d *Dispatcher) process(msg InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), d.turnTimeout)
	defer cancel()

	reply, err := d.engine.HandleInbound(ctx, msg)
	if err != nil {
		d.logger.Error("turn processing failed",
			"error", err,
			"sender_id", msg.SenderID,
			"channel_message_id", msg.ChannelMessageID,
		)
		return
	}
	if reply == nil {
		return
	}
	if err := d.sender.Send(ctx, *reply); err != nil {
		d.logger.Error("reply send failed",
			"error", err,
			"sender_id", msg.SenderID,
			"correlation_id", reply.CorrelationID,
		)
	}
}

// Shutdown stops accepting work and waits for in-flight turns to finish or
// ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
