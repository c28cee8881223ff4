// Package worker fans inbound chat updates out to a bounded worker pool
// while keeping each chat's updates strictly ordered: a chat is owned by at
// most one worker at a time, and ready chats are served round-robin.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"p12bot/internal/models"
)

// ErrDispatcherBusy is returned when the inbound queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

// Handler consumes one inbound event.
type Handler interface {
	Handle(ctx context.Context, ev models.Event)
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type task struct {
	ctx   context.Context
	event models.Event
}

type chatQueue struct {
	tasks    []task
	enqueued bool // chat is in the ready list
	running  bool // a worker currently owns this chat
}

type Dispatcher struct {
	pool      *jobChannelPool
	taskQueue chan task
	handler   Handler

	mu     sync.Mutex
	queues map[int64]*chatQueue // pending updates per chat
	ready  *list.List           // round-robin queue of chat IDs
}

func NewDispatcher(cfg DispatcherConfig, handler Handler) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	d := &Dispatcher{
		taskQueue: make(chan task, cfg.QueueSize),
		handler:   handler,
		queues:    make(map[int64]*chatQueue),
		ready:     list.New(),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, d)

	// Warm up the minimum worker set.
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Enqueue hands one inbound event to the dispatcher without blocking.
func (d *Dispatcher) Enqueue(ctx context.Context, ev models.Event) error {
	select {
	case d.taskQueue <- task{ctx: ctx, event: ev}:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// Assign the chat at the front of the round-robin queue.
		if !d.dispatchOne() {
			t := <-d.taskQueue // nothing ready, block for work
			d.enqueueTask(t)
			continue
		}
		select {
		case t := <-d.taskQueue:
			d.enqueueTask(t)
		default:
		}
	}
}

func (d *Dispatcher) enqueueTask(t task) {
	chatID := t.event.ChatID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[chatID]
	if q == nil {
		q = &chatQueue{}
		d.queues[chatID] = q
	}
	q.tasks = append(q.tasks, t)
	if q.running || q.enqueued {
		// a worker owns the chat or it already waits its turn
		return
	}
	q.enqueued = true
	d.ready.PushBack(chatID)
}

// dispatchOne hands the front chat to a worker, which drains its queue.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	chatID := elem.Value.(int64)
	d.ready.Remove(elem)
	q := d.queues[chatID]
	q.enqueued = false
	q.running = true
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	debugLog("[dispatcher] assign chat %d to a worker", chatID)
	workerChan <- job{kind: jobRun, chatID: chatID}
	return true
}

// takeTask pops the next update for the chat, or releases the chat when its
// queue is empty.
func (d *Dispatcher) takeTask(chatID int64) (task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[chatID]
	if q == nil {
		return task{}, false
	}
	if len(q.tasks) == 0 {
		q.running = false
		delete(d.queues, chatID)
		return task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}
