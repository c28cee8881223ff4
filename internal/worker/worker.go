package worker

import "context"

type jobKind int

const (
	jobRun jobKind = iota
	jobStop
)

// job is one unit of work handed to a worker: drain the named chat's queue.
type job struct {
	kind   jobKind
	chatID int64
}

// Worker pulls chat assignments from its channel and drains each chat's
// queued updates sequentially.
type Worker struct {
	dispatcher *Dispatcher
	jobChannel chan job
}

func NewWorker(d *Dispatcher) *Worker {
	return &Worker{
		dispatcher: d,
		jobChannel: make(chan job),
	}
}

func (w *Worker) Start() {
	go func() {
		for j := range w.jobChannel {
			if j.kind == jobStop {
				return
			}
			w.drain(j.chatID)
			w.dispatcher.pool.Release(w.jobChannel)
		}
	}()
}

// drain processes every queued update for the chat, in order, until the
// queue is empty. Per-chat ordering holds because only one worker owns a
// chat at a time.
func (w *Worker) drain(chatID int64) {
	for {
		task, ok := w.dispatcher.takeTask(chatID)
		if !ok {
			return
		}
		ctx := task.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		w.dispatcher.handler.Handle(ctx, task.event)
	}
}
