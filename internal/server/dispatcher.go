// Package server hands upgraded connections to a fixed pool of workers
// through the WorkQueue and tracks the connections they are serving.
package server

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// WorkQueue is a FIFO handoff from the acceptor to the workers. Each
// connection put on the queue is taken by exactly one worker.
type WorkQueue struct {
	ch        chan *Connection
	done      chan struct{}
	closeOnce sync.Once
}

// NewWorkQueue creates a queue that holds up to size pending connections.
func NewWorkQueue(size int) *WorkQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &WorkQueue{
		ch:   make(chan *Connection, size),
		done: make(chan struct{}),
	}
}

// Put enqueues c, blocking while the queue is full. It fails with
// ErrServerClosed once the queue is closed.
func (q *WorkQueue) Put(c *Connection) error {
	select {
	case <-q.done:
		return ErrServerClosed
	default:
	}

	select {
	case q.ch <- c:
		return nil
	case <-q.done:
		return ErrServerClosed
	}
}

// Take blocks until a connection is available or the queue is closed.
func (q *WorkQueue) Take() (*Connection, error) {
	select {
	case c := <-q.ch:
		return c, nil
	case <-q.done:
		return nil, ErrServerClosed
	}
}

// Len returns the number of connections waiting for a worker.
func (q *WorkQueue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Blocked Put and Take calls return ErrServerClosed.
func (q *WorkQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// drain removes and returns whatever is still queued.
func (q *WorkQueue) drain() []*Connection {
	var pending []*Connection
	for {
		select {
		case c := <-q.ch:
			pending = append(pending, c)
		default:
			return pending
		}
	}
}

// Dispatcher runs the worker pool. Each worker repeatedly takes a
// connection, serves it until it terminates, then goes back to the queue.
type Dispatcher struct {
	queue          *WorkQueue
	workers        int
	readBufferSize int
	transform      func(string) string
	logger         Logger
	stats          *counters

	active map[*Connection]int
	mutex  sync.Mutex
	wg     sync.WaitGroup
	start  sync.Once
}

// NewDispatcher creates a Dispatcher for the given configuration. Workers
// are not started until Start is called.
func NewDispatcher(cfg Config, logger Logger, stats *counters) *Dispatcher {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = log.Default()
	}
	if stats == nil {
		stats = &counters{}
	}
	return &Dispatcher{
		queue:          NewWorkQueue(cfg.QueueSize),
		workers:        cfg.Workers,
		readBufferSize: cfg.ReadBufferSize,
		transform:      strings.ToUpper,
		logger:         logger,
		stats:          stats,
		active:         make(map[*Connection]int),
	}
}

// Start launches the worker pool. Calls after the first are no-ops.
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		d.wg.Add(d.workers)
		for i := 0; i < d.workers; i++ {
			go func(workerID int) {
				defer d.wg.Done()
				d.runWorker(workerID)
			}(i + 1)
		}
		d.logger.Printf("Started %d workers", d.workers)
	})
}

// Dispatch places an upgraded connection on the WorkQueue.
func (d *Dispatcher) Dispatch(c *Connection) error {
	if err := d.queue.Put(c); err != nil {
		return err
	}
	d.stats.dispatched.Add(1)
	return nil
}

// ActiveCount returns the number of connections currently owned by workers.
func (d *Dispatcher) ActiveCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.active)
}

func (d *Dispatcher) runWorker(workerID int) {
	for {
		c, err := d.queue.Take()
		if err != nil {
			return
		}

		if !d.register(c, workerID) {
			d.closeConnection(c)
			return
		}
		d.logger.Printf("Worker %d serving %s (connection %d)", workerID, c.addr, c.id)

		err = d.serve(c)
		d.handleServeError(workerID, c, err)

		d.unregister(c)
		d.closeConnection(c)
		d.stats.served.Add(1)
	}
}

// register records c as owned by workerID. It returns false if the queue
// was closed after c was taken, in which case shutdown will not see c.
func (d *Dispatcher) register(c *Connection, workerID int) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	select {
	case <-d.queue.done:
		return false
	default:
	}

	d.active[c] = workerID
	return true
}

func (d *Dispatcher) unregister(c *Connection) {
	d.mutex.Lock()
	delete(d.active, c)
	d.mutex.Unlock()
}

// handleServeError logs why a connection stopped being served.
func (d *Dispatcher) handleServeError(workerID int, c *Connection, err error) {
	if isExpectedCloseError(err) {
		d.logger.Printf("Worker %d: client %s connection closed: %v", workerID, c.addr, err)
		return
	}
	d.logger.Printf("Worker %d: terminating connection from %s: %v", workerID, c.addr, err)
}

// closeConnection safely closes the connection with proper error handling
func (d *Dispatcher) closeConnection(c *Connection) {
	if err := c.Close(); err != nil {
		if !isExpectedCloseError(err) {
			d.logger.Printf("Error closing connection from %s: %v", c.addr, err)
		}
	}
}

// Shutdown closes the WorkQueue, closes queued and active connections, and
// waits for the workers to exit or for timeout to elapse.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.queue.Close()

	pending := d.queue.drain()
	for _, c := range pending {
		d.closeConnection(c)
	}

	d.mutex.Lock()
	active := make([]*Connection, 0, len(d.active))
	for c := range d.active {
		active = append(active, c)
	}
	d.mutex.Unlock()

	for _, c := range active {
		d.closeConnection(c)
	}
	d.logger.Printf("Closed %d queued and %d active connections", len(pending), len(active))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	select {
	case <-done:
		return nil
	default:
		d.logger.Printf("Dispatcher shutdown timeout reached, some workers may still be running")
		return context.DeadlineExceeded
	}
}
