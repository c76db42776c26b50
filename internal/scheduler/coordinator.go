package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/metrics"
)

// Runner executes one sync cycle. The caller holds the user's lock.
type Runner interface {
	Run(ctx context.Context, userID int64, opts calsync.RunOptions) (*calsync.Summary, error)
}

// Options tune debouncing and lock retries.
type Options struct {
	Debounce          time.Duration
	LockRetryBase     time.Duration
	LockRetryMax      time.Duration
	LockRetryAttempts int
}

// pending is the per-user run state. A user with no timer and no run in
// flight has no entry.
type pending struct {
	timer    *time.Timer
	gen      uint64
	pull     bool
	attempts int
	running  bool
	rerun    bool
}

// Coordinator debounces sync requests per user and runs each user's cycle
// under the cross-process lock.
type Coordinator struct {
	runner Runner
	locker calsync.Locker
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	users  map[int64]*pending
	closed bool
}

// New creates a coordinator. Runs started by it use a context that is
// cancelled only when Shutdown gives up waiting.
func New(runner Runner, locker calsync.Locker, opts Options) *Coordinator {
	if opts.LockRetryBase <= 0 {
		opts.LockRetryBase = 500 * time.Millisecond
	}
	if opts.LockRetryMax < opts.LockRetryBase {
		opts.LockRetryMax = opts.LockRetryBase
	}
	if opts.LockRetryAttempts <= 0 {
		opts.LockRetryAttempts = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		runner: runner,
		locker: locker,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		users:  make(map[int64]*pending),
	}
}

// Schedule requests a sync for userID. Calls within the debounce window
// collapse into one run; pull is sticky until that run starts. A request
// arriving while the user's run is in flight queues one follow-up run.
func (c *Coordinator) Schedule(userID int64, pull bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	p := c.users[userID]
	if p == nil {
		p = &pending{}
		c.users[userID] = p
	}
	p.pull = p.pull || pull
	if p.running {
		p.rerun = true
		return
	}
	c.arm(userID, p, c.opts.Debounce)
}

// arm (re)starts the user's timer. Only the latest timer may fire a run.
// c.mu must be held.
func (c *Coordinator) arm(userID int64, p *pending, d time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(d, func() { c.fire(userID, gen) })
}

// Pending reports whether userID has a scheduled or running sync.
func (c *Coordinator) Pending(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.users[userID]
	return ok
}

func (c *Coordinator) fire(userID int64, gen uint64) {
	c.mu.Lock()
	p := c.users[userID]
	if c.closed || p == nil || p.running || p.gen != gen {
		c.mu.Unlock()
		return
	}
	p.timer = nil
	p.running = true
	pull := p.pull
	p.pull = false
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	unlock, acquired, err := c.locker.TryLock(c.ctx, userID)
	if err != nil || !acquired {
		if err != nil {
			log.Printf("[ERROR] acquire sync lock user=%d: %v", userID, err)
		} else {
			metrics.LockBusy()
		}
		c.retry(userID, p, pull)
		return
	}

	c.run(userID, pull, unlock)

	c.mu.Lock()
	defer c.mu.Unlock()
	p.running = false
	p.attempts = 0
	if p.rerun && !c.closed {
		p.rerun = false
		c.arm(userID, p, c.opts.Debounce)
		return
	}
	delete(c.users, userID)
}

// retry re-arms the user's timer with exponential backoff after a failed
// lock attempt, dropping the request once the attempts are exhausted.
func (c *Coordinator) retry(userID int64, p *pending, pull bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.running = false
	p.rerun = false
	p.pull = p.pull || pull
	p.attempts++
	if c.closed {
		return
	}
	if p.attempts > c.opts.LockRetryAttempts {
		log.Printf("[WARN] sync lock still held after %d attempts, dropping request user=%d", p.attempts, userID)
		delete(c.users, userID)
		return
	}
	delay := c.backoff(p.attempts)
	log.Printf("[INFO] sync lock busy, retrying user=%d attempt=%d in=%s", userID, p.attempts, delay)
	c.arm(userID, p, delay)
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.opts.LockRetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.LockRetryMax {
			return c.opts.LockRetryMax
		}
	}
	return d
}

func (c *Coordinator) run(userID int64, pull bool, unlock func()) {
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] sync run panicked user=%d: %v", userID, r)
		}
	}()

	sum, err := c.runner.Run(c.ctx, userID, calsync.RunOptions{Pull: pull})
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.Printf("[ERROR] sync run failed user=%d: %v", userID, err)
	case sum != nil && sum.Skipped != "":
		log.Printf("[INFO] sync skipped user=%d reason=%s", userID, sum.Skipped)
	}
}

// Shutdown stops accepting requests, cancels pending timers and waits for
// in-flight runs. When ctx expires first, in-flight runs are cancelled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, p := range c.users {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
