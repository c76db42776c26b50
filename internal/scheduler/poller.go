package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// UserLister returns the users eligible for background sync.
type UserLister interface {
	ListSyncable(ctx context.Context) ([]int64, error)
}

// Scheduler accepts sync requests.
type Scheduler interface {
	Schedule(userID int64, pull bool)
}

// Poller periodically schedules a pull for every syncable user, covering
// remote edits that no local change would trigger.
type Poller struct {
	cron    *cron.Cron
	users   UserLister
	sched   Scheduler
	timeout time.Duration
}

// NewPoller registers the poll job; it runs once Start is called.
func NewPoller(interval time.Duration, users UserLister, sched Scheduler) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	p := &Poller{
		cron:    cron.New(),
		users:   users,
		sched:   sched,
		timeout: 30 * time.Second,
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(p.Tick))
	if _, err := p.cron.AddJob("@every "+interval.String(), job); err != nil {
		return nil, fmt.Errorf("register poll job: %w", err)
	}
	return p, nil
}

// Start begins polling in the background.
func (p *Poller) Start() {
	p.cron.Start()
}

// Stop halts polling and waits for a running tick to finish or ctx to expire.
func (p *Poller) Stop(ctx context.Context) {
	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Tick schedules a pull for each syncable user.
func (p *Poller) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	ids, err := p.users.ListSyncable(ctx)
	if err != nil {
		log.Printf("[ERROR] poll: list syncable users: %v", err)
		return
	}
	for _, id := range ids {
		p.sched.Schedule(id, true)
	}
	if len(ids) > 0 {
		log.Printf("[INFO] poll scheduled users=%d", len(ids))
	}
}
