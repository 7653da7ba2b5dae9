package conversation

import (
	"context"
	"errors"
	"time"
)

// Ticker is the tick source of a poll loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a Ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the task and waits for its goroutine to exit. It must not be
// called from the task's own goroutine.
func (t *pollTask) stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

func stopAll(tasks []*pollTask) {
	for _, t := range tasks {
		t.stop()
	}
}

// startPollLocked launches a loop calling tick on every tick until cancelled.
// Must be called with c.mu held; the loop itself takes c.mu as needed.
func (c *Controller) startPollLocked(interval time.Duration, tick func(ctx context.Context, task *pollTask)) *pollTask {
	ctx, cancel := context.WithCancel(context.Background())
	task := &pollTask{cancel: cancel, done: make(chan struct{})}
	ticker := c.newTicker(interval)
	go func() {
		defer close(task.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if ctx.Err() != nil {
					return
				}
				tick(ctx, task)
			}
		}
	}()
	return task
}

func (c *Controller) detachPollsLocked() []*pollTask {
	var tasks []*pollTask
	if c.threadPoll != nil {
		tasks = append(tasks, c.threadPoll)
		c.threadPoll = nil
	}
	if c.msgPoll != nil {
		tasks = append(tasks, c.msgPoll)
		c.msgPoll = nil
	}
	return tasks
}

// StartThreadPolling refreshes the thread list periodically. Calling it while
// thread polling already runs does nothing.
func (c *Controller) StartThreadPolling(ctx context.Context) error {
	if _, err := c.authenticate(ctx, promptViewChats); err != nil {
		return err
	}
	c.mu.Lock()
	if c.threadPoll == nil {
		c.threadPoll = c.startPollLocked(c.cfg.ThreadPollInterval, c.pollThreads)
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// StopThreadPolling stops thread polling and returns once no tick is in flight.
func (c *Controller) StopThreadPolling() {
	c.mu.Lock()
	task := c.threadPoll
	c.threadPoll = nil
	c.mu.Unlock()
	if task == nil {
		return
	}
	task.stop()
	c.notify()
}

// StopPolling stops both pollers and returns once no tick is in flight.
func (c *Controller) StopPolling() {
	c.mu.Lock()
	c.stopGen++
	tasks := c.detachPollsLocked()
	c.mu.Unlock()
	if len(tasks) == 0 {
		return
	}
	stopAll(tasks)
	c.notify()
}

func (c *Controller) pollThreads(ctx context.Context, task *pollTask) {
	userID, ok := c.pollUser(ctx)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.threadPoll != task {
		c.mu.Unlock()
		return
	}
	ticket := c.nextThreadTicketLocked()
	c.mu.Unlock()

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	fetched, err := c.registry.LoadThreads(callCtx, userID)
	if err != nil {
		c.debug("thread poll failed", "user_id", userID, "err", err)
		return
	}

	c.mu.Lock()
	changed := false
	if c.threadPoll == task && c.st.userID == userID && c.acceptThreadTicketLocked(ticket) && len(fetched) != len(c.st.threads) {
		c.st.threads = fetched
		changed = true
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Controller) pollMessages(threadID string, gen uint64) func(context.Context, *pollTask) {
	return func(ctx context.Context, task *pollTask) {
		if _, ok := c.pollUser(ctx); !ok {
			return
		}

		c.mu.Lock()
		if c.msgPoll != task || c.openGen != gen {
			c.mu.Unlock()
			return
		}
		seq := c.nextMessageTicketLocked()
		current := c.st.messages
		c.mu.Unlock()

		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		next, changed, err := c.timeline.Refresh(callCtx, threadID, current)
		if err != nil {
			c.debug("message poll failed", "thread_id", threadID, "err", err)
			return
		}
		if !changed {
			return
		}

		c.mu.Lock()
		applied := false
		if c.msgPoll == task && c.openGen == gen && seq > c.msgApplied && len(next) > len(c.st.messages) {
			c.st.messages = next
			c.msgApplied = seq
			applied = true
		}
		c.mu.Unlock()
		if applied {
			c.notify()
		}
	}
}

// pollUser resolves the current user for a tick. Lookup failures skip the
// tick; a signed-out session ends polling.
func (c *Controller) pollUser(ctx context.Context) (string, bool) {
	userID, ok, err := c.session.CurrentUserID(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.debug("poll session lookup failed", "err", err)
		}
		return "", false
	}
	if !ok || userID == "" {
		c.sessionLost()
		return "", false
	}
	return userID, true
}

func (c *Controller) nextThreadTicketLocked() uint64 {
	c.threadSeq++
	return c.threadSeq
}

func (c *Controller) acceptThreadTicketLocked(ticket uint64) bool {
	if ticket <= c.threadApplied {
		return false
	}
	c.threadApplied = ticket
	return true
}

func (c *Controller) nextMessageTicketLocked() uint64 {
	c.msgSeq++
	return c.msgSeq
}
