package services

import (
	"sync"
	"sync/atomic"
	"time"

	"campaign-mailer/logger"
)

// RunToken is the cancellation handle of one dispatch run.
type RunToken struct {
	templateID int64
	aborted    atomic.Bool
	release    func()
	siblings   func() int
}

// Aborted reports whether the run has been asked to stop.
func (t *RunToken) Aborted() bool {
	return t.aborted.Load()
}

// Release unregisters the token. It is safe to call more than once.
func (t *RunToken) Release() {
	t.release()
}

// Siblings returns how many other registered runs target the same template.
func (t *RunToken) Siblings() int {
	if t == nil || t.siblings == nil {
		return 0
	}
	return t.siblings()
}

// AbortController hands out run tokens and aborts them on request.
//
// Aborting template 0 stops every registered run, which is what the public
// abort endpoint does, and raises the process-wide flag: runs registered
// while it is up start aborted. The flag clears after the reset delay or
// when a run finishes. There is no way to stop one audience of a template
// while another run of the same template continues.
type AbortController struct {
	progress   *ProgressReporter
	resetDelay time.Duration
	logger     logger.Logger

	mu      sync.Mutex
	runs    map[*RunToken]struct{}
	flag    atomic.Bool
	flagGen uint64
}

func NewAbortController(progress *ProgressReporter, resetDelay time.Duration, log logger.Logger) *AbortController {
	return &AbortController{
		progress:   progress,
		resetDelay: resetDelay,
		logger:     log,
		runs:       make(map[*RunToken]struct{}),
	}
}

// Register creates a token for a run of templateID.
func (c *AbortController) Register(templateID int64) *RunToken {
	t := &RunToken{templateID: templateID}
	var once sync.Once
	t.release = func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.runs, t)
			c.mu.Unlock()
		})
	}
	t.siblings = func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		n := 0
		for other := range c.runs {
			if other != t && other.templateID == t.templateID {
				n++
			}
		}
		return n
	}
	c.mu.Lock()
	c.runs[t] = struct{}{}
	if c.flag.Load() {
		t.aborted.Store(true)
	}
	c.mu.Unlock()
	return t
}

// RequestAbort stops the runs of templateID, or every run when templateID
// is 0, and announces the cancellation. It returns the number of runs
// signalled.
func (c *AbortController) RequestAbort(templateID int64) int {
	c.mu.Lock()
	n := 0
	for t := range c.runs {
		if templateID == 0 || t.templateID == templateID {
			t.aborted.Store(true)
			n++
		}
	}
	if templateID == 0 {
		c.flagGen++
		gen := c.flagGen
		c.flag.Store(true)
		time.AfterFunc(c.resetDelay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.flagGen == gen {
				c.flag.Store(false)
			}
		})
	}
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"template_id": templateID,
		"runs":        n,
	}).Info("Abort requested")

	c.progress.Emit(EventEmailBuffer, EmailBuffer{
		Current:  "cancelled",
		Total:    "",
		Template: templateID,
		Sending:  false,
		Status:   "active",
	})
	return n
}

// IsAborted reports whether an abort of every run was requested within the
// reset delay.
func (c *AbortController) IsAborted() bool {
	return c.flag.Load()
}

// Reset lowers the process-wide flag. Runs already signalled stay aborted.
func (c *AbortController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flagGen++
	c.flag.Store(false)
}

// Active returns the number of registered runs.
func (c *AbortController) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}
