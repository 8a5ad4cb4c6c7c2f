package remote

import (
	"io"
	"sync"
	"time"
)

// watchdog fires once when no activity is seen for the idle duration.
// A zero duration disables it.
type watchdog struct {
	mu     sync.Mutex
	timer  *time.Timer
	idle   time.Duration
	fired  bool
	closed bool
}

func newWatchdog(idle time.Duration, onIdle func()) *watchdog {
	w := &watchdog{idle: idle}
	if idle <= 0 {
		return w
	}
	w.timer = time.AfterFunc(idle, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		w.fired = true
		w.mu.Unlock()
		onIdle()
	})
	return w
}

func (w *watchdog) kick() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed && !w.fired {
		w.timer.Reset(w.idle)
	}
}

func (w *watchdog) stop() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.timer.Stop()
}

func (w *watchdog) timedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// activityWriter kicks the watchdog and counts bytes on every write.
type activityWriter struct {
	w        io.Writer
	wd       *watchdog
	n        int64
	progress ProgressFunc
}

func (a *activityWriter) Write(p []byte) (int, error) {
	a.wd.kick()
	n, err := a.w.Write(p)
	a.n += int64(n)
	if a.progress != nil && n > 0 {
		a.progress(a.n)
	}
	return n, err
}

// activityReader kicks the watchdog and counts bytes on every read.
type activityReader struct {
	r        io.Reader
	wd       *watchdog
	n        int64
	progress ProgressFunc
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.wd.kick()
		a.n += int64(n)
		if a.progress != nil {
			a.progress(a.n)
		}
	}
	return n, err
}
