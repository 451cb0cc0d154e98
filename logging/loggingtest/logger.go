/*
Package loggingtest implements a logging.Logger that records the log
entries, so that tests can wait for, or count, the expected messages.
*/
package loggingtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zalando/reqcount/logging"
)

type logSubscription struct {
	exp      string
	n        int
	response chan struct{}
}

type logWatch struct {
	mu      sync.Mutex
	entries []string
	reqs    []*logSubscription
	muted   bool
}

// TestLogger records the formatted messages of every level.
type TestLogger struct {
	watch  *logWatch
	fields string
}

var ErrWaitTimeout = errors.New("timeout")

var _ logging.Logger = (*TestLogger)(nil)

func New() *TestLogger {
	return &TestLogger{watch: &logWatch{}}
}

func (lw *logWatch) save(e string) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.muted {
		return
	}

	lw.entries = append(lw.entries, e)
	for i := len(lw.reqs) - 1; i >= 0; i-- {
		req := lw.reqs[i]
		if strings.Contains(e, req.exp) {
			req.n--
			if req.n <= 0 {
				close(req.response)
				lw.reqs = append(lw.reqs[:i], lw.reqs[i+1:]...)
			}
		}
	}
}

func (lw *logWatch) notify(req *logSubscription) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	for i := len(lw.entries) - 1; i >= 0; i-- {
		if strings.Contains(lw.entries[i], req.exp) {
			req.n--
			if req.n == 0 {
				break
			}
		}
	}

	if req.n <= 0 {
		close(req.response)
	} else {
		lw.reqs = append(lw.reqs, req)
	}
}

func (tl *TestLogger) logf(level, f string, a ...interface{}) {
	tl.watch.save(level + ": " + fmt.Sprintf(f, a...) + tl.fields)
}

func (tl *TestLogger) log(level string, a ...interface{}) {
	tl.watch.save(level + ": " + fmt.Sprint(a...) + tl.fields)
}

// WaitForN blocks until n entries containing exp were logged, or the
// timeout expires.
func (tl *TestLogger) WaitForN(exp string, n int, to time.Duration) error {
	req := &logSubscription{exp: exp, n: n, response: make(chan struct{})}
	tl.watch.notify(req)

	select {
	case <-req.response:
		return nil
	case <-time.After(to):
		return ErrWaitTimeout
	}
}

func (tl *TestLogger) WaitFor(exp string, to time.Duration) error {
	return tl.WaitForN(exp, 1, to)
}

// Count returns how many recorded entries contain exp.
func (tl *TestLogger) Count(exp string) int {
	tl.watch.mu.Lock()
	defer tl.watch.mu.Unlock()

	var n int
	for _, e := range tl.watch.entries {
		if strings.Contains(e, exp) {
			n++
		}
	}

	return n
}

func (tl *TestLogger) Reset() {
	tl.watch.mu.Lock()
	defer tl.watch.mu.Unlock()
	tl.watch.entries = nil
	tl.watch.reqs = nil
}

func (tl *TestLogger) Mute() {
	tl.watch.mu.Lock()
	defer tl.watch.mu.Unlock()
	tl.watch.muted = true
}

func (tl *TestLogger) Unmute() {
	tl.watch.mu.Lock()
	defer tl.watch.mu.Unlock()
	tl.watch.muted = false
}

func (tl *TestLogger) Error(a ...interface{})            { tl.log("error", a...) }
func (tl *TestLogger) Errorf(f string, a ...interface{}) { tl.logf("error", f, a...) }
func (tl *TestLogger) Warn(a ...interface{})             { tl.log("warn", a...) }
func (tl *TestLogger) Warnf(f string, a ...interface{})  { tl.logf("warn", f, a...) }
func (tl *TestLogger) Info(a ...interface{})             { tl.log("info", a...) }
func (tl *TestLogger) Infof(f string, a ...interface{})  { tl.logf("info", f, a...) }
func (tl *TestLogger) Debug(a ...interface{})            { tl.log("debug", a...) }
func (tl *TestLogger) Debugf(f string, a ...interface{}) { tl.logf("debug", f, a...) }

// WithFields returns a logger sharing the recorded entries, appending
// the fields to each of its messages.
func (tl *TestLogger) WithFields(fields map[string]interface{}) logging.Logger {
	s := tl.fields
	for k, v := range fields {
		s += fmt.Sprintf(" %s=%v", k, v)
	}

	return &TestLogger{watch: tl.watch, fields: s}
}
