// Package multiplexer implements the I/O Multiplexer of spec.md §4.6:
// the parent side of a chrootuid job, shuttling stdin/stdout/stderr,
// the child-facing PTY or pipes, the inside-chroot log socket, and
// (optionally) X11-forwarded traffic, under idle/elapsed/byte work
// limits.
//
// The original implementation drives all of this from one
// process-wide pselect(2) loop. Go cannot easily express a raw
// single-threaded select loop without fighting the runtime's network
// poller, so this is reinterpreted the idiomatic-Go way: one
// goroutine per copy direction, coordinated over channels, which is
// the pattern the teacher corpus uses throughout for I/O relays
// (see DESIGN.md). The single-process, single-privilege-domain
// nature of this role is unchanged — only the internal concurrency
// primitive differs from the original's epoll/pselect loop.
package multiplexer

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/altlinux/hasher-priv/internal/limits"
)

// ExitReason distinguishes how the multiplexer finished, for exit
// status translation per spec.md §7.
type ExitReason int

const (
	ExitChildDone ExitReason = iota
	ExitIdleLimit
	ExitElapsedLimit
	ExitBytesLimit
)

// Result is what Run returns: the child's exit status (valid only
// when Reason == ExitChildDone) and the reason the loop ended.
type Result struct {
	Reason     ExitReason
	ChildState *os.ProcessState
}

// Config bundles everything the multiplexer needs. Endpoints may be
// nil when not in use (e.g. Stderr pipe is nil in PTY mode).
type Config struct {
	Log *logrus.Entry

	// Caller-facing descriptors.
	CallerStdin  io.Reader
	CallerStdout io.Writer
	CallerStderr io.Writer

	// Child-facing descriptors. Exactly one of (PTYMaster) or
	// (ChildStdout, ChildStderr) is set, per spec.md §4.6's PTY-mode
	// switch.
	PTYMaster   io.ReadWriter
	ChildStdin  io.WriteCloser
	ChildStdout io.Reader
	ChildStderr io.Reader

	// LogListener is the inside-chroot /dev/log socket; each Accept
	// produces a log-reader stream per spec.md §4.6.
	LogListener net.Listener

	// X11 is optional; nil disables forwarding.
	X11 *X11Relay

	Wlimits limits.Wlimits

	// Wait blocks until the child exits and returns its state. The
	// multiplexer calls it in its own goroutine.
	Wait func() (*os.ProcessState, error)
}

// X11Relay is the parent-side X11 forwarding state, populated once
// the control-socket handshake of spec.md §4.7 completes.
type X11Relay struct {
	Listener net.Listener
	RealKey  []byte
	FakeKey  []byte
	Connect  func() (net.Conn, error)
}

// byteLimitedWriter counts bytes and reports ErrLimitExceeded once
// the configured cap is passed, implementing spec.md §4.6's "Byte
// counters are updated on every successful ... write" and "Exceeding
// wlimit.bytes_written ... is fatal".
type byteLimitedWriter struct {
	w     io.Writer
	count *uint64
	limit uint64
	onOver func()
}

func (b *byteLimitedWriter) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if n > 0 {
		total := atomic.AddUint64(b.count, uint64(n))
		if b.limit != 0 && total > b.limit && b.onOver != nil {
			b.onOver()
		}
	}

	return n, err
}

// ErrLimitExceeded is returned (wrapped with a human message) when
// an idle, elapsed, or byte limit fires.
type ErrLimitExceeded struct {
	Reason  ExitReason
	Message string
}

func (e *ErrLimitExceeded) Error() string { return e.Message }

// Run drives the multiplexer until the child exits and every
// child-facing descriptor (PTY/pipes, log socket, X11) is drained, or
// a work limit fires. It mirrors spec.md §4.6's shutdown rule: "After
// the child is gone, the multiplexer keeps draining ... until all are
// closed, then returns the recorded status."
func Run(cfg Config) (Result, error) {
	var (
		bytesWritten uint64
		bytesRead    uint64
		idleMu       sync.Mutex
		lastActivity = time.Now()
	)

	touch := func() {
		idleMu.Lock()
		lastActivity = time.Now()
		idleMu.Unlock()
	}

	limitCh := make(chan ExitReason, 1)
	signalLimit := func(r ExitReason) {
		select {
		case limitCh <- r:
		default:
		}
	}

	var wg sync.WaitGroup

	// caller stdin -> child.
	if cfg.CallerStdin != nil {
		childWriter := childStdinWriter(cfg)
		if childWriter != nil {
			wg.Add(1)

			go func() {
				defer wg.Done()

				lw := &byteLimitedWriter{
					w:     childWriter,
					count: &bytesRead,
					// Only output (child -> caller) counts against
					// wlimit.bytes_written, per spec.md §4.6.
					limit: 0,
				}

				_, _ = copyTouch(lw, cfg.CallerStdin, touch)
			}()
		}
	}

	// child stdout/PTY -> caller stdout, with byte-written limit.
	if src := childStdoutReader(cfg); src != nil && cfg.CallerStdout != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()

			lw := &byteLimitedWriter{
				w:     cfg.CallerStdout,
				count: &bytesWritten,
				limit: cfg.Wlimits.BytesWritten,
				onOver: func() {
					signalLimit(ExitBytesLimit)
				},
			}

			_, _ = copyTouch(lw, src, touch)
		}()
	}

	// child stderr -> caller stderr (pipe mode only; PTY mode
	// multiplexes stderr onto the same PTY as stdout).
	if cfg.ChildStderr != nil && cfg.CallerStderr != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()

			lw := &byteLimitedWriter{
				w:     cfg.CallerStderr,
				count: &bytesWritten,
				limit: cfg.Wlimits.BytesWritten,
				onOver: func() {
					signalLimit(ExitBytesLimit)
				},
			}

			_, _ = copyTouch(lw, cfg.ChildStderr, touch)
		}()
	}

	// /dev/log inside the chroot -> caller stderr, CRLF-terminated.
	if cfg.LogListener != nil && cfg.CallerStderr != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()

			runLogRelay(cfg.LogListener, cfg.CallerStderr, touch)
		}()
	}

	// X11 forwarding, once configured.
	if cfg.X11 != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()

			runX11Relay(cfg.X11, touch)
		}()
	}

	// Elapsed-limit timer.
	var elapsedTimer *time.Timer
	if cfg.Wlimits.TimeElapsed != 0 {
		elapsedTimer = time.AfterFunc(time.Duration(cfg.Wlimits.TimeElapsed)*time.Second, func() {
			signalLimit(ExitElapsedLimit)
		})

		defer elapsedTimer.Stop()
	}

	// Idle-limit poller: spec.md §4.6 treats "no I/O event within
	// wlimit.time_idle" as fatal; 0 means no timeout.
	idleDone := make(chan struct{})

	if cfg.Wlimits.TimeIdle != 0 {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

			idle := time.Duration(cfg.Wlimits.TimeIdle) * time.Second

			for {
				select {
				case <-idleDone:
					return
				case <-ticker.C:
					idleMu.Lock()
					since := time.Since(lastActivity)
					idleMu.Unlock()

					if since >= idle {
						signalLimit(ExitIdleLimit)

						return
					}
				}
			}
		}()
	}
	defer close(idleDone)

	// Child reaper.
	childDone := make(chan *os.ProcessState, 1)
	childErr := make(chan error, 1)

	go func() {
		st, err := cfg.Wait()
		if err != nil {
			childErr <- err

			return
		}

		childDone <- st
	}()

	select {
	case reason := <-limitCh:
		msg := limitMessage(reason, cfg.Wlimits)
		if cfg.CallerStderr != nil {
			fmt.Fprintf(cfg.CallerStderr, "%s\n", msg)
		}

		return Result{Reason: reason}, &ErrLimitExceeded{Reason: reason, Message: msg}
	case st := <-childDone:
		// Drain remaining I/O (log socket, X11, pipes) before
		// returning, per spec.md §4.6.
		wg.Wait()

		return Result{Reason: ExitChildDone, ChildState: st}, nil
	case err := <-childErr:
		wg.Wait()

		return Result{Reason: ExitChildDone}, err
	}
}

func childStdinWriter(cfg Config) io.Writer {
	if cfg.PTYMaster != nil {
		return cfg.PTYMaster
	}

	return cfg.ChildStdin
}

func childStdoutReader(cfg Config) io.Reader {
	if cfg.PTYMaster != nil {
		return cfg.PTYMaster
	}

	return cfg.ChildStdout
}

func copyTouch(dst io.Writer, src io.Reader, touch func()) (int64, error) {
	buf := make([]byte, 32*1024)

	var total int64

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			touch()

			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}

			total += int64(n)
		}

		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}

			return total, rerr
		}
	}
}

func limitMessage(reason ExitReason, w limits.Wlimits) string {
	switch reason {
	case ExitIdleLimit:
		return fmt.Sprintf("time idle limit (%d seconds) exceeded", w.TimeIdle)
	case ExitElapsedLimit:
		return fmt.Sprintf("time elapsed limit (%d seconds) exceeded", w.TimeElapsed)
	case ExitBytesLimit:
		return fmt.Sprintf("bytes written limit (%d bytes) exceeded", w.BytesWritten)
	default:
		return "limit exceeded"
	}
}
