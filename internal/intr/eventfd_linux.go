package intr

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-bnxt/internal/logging"
)

// EventfdRegistrar gives each vector an eventfd. Whatever delivers the
// interrupt (VFIO, UIO, a test) writes to the fd returned by Line.FD; a
// goroutine per vector waits on it and runs the callback.
type EventfdRegistrar struct {
	mu     sync.Mutex
	lines  map[int]*Line
	logger *logging.Logger
}

func NewEventfdRegistrar(logger *logging.Logger) *EventfdRegistrar {
	if logger == nil {
		logger = logging.Default()
	}
	return &EventfdRegistrar{lines: make(map[int]*Line), logger: logger}
}

func (r *EventfdRegistrar) Register(vector int, fn func()) (Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("nil interrupt callback")
	}
	if vector < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadVector, vector)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lines[vector]; ok {
		return nil, fmt.Errorf("%w: %d", ErrVectorInUse, vector)
	}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd for vector %d: %w", vector, err)
	}
	w, err := newWaiter(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("waiter for vector %d: %w", vector, err)
	}

	l := &Line{
		reg:    r,
		vector: vector,
		fd:     fd,
		fn:     fn,
		waiter: w,
		done:   make(chan struct{}),
		logger: r.logger.With("vector", vector),
	}
	r.lines[vector] = l
	go l.loop()
	return l, nil
}

// Line returns the registered line of a vector
func (r *EventfdRegistrar) Line(vector int) (*Line, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lines[vector]
	return l, ok
}

// Fire signals a vector's line. It reports whether the vector is
// registered.
func (r *EventfdRegistrar) Fire(vector int) bool {
	l, ok := r.Line(vector)
	if !ok {
		return false
	}
	if err := l.Signal(); err != nil {
		l.logger.Warn("failed to signal interrupt line", "error", err)
		return false
	}
	return true
}

// Line is one eventfd-backed vector
type Line struct {
	reg    *EventfdRegistrar
	vector int
	fd     int
	fn     func()
	waiter waiter
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
	logger *logging.Logger

	delivered atomic.Uint64
}

func (l *Line) Vector() int { return l.vector }

// FD returns the eventfd to signal
func (l *Line) FD() int { return l.fd }

// Delivered returns the number of wakeups delivered to the callback
func (l *Line) Delivered() uint64 { return l.delivered.Load() }

// Signal raises the vector
func (l *Line) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.fd, buf[:])
	return err
}

func (l *Line) loop() {
	defer close(l.done)
	for {
		n, err := l.waiter.wait()
		if l.closed.Load() {
			return
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.logger.Error("interrupt wait failed", "error", err)
			return
		}
		if n > 0 {
			l.delivered.Add(1)
			l.fn()
		}
	}
}

// Unregister stops delivery and closes the eventfd. The callback is not
// running once it returns.
func (l *Line) Unregister() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		if serr := l.Signal(); serr != nil {
			err = serr
		}
		<-l.done
		l.waiter.close()
		if cerr := unix.Close(l.fd); cerr != nil && err == nil {
			err = cerr
		}
		l.reg.mu.Lock()
		delete(l.reg.lines, l.vector)
		l.reg.mu.Unlock()
	})
	return err
}

// waiter blocks until the eventfd counter is non-zero and returns it
type waiter interface {
	wait() (uint64, error)
	close() error
}
