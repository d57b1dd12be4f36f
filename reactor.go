package nlmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Reactor runs input callbacks for readable descriptors. Callbacks run one
// at a time on the reactor's goroutine and must not block.
type Reactor interface {
	CreateInputHandler(fd int, onReadable func()) (InputHandler, error)
}

// InputHandler is the registration of one descriptor with a Reactor.
type InputHandler interface {
	Stop()
}

// Poller is a Reactor polling its descriptors with poll(2) from Run.
type Poller struct {
	lock     sync.Mutex
	handlers map[int]*pollHandler
	interval time.Duration
	logger   *slog.Logger
}

type pollHandler struct {
	poller     *Poller
	fd         int
	onReadable func()
}

func (self *pollHandler) Stop() {
	self.poller.lock.Lock()
	defer self.poller.lock.Unlock()
	if self.poller.handlers[self.fd] == self {
		delete(self.poller.handlers, self.fd)
	}
}

// NewPoller returns a Poller. Registration changes are picked up within
// interval.
func NewPoller(interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		handlers: make(map[int]*pollHandler),
		interval: interval,
		logger:   logger.With("component", "reactor"),
	}
}

func (self *Poller) CreateInputHandler(fd int, onReadable func()) (InputHandler, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if _, exists := self.handlers[fd]; exists {
		return nil, errors.Errorf("fd %d already registered", fd)
	}
	h := &pollHandler{
		poller:     self,
		fd:         fd,
		onReadable: onReadable,
	}
	self.handlers[fd] = h
	return h, nil
}

// Run dispatches until ctx is done.
func (self *Poller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		self.lock.Lock()
		fds := make([]unix.PollFd, 0, len(self.handlers))
		for fd := range self.handlers {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
		self.lock.Unlock()

		if len(fds) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(self.interval):
			}
			continue
		}

		n, err := unix.Poll(fds, int(self.interval/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		if n == 0 {
			continue
		}

		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			self.lock.Lock()
			h := self.handlers[int(pfd.Fd)]
			self.lock.Unlock()
			if h == nil {
				continue
			}
			if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 && pfd.Revents&unix.POLLIN == 0 {
				self.logger.Warn("descriptor error", "fd", pfd.Fd, "revents", pfd.Revents)
				h.Stop()
				continue
			}
			h.onReadable()
		}
	}
}
