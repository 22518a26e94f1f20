// Package async classifies firmware async events and hands them to deferred
// work. Nothing here blocks or issues firmware commands: it runs inside the
// default completion queue's drain loop.
package async

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/cq"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
)

// Class is what the device does about an event
type Class int

const (
	Unhandled Class = iota
	LinkChanged
	Fatal
	ConfigChanged

	numClasses
)

func (c Class) String() string {
	switch c {
	case Unhandled:
		return "unhandled"
	case LinkChanged:
		return "link-changed"
	case Fatal:
		return "fatal"
	case ConfigChanged:
		return "config-changed"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps an event onto exactly one class
func Classify(ev hsi.AsyncEvent) Class {
	switch ev.ID {
	case hsi.ASYNC_EVENT_LINK_STATUS_CHANGE,
		hsi.ASYNC_EVENT_LINK_SPEED_CHANGE:
		return LinkChanged

	case hsi.ASYNC_EVENT_RESET_NOTIFY:
		// fatal or not, firmware is about to go away
		return Fatal

	case hsi.ASYNC_EVENT_ERROR_RECOVERY:
		if ev.Data1&hsi.ERROR_RECOVERY_RECOVERY_ENABLED != 0 {
			return Fatal
		}
		return Unhandled

	case hsi.ASYNC_EVENT_LINK_MTU_CHANGE,
		hsi.ASYNC_EVENT_DCB_CONFIG_CHANGE,
		hsi.ASYNC_EVENT_PORT_CONN_NOT_ALLOWED,
		hsi.ASYNC_EVENT_LINK_SPEED_CFG_NOT_ALLOWED,
		hsi.ASYNC_EVENT_LINK_SPEED_CFG_CHANGE,
		hsi.ASYNC_EVENT_PORT_PHY_CFG_CHANGE:
		return ConfigChanged

	default:
		return Unhandled
	}
}

// Events returns the async event IDs to register with firmware
func Events() []uint16 {
	return []uint16{
		hsi.ASYNC_EVENT_LINK_STATUS_CHANGE,
		hsi.ASYNC_EVENT_LINK_MTU_CHANGE,
		hsi.ASYNC_EVENT_LINK_SPEED_CHANGE,
		hsi.ASYNC_EVENT_DCB_CONFIG_CHANGE,
		hsi.ASYNC_EVENT_PORT_CONN_NOT_ALLOWED,
		hsi.ASYNC_EVENT_LINK_SPEED_CFG_NOT_ALLOWED,
		hsi.ASYNC_EVENT_LINK_SPEED_CFG_CHANGE,
		hsi.ASYNC_EVENT_PORT_PHY_CFG_CHANGE,
		hsi.ASYNC_EVENT_RESET_NOTIFY,
		hsi.ASYNC_EVENT_ERROR_RECOVERY,
	}
}

// Handler reacts to one class of event. It must only record state or
// enqueue deferred work.
type Handler func(ev hsi.AsyncEvent)

// Handlers holds the per-class reactions. Nil entries are skipped.
type Handlers struct {
	LinkChanged   Handler
	Fatal         Handler
	ConfigChanged Handler
}

// Sink dispatches async events
type Sink struct {
	handlers Handlers
	logger   *logging.Logger
	unknown  *logging.Limited
	counts   [numClasses]atomic.Uint64
}

func NewSink(h Handlers, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sink{
		handlers: h,
		logger:   logger,
		unknown:  logging.NewLimited(logger, time.Second),
	}
}

// Dispatch classifies ev, runs its handler and returns the class
func (s *Sink) Dispatch(ev hsi.AsyncEvent) Class {
	class := Classify(ev)
	s.counts[class].Add(1)

	var h Handler
	switch class {
	case LinkChanged:
		h = s.handlers.LinkChanged
	case Fatal:
		s.logger.Warn("fatal firmware event", "event", ev.ID, "data1", ev.Data1, "data2", ev.Data2)
		h = s.handlers.Fatal
	case ConfigChanged:
		s.logger.Info("configuration change event", "event", ev.ID, "data1", ev.Data1)
		h = s.handlers.ConfigChanged
	default:
		s.unknown.Warn("unhandled async event", "event", ev.ID, "data1", ev.Data1, "data2", ev.Data2)
	}
	if h != nil {
		h(ev)
	}
	return class
}

// HandleCompletion is the completion queue handler for async event entries
func (s *Sink) HandleCompletion(_ *cq.Queue, c hsi.Completion) error {
	s.Dispatch(hsi.AsyncEventFrom(c))
	return nil
}

// Count returns how many events of a class were seen
func (s *Sink) Count(c Class) uint64 {
	if c < 0 || c >= numClasses {
		return 0
	}
	return s.counts[c].Load()
}
