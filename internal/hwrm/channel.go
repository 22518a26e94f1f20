// Package hwrm implements the serialized request/response channel to the
// NIC's firmware control processor.
package hwrm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/mmio"
)

var (
	ErrTimeout  = errors.New("firmware command timed out")
	ErrClosed   = errors.New("command channel closed")
	ErrTooLarge = errors.New("command payload too large")
)

// FirmwareError is a command the firmware answered with a non-zero status.
type FirmwareError struct {
	Opcode uint16
	Seq    uint16
	Status uint16
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("firmware rejected %s (seq %d): %s", OpcodeName(e.Opcode), e.Seq, StatusName(e.Status))
}

// IsFirmwareStatus reports whether err carries the given firmware status
func IsFirmwareStatus(err error, status uint16) bool {
	var fe *FirmwareError
	return errors.As(err, &fe) && fe.Status == status
}

// Observer is told about every completed command
type Observer interface {
	ObserveCommand(opcode uint16, latency time.Duration, err error)
}

// Config configures a Channel
type Config struct {
	Alloc    dma.Allocator
	Notifier Notifier
	// Timeout applies when Issue is called with a zero timeout
	Timeout time.Duration
	// PollInterval is the response buffer polling period
	PollInterval time.Duration
	// MaxInline is the largest request (header included) sent inline
	MaxInline int
	Logger    *logging.Logger
	Observer  Observer
}

// Channel serializes firmware commands. At most one command is outstanding;
// callers block on the channel lock until the previous command completes or
// times out.
type Channel struct {
	mu        sync.Mutex
	seq       uint16
	req       *dma.Region
	resp      *dma.Region
	alloc     dma.Allocator
	notifier  Notifier
	timeout   time.Duration
	poll      time.Duration
	maxInline int
	done      chan uint16
	closed    bool
	logger    *logging.Logger
	observer  Observer
}

// NewChannel allocates the request and response buffers
func NewChannel(cfg Config) (*Channel, error) {
	if cfg.Alloc == nil || cfg.Notifier == nil {
		return nil, errors.New("command channel: allocator and notifier are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultCommandTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultCommandPollInterval
	}
	if cfg.MaxInline <= 0 {
		cfg.MaxInline = constants.DefaultMaxInlineRequest
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	req, err := cfg.Alloc.Alloc(constants.CommandBufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate request buffer: %w", err)
	}
	resp, err := cfg.Alloc.Alloc(constants.CommandBufferSize)
	if err != nil {
		cfg.Alloc.Free(req)
		return nil, fmt.Errorf("failed to allocate response buffer: %w", err)
	}

	return &Channel{
		req:       req,
		resp:      resp,
		alloc:     cfg.Alloc,
		notifier:  cfg.Notifier,
		timeout:   cfg.Timeout,
		poll:      cfg.PollInterval,
		maxInline: min(cfg.MaxInline, constants.CommandBufferSize),
		done:      make(chan uint16, 1),
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}, nil
}

// SetLimits applies the limits firmware reported in VER_GET. Zero values
// leave the current setting.
func (c *Channel) SetLimits(maxInline int, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxInline > 0 {
		c.maxInline = min(maxInline, constants.CommandBufferSize)
	}
	if timeout > 0 {
		c.timeout = timeout
	}
}

// Issue sends one command and waits for its response body. A zero timeout
// uses the channel default. Commands are never retried here: most are not
// idempotent.
func (c *Channel) Issue(ctx context.Context, opcode uint16, input []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	total := hsi.RequestHeaderSize + len(input)
	if len(input) > 0xffff {
		return nil, fmt.Errorf("%w: %s with %d bytes", ErrTooLarge, OpcodeName(opcode), len(input))
	}

	c.seq++
	if c.seq == 0 {
		// a zeroed response buffer must never match
		c.seq = 1
	}
	seq := c.seq
	log := c.logger.WithCommand(opcode, seq)

	hsi.ClearResponse(c.resp.Virt)
	select {
	case <-c.done:
	default:
	}

	hdr := hsi.RequestHeader{
		Opcode:   opcode,
		Seq:      seq,
		Len:      uint16(len(input)),
		RespAddr: c.resp.Bus,
	}

	n := total
	if total > c.maxInline {
		// Out-of-line: the full request goes into a temporary buffer and the
		// request buffer carries only its address.
		tmp, err := c.alloc.Alloc(total)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate out-of-line request for %s: %w", OpcodeName(opcode), err)
		}
		defer c.alloc.Free(tmp)
		copy(tmp.Virt, hsi.Marshal(&hdr))
		copy(tmp.Virt[hsi.RequestHeaderSize:], input)

		short := hsi.ShortRequest{
			Opcode:    opcode,
			Seq:       seq,
			Signature: hsi.HWRM_SHORT_REQ_SIGNATURE,
			Flags:     hsi.HWRM_REQ_FLAG_SHORT,
			ReqAddr:   tmp.Bus,
		}
		n = copy(c.req.Virt, hsi.Marshal(&short))
		log.Debug("issuing out-of-line command", "len", total)
	} else {
		copy(c.req.Virt, hsi.Marshal(&hdr))
		copy(c.req.Virt[hsi.RequestHeaderSize:], input)
	}

	start := time.Now()
	c.notifier.Notify(c.req, n)
	out, err := c.wait(ctx, opcode, seq, timeout)
	latency := time.Since(start)

	if c.observer != nil {
		c.observer.ObserveCommand(opcode, latency, err)
	}
	if err != nil {
		log.Debug("command failed", "error", err, "latency", latency)
		return nil, err
	}
	log.Debug("command completed", "latency", latency, "resp_len", len(out))
	return out, nil
}

func (c *Channel) wait(ctx context.Context, opcode uint16, seq uint16, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		if out, ok, err := c.response(opcode, seq); ok {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s (seq %d): %w", OpcodeName(opcode), seq, ctx.Err())
		case <-deadline.C:
			if out, ok, err := c.response(opcode, seq); ok {
				return out, err
			}
			return nil, fmt.Errorf("%w: %s (seq %d) after %v", ErrTimeout, OpcodeName(opcode), seq, timeout)
		case <-ticker.C:
		case <-c.done:
		}
	}
}

// response checks the response header for seq. ok is false while firmware
// has not answered.
func (c *Channel) response(opcode uint16, seq uint16) ([]byte, bool, error) {
	if !hsi.ResponseValid(c.resp.Virt) {
		return nil, false, nil
	}
	var hdr hsi.ResponseHeader
	if err := hsi.Unmarshal(c.resp.Virt, &hdr); err != nil {
		return nil, false, nil
	}
	if hdr.Seq != seq {
		return nil, false, nil
	}
	// body reads must not pass the valid key read
	mmio.Mfence()

	if hdr.Status != hsi.HWRM_ERR_CODE_SUCCESS {
		return nil, true, &FirmwareError{Opcode: opcode, Seq: seq, Status: hdr.Status}
	}
	n := min(int(hdr.Len), len(c.resp.Virt)-hsi.ResponseHeaderSize)
	out := make([]byte, n)
	copy(out, c.resp.Virt[hsi.ResponseHeaderSize:])
	return out, true, nil
}

// Complete wakes a waiting Issue early. It is called for HWRM_DONE
// completions and never blocks.
func (c *Channel) Complete(seq uint16) {
	select {
	case c.done <- seq:
	default:
	}
}

// Close releases the DMA buffers. It waits for an outstanding command.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.alloc.Free(c.req), c.alloc.Free(c.resp))
}
