package bnxt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/ringgroup"
)

// Generation selects the chip's doorbell encoding
type Generation = doorbell.Generation

const (
	GenerationLegacy = doorbell.Legacy
	GenerationP5     = doorbell.P5
)

// ParseGeneration maps "legacy" or "p5" to a Generation
func ParseGeneration(s string) (Generation, error) {
	return doorbell.ParseGeneration(s)
}

// DeviceParams contains parameters for attaching a NIC function
type DeviceParams struct {
	// Identity, used by the device registry
	Name    string // Device name (e.g., "bnxt0")
	PCIAddr string // Optional PCI address (e.g., "0000:3b:00.0")

	// Generation selects legacy 32-bit or P5 64-bit doorbells
	Generation Generation

	// Queue layout; clamped to what FUNC_QCAPS reports
	RxQueues int // RX queue sets (default: 1)
	TxQueues int // TX sets (default: 1)

	// Ring geometry, every size a power of two
	RxRingSize      int
	AggRingSize     int
	CmplRingSize    int
	TxRingSize      int
	DefCmplRingSize int
	RxBufferSize    int
	AggBufferSize   int
	MTU             int

	// Command channel
	CommandTimeout   time.Duration
	MaxInlineRequest int

	// Completion handling
	Interrupts   bool          // MSI-X style vectors instead of polling
	PollInterval time.Duration // drain period when Interrupts is off
	DrainBudget  int
	StatsPeriod  time.Duration // firmware stat block DMA period

	// Admin timer and recovery
	AdminInterval          time.Duration
	StallTicks             int
	RecoveryInitialBackoff time.Duration
	RecoveryMaxElapsed     time.Duration
}

// DefaultParams returns default device parameters
func DefaultParams() DeviceParams {
	return DeviceParams{
		Name:       "bnxt0",
		Generation: GenerationLegacy,

		RxQueues: constants.DefaultRxQueues,
		TxQueues: constants.DefaultTxQueues,

		RxRingSize:      constants.DefaultRxRingSize,
		AggRingSize:     constants.DefaultAggRingSize,
		CmplRingSize:    constants.DefaultCmplRingSize,
		TxRingSize:      constants.DefaultTxRingSize,
		DefCmplRingSize: constants.DefaultDefCmplRingSize,
		RxBufferSize:    constants.DefaultRxBufferSize,
		AggBufferSize:   constants.DefaultAggBufferSize,
		MTU:             constants.DefaultMTU,

		CommandTimeout:   constants.DefaultCommandTimeout,
		MaxInlineRequest: constants.DefaultMaxInlineRequest,

		Interrupts:   true,
		PollInterval: constants.DefaultPollInterval,
		DrainBudget:  constants.DefaultDrainBudget,
		StatsPeriod:  time.Second,

		AdminInterval:          constants.DefaultAdminInterval,
		StallTicks:             constants.DefaultStallTicks,
		RecoveryInitialBackoff: constants.DefaultRecoveryInitialBackoff,
		RecoveryMaxElapsed:     constants.DefaultRecoveryMaxElapsed,
	}
}

// doorbellSlots is how many doorbell slots a layout needs
func doorbellSlots(rx, tx int) int {
	return 1 + rx*ringgroup.SlotsPerGroup + tx*ringgroup.SlotsPerTxSet
}

// Validate checks the parameters. It returns an *Error with
// ErrCodeInvalidParameters describing every problem found.
func (p DeviceParams) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p.Name == "" {
		bad("name must be set")
	}
	if p.Generation != GenerationLegacy && p.Generation != GenerationP5 {
		bad("unknown generation %d", int(p.Generation))
	}
	if p.RxQueues < 1 || p.TxQueues < 1 {
		bad("rx_queues and tx_queues must be at least 1")
	}
	if n := doorbellSlots(p.RxQueues, p.TxQueues); n > constants.MaxDoorbellSlots {
		bad("%d rx and %d tx queues need %d doorbell slots, only %d exist",
			p.RxQueues, p.TxQueues, n, constants.MaxDoorbellSlots)
	}

	rings := []struct {
		name string
		size int
	}{
		{"rx_ring_size", p.RxRingSize},
		{"agg_ring_size", p.AggRingSize},
		{"cmpl_ring_size", p.CmplRingSize},
		{"tx_ring_size", p.TxRingSize},
		{"def_cmpl_ring_size", p.DefCmplRingSize},
	}
	for _, r := range rings {
		if r.size < 2 || r.size > constants.MaxRingSize || r.size&(r.size-1) != 0 {
			bad("%s %d must be a power of two between 2 and %d", r.name, r.size, constants.MaxRingSize)
		}
	}
	// one RX and one AGG completion per posted buffer
	if p.CmplRingSize < p.RxRingSize+p.AggRingSize {
		bad("cmpl_ring_size %d cannot hold rx_ring_size + agg_ring_size completions", p.CmplRingSize)
	}

	if p.RxBufferSize < 64 || p.RxBufferSize > 0xffff {
		bad("rx_buffer_size %d out of range", p.RxBufferSize)
	}
	if p.AggBufferSize < 64 || p.AggBufferSize > 0xffff {
		bad("agg_buffer_size %d out of range", p.AggBufferSize)
	}
	if p.MTU < 68 || p.MTU+constants.L2Overhead > 0xffff {
		bad("mtu %d out of range", p.MTU)
	}

	if p.CommandTimeout <= 0 {
		bad("command_timeout must be positive")
	}
	if p.MaxInlineRequest < 16 || p.MaxInlineRequest > constants.CommandBufferSize {
		bad("max_inline_request %d out of range", p.MaxInlineRequest)
	}
	if !p.Interrupts && p.PollInterval <= 0 {
		bad("poll_interval must be positive when interrupts are disabled")
	}
	if p.DrainBudget < 1 {
		bad("drain_budget must be at least 1")
	}
	if p.AdminInterval <= 0 {
		bad("admin_interval must be positive")
	}
	if p.StallTicks < 1 {
		bad("stall_ticks must be at least 1")
	}
	if p.RecoveryInitialBackoff <= 0 || p.RecoveryMaxElapsed < p.RecoveryInitialBackoff {
		bad("recovery backoff bounds are inconsistent")
	}

	if len(errs) == 0 {
		return nil
	}
	inner := errors.Join(errs...)
	e := NewDeviceError("VALIDATE", p.Name, ErrCodeInvalidParameters, inner.Error())
	e.Inner = inner
	return e
}

// paramsFile is the YAML form of DeviceParams. Absent keys keep the
// defaults; durations are Go duration strings.
type paramsFile struct {
	Name       *string `yaml:"name"`
	PCIAddr    *string `yaml:"pci_addr"`
	Generation *string `yaml:"generation"`

	RxQueues *int `yaml:"rx_queues"`
	TxQueues *int `yaml:"tx_queues"`

	RxRingSize      *int `yaml:"rx_ring_size"`
	AggRingSize     *int `yaml:"agg_ring_size"`
	CmplRingSize    *int `yaml:"cmpl_ring_size"`
	TxRingSize      *int `yaml:"tx_ring_size"`
	DefCmplRingSize *int `yaml:"def_cmpl_ring_size"`
	RxBufferSize    *int `yaml:"rx_buffer_size"`
	AggBufferSize   *int `yaml:"agg_buffer_size"`
	MTU             *int `yaml:"mtu"`

	CommandTimeout   *string `yaml:"command_timeout"`
	MaxInlineRequest *int    `yaml:"max_inline_request"`

	Interrupts   *bool   `yaml:"interrupts"`
	PollInterval *string `yaml:"poll_interval"`
	DrainBudget  *int    `yaml:"drain_budget"`
	StatsPeriod  *string `yaml:"stats_period"`

	AdminInterval          *string `yaml:"admin_interval"`
	StallTicks             *int    `yaml:"stall_ticks"`
	RecoveryInitialBackoff *string `yaml:"recovery_initial_backoff"`
	RecoveryMaxElapsed     *string `yaml:"recovery_max_elapsed"`
}

// LoadParams reads a YAML parameter file over DefaultParams
func LoadParams(path string) (DeviceParams, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return DeviceParams{}, fmt.Errorf("reading params file: %w", err)
	}
	p, err := ParseParams(b)
	if err != nil {
		return DeviceParams{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseParams parses YAML over DefaultParams and validates the result.
// Unknown keys are rejected.
func ParseParams(b []byte) (DeviceParams, error) {
	p := DefaultParams()

	var f paramsFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return DeviceParams{}, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := f.apply(&p); err != nil {
		return DeviceParams{}, err
	}
	if err := p.Validate(); err != nil {
		return DeviceParams{}, err
	}
	return p, nil
}

func (f *paramsFile) apply(p *DeviceParams) error {
	setString(&p.Name, f.Name)
	setString(&p.PCIAddr, f.PCIAddr)
	if f.Generation != nil {
		g, err := doorbell.ParseGeneration(*f.Generation)
		if err != nil {
			return NewError("PARSE_PARAMS", ErrCodeInvalidParameters, err.Error())
		}
		p.Generation = g
	}

	setInt(&p.RxQueues, f.RxQueues)
	setInt(&p.TxQueues, f.TxQueues)
	setInt(&p.RxRingSize, f.RxRingSize)
	setInt(&p.AggRingSize, f.AggRingSize)
	setInt(&p.CmplRingSize, f.CmplRingSize)
	setInt(&p.TxRingSize, f.TxRingSize)
	setInt(&p.DefCmplRingSize, f.DefCmplRingSize)
	setInt(&p.RxBufferSize, f.RxBufferSize)
	setInt(&p.AggBufferSize, f.AggBufferSize)
	setInt(&p.MTU, f.MTU)
	setInt(&p.MaxInlineRequest, f.MaxInlineRequest)
	setInt(&p.DrainBudget, f.DrainBudget)
	setInt(&p.StallTicks, f.StallTicks)
	if f.Interrupts != nil {
		p.Interrupts = *f.Interrupts
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"command_timeout", f.CommandTimeout, &p.CommandTimeout},
		{"poll_interval", f.PollInterval, &p.PollInterval},
		{"stats_period", f.StatsPeriod, &p.StatsPeriod},
		{"admin_interval", f.AdminInterval, &p.AdminInterval},
		{"recovery_initial_backoff", f.RecoveryInitialBackoff, &p.RecoveryInitialBackoff},
		{"recovery_max_elapsed", f.RecoveryMaxElapsed, &p.RecoveryMaxElapsed},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return NewError("PARSE_PARAMS", ErrCodeInvalidParameters, fmt.Sprintf("%s: %v", d.key, err))
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// MarshalYAML renders the parameters in the file format LoadParams reads
func (p DeviceParams) MarshalYAML() (any, error) {
	gen := p.Generation.String()
	dur := func(d time.Duration) *string {
		s := d.String()
		return &s
	}
	return paramsFile{
		Name:       &p.Name,
		PCIAddr:    &p.PCIAddr,
		Generation: &gen,

		RxQueues: &p.RxQueues,
		TxQueues: &p.TxQueues,

		RxRingSize:      &p.RxRingSize,
		AggRingSize:     &p.AggRingSize,
		CmplRingSize:    &p.CmplRingSize,
		TxRingSize:      &p.TxRingSize,
		DefCmplRingSize: &p.DefCmplRingSize,
		RxBufferSize:    &p.RxBufferSize,
		AggBufferSize:   &p.AggBufferSize,
		MTU:             &p.MTU,

		CommandTimeout:   dur(p.CommandTimeout),
		MaxInlineRequest: &p.MaxInlineRequest,

		Interrupts:   &p.Interrupts,
		PollInterval: dur(p.PollInterval),
		DrainBudget:  &p.DrainBudget,
		StatsPeriod:  dur(p.StatsPeriod),

		AdminInterval:          dur(p.AdminInterval),
		StallTicks:             &p.StallTicks,
		RecoveryInitialBackoff: dur(p.RecoveryInitialBackoff),
		RecoveryMaxElapsed:     dur(p.RecoveryMaxElapsed),
	}, nil
}
