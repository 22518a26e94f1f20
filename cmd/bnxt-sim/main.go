package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-bnxt"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML device parameter file (default: $BNXT_CONFIG)")
		genName    = flag.String("gen", "", "Chip generation: legacy or p5")
		rxQueues   = flag.Int("rx", 0, "RX queue sets")
		txQueues   = flag.Int("tx", 0, "TX sets")
		poll       = flag.Bool("poll", false, "Poll completion queues instead of using interrupts")
		frames     = flag.Uint64("frames", 100000, "Frames to send through the loopback (0 = until interrupted)")
		frameSize  = flag.Int("size", 1024, "Frame size in bytes")
		fatalAfter = flag.Uint64("fatal-after", 0, "Inject a fatal firmware error after this many frames (0 = never)")
		dump       = flag.Bool("dump-config", false, "Print the effective parameters as YAML and exit")
		useMmap    = flag.Bool("mmap", false, "Back simulated DMA memory with anonymous mappings")
		mlock      = flag.Bool("mlock", false, "mlock DMA mappings (with -mmap or -bar)")
		useEventfd = flag.Bool("eventfd", false, "Deliver simulated interrupts through eventfd lines")
		barPath    = flag.String("bar", "", "Attach to a real function through this BAR resource file instead of the simulator")
		barSize    = flag.Int("bar-size", 1<<20, "Bytes of the BAR to map")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if lvl := os.Getenv("BNXT_LOG_LEVEL"); lvl != "" {
		logConfig.Level = logging.ParseLevel(lvl)
	}
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params, err := loadParams(*configPath)
	if err != nil {
		logger.Error("failed to load parameters", "error", err)
		os.Exit(1)
	}

	// flags override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "gen":
			g, gerr := bnxt.ParseGeneration(*genName)
			if gerr != nil {
				err = gerr
				return
			}
			params.Generation = g
		case "rx":
			params.RxQueues = *rxQueues
		case "tx":
			params.TxQueues = *txQueues
		case "poll":
			params.Interrupts = !*poll
		}
	})
	if err == nil {
		err = params.Validate()
	}
	if err != nil {
		logger.Error("invalid parameters", "error", err)
		os.Exit(1)
	}

	if *dump {
		out, err := yaml.Marshal(params)
		if err != nil {
			logger.Error("failed to render parameters", "error", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		hw     bnxt.Hardware
		sim    *bnxt.SimulatedHardware
		leaked func() (int, int)
		inject func()
	)
	if *barPath != "" {
		regs, err := bnxt.MapRegisters(*barPath, *barSize)
		if err != nil {
			logger.Error("failed to map registers", "bar", *barPath, "error", err)
			os.Exit(1)
		}
		defer regs.Close()
		alloc := bnxt.NewMmapAllocator(*mlock)
		hw = bnxt.Hardware{Regs: regs, Alloc: alloc}
		leaked = alloc.Outstanding
		if params.Interrupts {
			// nothing here routes MSI-X to eventfds
			logger.Warn("interrupt routing needs VFIO; polling instead")
			params.Interrupts = false
		}
	} else {
		var err error
		sim, err = bnxt.NewSimulatedHardwareOn(bnxt.SimConfig{
			Generation: params.Generation,
			Loopback:   true,
			Logger:     logger,
		}, bnxt.SimHost{Mmap: *useMmap, Lock: *mlock, Eventfd: *useEventfd})
		if err != nil {
			logger.Error("failed to create simulated NIC", "error", err)
			os.Exit(1)
		}
		hw = sim.Hardware()
		leaked = sim.Outstanding
		inject = sim.NIC.InjectFatal
	}

	var received, receivedBytes atomic.Uint64
	device, err := bnxt.Attach(ctx, hw, params, &bnxt.Options{
		Logger: logger,
		Receiver: func(_ int, frame []byte) {
			received.Add(1)
			receivedBytes.Add(uint64(len(frame)))
		},
	})
	if err != nil {
		logger.Error("failed to attach device", "error", err)
		os.Exit(1)
	}

	info := device.Info()
	fmt.Printf("Device attached: %s (%s, firmware %s)\n", info.Name, info.Generation, info.Firmware)
	fmt.Printf("MAC: %s  VNIC: %d  Queues: %d rx / %d tx\n", info.MAC, info.VNIC, info.RxQueues, info.TxQueues)
	fmt.Printf("Link: up=%v %d Mbps\n", info.LinkUp, info.SpeedMbps)
	fmt.Printf("\nPress Ctrl+C to stop...\n\n")

	start := time.Now()
	if inject == nil && *fatalAfter != 0 {
		logger.Warn("fatal error injection needs the simulator")
		*fatalAfter = 0
	}
	sent := run(ctx, device, inject, *frames, *frameSize, *fatalAfter)

	// let the loopback drain
	deadline := time.Now().Add(time.Second)
	for received.Load() < sent && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	snap := device.MetricsSnapshot()
	if err := device.Detach(context.Background()); err != nil {
		logger.Error("error detaching device", "error", err)
	}
	report(snap, received.Load(), receivedBytes.Load(), elapsed)

	if regions, bytes := leaked(); regions != 0 {
		logger.Error("DMA memory leaked", "regions", regions, "bytes", bytes)
		os.Exit(1)
	}
}

func loadParams(path string) (bnxt.DeviceParams, error) {
	if path == "" {
		path = os.Getenv("BNXT_CONFIG")
	}
	if path == "" {
		return bnxt.DefaultParams(), nil
	}
	return bnxt.LoadParams(path)
}

// run transmits frames round-robin over the TX queues and prints progress
// every second. It returns the number of frames accepted.
func run(ctx context.Context, device *bnxt.Device, inject func(), frames uint64, size int, fatalAfter uint64) uint64 {
	frame := make([]byte, size)
	for i := range frame {
		frame[i] = byte(i)
	}
	queues := device.Info().TxQueues

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var sent uint64
	for q := 0; frames == 0 || sent < frames; q = (q + 1) % queues {
		select {
		case <-ctx.Done():
			return sent
		case <-tick.C:
			progress(device)
		default:
		}

		if fatalAfter != 0 && sent == fatalAfter {
			fmt.Printf("Injecting fatal firmware error after %s frames\n", humanize.Comma(int64(sent)))
			inject()
			fatalAfter = 0
		}

		err := device.Transmit(q, frame)
		switch {
		case err == nil:
			sent++
		case bnxt.IsCode(err, bnxt.ErrCodeRingFull), bnxt.IsCode(err, bnxt.ErrCodeDeviceDown):
			// completions or recovery still in flight
			time.Sleep(50 * time.Microsecond)
		case device.State() == bnxt.DeviceStateFailed:
			fmt.Printf("Device failed: %v\n", device.Err())
			return sent
		default:
			fmt.Printf("Transmit failed: %v\n", err)
			return sent
		}
	}
	return sent
}

func progress(device *bnxt.Device) {
	s := device.MetricsSnapshot()
	fmt.Printf("[%s] tx %s (%s)  rx %s (%s)  %s pps  recoveries %d\n",
		device.State(),
		humanize.Comma(int64(s.TxPackets)), humanize.Bytes(s.TxBytes),
		humanize.Comma(int64(s.RxPackets)), humanize.Bytes(s.RxBytes),
		humanize.Comma(int64(s.TxPPS)), s.RecoveriesSucceeded)
}

func report(s bnxt.MetricsSnapshot, rx, rxBytes uint64, elapsed time.Duration) {
	secs := elapsed.Seconds()
	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", secs)
	p.Printf(" TX:                %d packets (%s)\n", s.TxPackets, humanize.Bytes(s.TxBytes))
	p.Printf(" RX:                %d packets (%s)\n", rx, humanize.Bytes(rxBytes))
	p.Printf(" TX Avg PPS:        %d\n", uint64(float64(s.TxPackets)/secs))
	p.Printf(" TX ring full:      %d\n", s.TxRingFull)
	p.Printf(" Completions:       %d (%d malformed)\n", s.Completions, s.Malformed)
	p.Printf(" Commands:          %d (%d errors, %d timeouts)\n", s.Commands, s.CommandErrors, s.CommandTimeouts)
	p.Printf(" Command latency:   avg %s  p50 %s  p99 %s\n",
		time.Duration(s.AvgCommandLatencyNs), time.Duration(s.CommandP50Ns), time.Duration(s.CommandP99Ns))
	p.Printf(" Fatal events:      %d\n", s.Events[bnxt.EventFatal])
	p.Printf(" Recoveries:        %d started, %d succeeded, %d failed\n",
		s.RecoveriesStarted, s.RecoveriesSucceeded, s.RecoveriesFailed)
	if s.TxPackets > rx {
		lost := s.TxPackets - rx
		p.Printf(" Lost:              %d (%.4f%%)\n", lost, float64(lost)/float64(s.TxPackets)*100)
	}
}
