package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/api"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/engine"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/publish"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/source"
)

var (
	version = "undefined" // updated during release build
)

func main() {
	var (
		portFlag    = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag  = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag    = flag.Bool("mock", false, "Use the synthetic strobe source instead of the serial port")
		listenFlag  = flag.String("l", "", "Host:port for the HTTP API (enables the API)")
		portsFlag   = flag.Bool("ports", false, "List serial ports and exit")
		verbose     = flag.Bool("v", false, "Print more verbose messages")
		versionFlag = flag.Bool("V", false, "Print version and exit")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Printf("pulseseer - version %s\n", version)
		os.Exit(0)
	}

	log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StdoutHandler))

	if *portsFlag {
		listPorts()
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Crit("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	logLevel, err := log.LvlFromString(cfg.Logging.Level)
	if err != nil {
		log.Warn("Unknown log level, using info", "level", cfg.Logging.Level)
		logLevel = log.LvlInfo
	}
	if *verbose {
		logLevel = log.LvlDebug
	}
	log.Root().SetHandler(log.LvlFilterHandler(logLevel, log.StdoutHandler))

	if *portFlag != "" {
		cfg.Source.Port = *portFlag
	}
	if *listenFlag != "" {
		cfg.API.Listen = *listenFlag
		cfg.API.Enabled = true
	}

	if err := run(cfg, *mockFlag); err != nil {
		log.Error("Acquisition failed", "err", err)
		os.Exit(1)
	}
}

func listPorts() {
	ports, err := source.Ports()
	if err != nil {
		log.Error("Failed to list serial ports", "err", err)
		os.Exit(1)
	}
	for _, p := range ports {
		fmt.Println(p.Name)
	}
}

// connector is a source that must be connected before use.
type connector interface {
	source.Source
	Connect() error
}

func openSource(cfg *config.Config, useMock bool) (source.Source, error) {
	var src connector
	if useMock {
		src = source.NewMock(cfg.Mock, cfg.Source)
		log.Info("Using synthetic strobe source", "period", cfg.Mock.Period, "rate", cfg.Mock.SampleRate)
	} else {
		src = source.NewSerial(cfg.Source, log.Root())
	}

	if err := src.Connect(); err != nil {
		if useMock {
			return nil, errors.Wrap(err, "failed to start synthetic source")
		}
		return nil, errors.Wrapf(err, "failed to connect to %s", cfg.Source.Port)
	}
	if !useMock {
		log.Info("Connected to serial port", "port", cfg.Source.Port)
	}
	return src, nil
}

// run wires the acquisition chain and blocks until interrupted or the source ends.
func run(cfg *config.Config, useMock bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := openSource(cfg, useMock)
	if err != nil {
		return err
	}
	defer src.Close()

	eng := engine.New(cfg, src, log.Root())

	var pub *publish.Publisher
	if cfg.MQTT.Enabled {
		pub = publish.New(cfg.MQTT, log.Root())
		if err := pub.Connect(); err != nil {
			return err
		}
		defer pub.Close()
	}

	if cfg.API.Enabled {
		srv := api.New(cfg.API, eng, log.Root())
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("API shutdown failed", "err", err)
			}
		}()
	}

	started := time.Now()
	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(ctx)
	}()

	c := newConsumer(eng, pub, cfg.Output.BatchHz)
	c.run()

	err = <-runErr
	printSummary(eng.Status(), c, time.Since(started))

	if errors.Is(err, engine.ErrSourceExhausted) {
		return nil
	}
	return err
}

func printSummary(st engine.Status, c *consumer, elapsed time.Duration) {
	n := st.Counters
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}

	fmt.Println()
	fmt.Println("Measurement summary")
	fmt.Printf("  session:             %s\n", st.Session)
	fmt.Printf("  elapsed:             %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  average SPS:         %.0f\n", float64(n.Samples)/secs)
	fmt.Printf("  average CPS:         %.1f\n", float64(n.Cycles)/secs)
	fmt.Printf("  final state:         %s\n", st.Sync.State)
	fmt.Printf("  final gain:          %gx\n", st.Gain.Gain)
	fmt.Printf("  records delivered:   %d\n", c.delivered)
	fmt.Printf("  records dropped:     %d\n", n.RecordsDropped)
	fmt.Printf("  pulses:              %d (dropped %d, duplicates %d)\n", n.Pulses, n.DroppedPulses, n.RejectedDuplicates)
	fmt.Printf("  drift misses:        %d\n", n.DriftMisses)
	fmt.Printf("  state transitions:   %d\n", n.StateTransitions)
	fmt.Printf("  signal lost:         %d\n", n.SignalLost)
	fmt.Printf("  gain changes:        %d\n", n.GainChanges)
	fmt.Printf("  skipped/discarded:   %d/%d cycles\n", n.SkippedCycles, n.DiscardedCycles)
	if st.Err != "" {
		fmt.Printf("  end status:          %s\n", st.Err)
	}
}
