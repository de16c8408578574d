package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
)

const (
	// DefaultBaudRate is the baud rate of the MCU bridge firmware.
	DefaultBaudRate = 921600
	// DefaultBufferSize is the default size for the samples channel buffer.
	DefaultBufferSize = 4096
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial reads samples streamed by the MCU bridge over a serial port.
//
// Line format: unix_micros,code,gain_code
// Example: 1712345678901234,-1048576,2
type Serial struct {
	port     string
	baudRate int
	vref     float64
	log      log.Logger

	conn      serial.Port
	samples   chan Sample
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	readErr   error
	dropped   uint64
}

// NewSerial creates a serial source for the configured port.
func NewSerial(cfg config.SourceConfig, logger log.Logger) *Serial {
	baudRate := cfg.BaudRate
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	bufSize := cfg.BufferSize
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = log.New()
		logger.SetHandler(log.DiscardHandler())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Serial{
		port:     cfg.Port,
		baudRate: baudRate,
		vref:     cfg.VRef,
		log:      logger.New("port", cfg.Port),
		samples:  make(chan Sample, bufSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list serial ports")
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts reading samples.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return errors.New("already connected")
	}

	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return errors.Wrapf(err, "failed to open serial port %s", d.port)
	}

	d.conn = port
	d.connected = true

	go d.readSamples(port)

	return nil
}

// Close closes the connection and stops reading samples.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()
	d.connected = false

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.log.Warn("Error closing serial port", "err", err)
		}
		d.conn = nil
	}

	return nil
}

// Next returns the next sample. When the reader stops it returns the read
// error, or io.EOF if the stream simply ended.
func (d *Serial) Next(ctx context.Context) (Sample, error) {
	select {
	case s, ok := <-d.samples:
		if !ok {
			d.mu.RLock()
			err := d.readErr
			d.mu.RUnlock()
			if err != nil {
				return Sample{}, err
			}
			return Sample{}, io.EOF
		}
		return s, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// SetGain sends a PGA gain command to the MCU. The new gain is reported back
// on the gain_code field of subsequent lines.
func (d *Serial) SetGain(multiplier float64) error {
	code, err := GainCode(multiplier)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return ErrNotConnected
	}

	if _, err := fmt.Fprintf(d.conn, "G%d\n", code); err != nil {
		return errors.Wrap(err, "failed to send gain command")
	}
	return nil
}

// Dropped returns the number of samples dropped because the channel was full.
func (d *Serial) Dropped() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped
}

// readSamples reads lines from the serial port and parses them into samples.
// The samples channel is closed when the port stops delivering data.
func (d *Serial) readSamples(r io.Reader) {
	defer close(d.samples)
	defer func() {
		if p := recover(); p != nil {
			d.setReadErr(errors.Errorf("panic in serial reader: %v", p))
		}
	}()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sample, err := parseLine(line, d.vref)
		if err != nil {
			d.log.Debug("Failed to parse line", "line", line, "err", err)
			continue
		}

		select {
		case d.samples <- sample:
		case <-d.ctx.Done():
			return
		default:
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
		}
	}

	if err := scanner.Err(); err != nil && d.ctx.Err() == nil {
		d.setReadErr(errors.Wrap(err, "serial read failed"))
	}
}

func (d *Serial) setReadErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr == nil {
		d.readErr = err
	}
}

// parseLine parses a line from the MCU into a Sample.
func parseLine(line string, vref float64) (Sample, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return Sample{}, errors.Errorf("invalid line format: expected 3 comma-separated values, got %d", len(parts))
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Sample{}, errors.Wrap(err, "invalid timestamp")
	}

	code, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return Sample{}, errors.Wrap(err, "invalid reading")
	}
	if code < -FullScaleCode || code >= FullScaleCode {
		return Sample{}, errors.Errorf("reading out of range: %d", code)
	}

	gain, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return Sample{}, errors.Wrap(err, "invalid gain code")
	}
	if gain > MaxGainCode {
		return Sample{}, errors.Errorf("gain code out of range: %d", gain)
	}

	return Sample{
		Timestamp: time.UnixMicro(micros),
		Amplitude: codeToVoltage(int32(code), vref),
		GainCode:  uint8(gain),
	}, nil
}
