package transport

import (
	"fmt"
	"io"
	"log"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// serialWriteTimeout bounds a single port write. It matches the emission
// cadence: a UART wedged by flow control or an unplugged adapter fails the
// frame instead of freezing the emitter.
const serialWriteTimeout = 100 * time.Millisecond

// Serial writes frames to the actuator over a UART link, e.g. a micro:bit on
// /dev/ttyACM0 or a USB-serial adapter. A dedicated goroutine owns the port;
// WriteLine hands it one line and waits no longer than the write timeout.
type Serial struct {
	port    io.ReadWriteCloser
	timeout time.Duration
	lines   chan string
	results chan error
}

// OpenSerial opens the actuator serial port in 8N1 framing.
func OpenSerial(portName string, baudRate int) (*Serial, error) {
	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}

	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	log.Printf("actuator serial port opened on %s at %d baud", portName, baudRate)

	return newSerial(port, serialWriteTimeout), nil
}

func newSerial(port io.ReadWriteCloser, timeout time.Duration) *Serial {
	s := &Serial{
		port:    port,
		timeout: timeout,
		lines:   make(chan string),
		results: make(chan error, 1),
	}
	go s.writeLoop()
	return s
}

func (s *Serial) writeLoop() {
	for line := range s.lines {
		_, err := s.port.Write([]byte(line))
		select {
		case s.results <- err:
		default:
			// The caller gave up waiting on this write.
		}
	}
}

// WriteLine hands one line to the writer goroutine and waits up to the write
// timeout for the result. A port that does not accept or complete the write
// in time fails with ErrWriteFailed; the line is dropped, not queued.
func (s *Serial) WriteLine(line string) error {
	// A write an earlier call timed out on may have finished since.
	select {
	case <-s.results:
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.lines <- line:
	case <-timer.C:
		return fmt.Errorf("%w: serial: port stalled, frame dropped", ErrWriteFailed)
	}

	select {
	case err := <-s.results:
		if err != nil {
			return fmt.Errorf("%w: serial: %v", ErrWriteFailed, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: serial: write exceeded %s", ErrWriteFailed, s.timeout)
	}
}

// Close stops the writer goroutine and closes the port. It must not be
// called concurrently with WriteLine.
func (s *Serial) Close() error {
	close(s.lines)
	return s.port.Close()
}
