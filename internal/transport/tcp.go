package transport

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff"
)

// TCP writes frames to a socket-connected actuator, e.g. a development rig
// running the firmware parser behind netcat. Every write carries a deadline
// so a wedged peer costs at most one tick.
type TCP struct {
	conn         net.Conn
	writeTimeout time.Duration
}

// DialTCP connects with capped exponential backoff.
func DialTCP(addr string, writeTimeout time.Duration) (*TCP, error) {
	var conn net.Conn

	dial := func() error {
		var err error
		conn, err = net.Dial("tcp", addr)
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	log.Printf("connected to actuator at tcp://%s", addr)

	return &TCP{conn: conn, writeTimeout: writeTimeout}, nil
}

func (t *TCP) WriteLine(line string) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("%w: tcp deadline: %v", ErrWriteFailed, err)
	}
	if _, err := t.conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("%w: tcp: %v", ErrWriteFailed, err)
	}
	return nil
}

func (t *TCP) Close() error {
	return t.conn.Close()
}
