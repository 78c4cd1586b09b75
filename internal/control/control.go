// Package control implements the host side of the one-byte rendezvous
// protocol spoken over a unix stream socket the VM creates at launch.
package control

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// requestByte is the single "execute" request value.
const requestByte = 0x78

// dialRetryInterval is how often the host retries connecting while the VM
// is still creating its socket.
const dialRetryInterval = time.Millisecond

// ErrIO marks a short read/write on the control socket — the VM is
// considered dead and the caller should surface NyxReturnValue.IoError.
var ErrIO = errors.New("control: short read/write, VM connection lost")

// Client is a connected control-socket endpoint.
type Client struct {
	conn net.Conn
}

// Dial retries connecting to the unix socket at path every dialRetryInterval
// until it succeeds or timeout elapses (timeout <= 0 means retry
// indefinitely; the VM launcher passes a bounded timeout).
func Dial(path string, timeout time.Duration) (*Client, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return &Client{conn: conn}, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("control: dial %s: %w", path, err)
		}
		time.Sleep(dialRetryInterval)
	}
}

// Execute writes the single request byte that kicks the VM into running one
// iteration.
func (c *Client) Execute() error {
	n, err := c.conn.Write([]byte{requestByte})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if n != 1 {
		return ErrIO
	}
	return nil
}

// Wait blocks for the VM's one-byte reply marking the end of the rendezvous.
func (c *Client) Wait() error {
	buf := make([]byte, 1)
	n, err := c.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if n != 1 {
		return ErrIO
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
