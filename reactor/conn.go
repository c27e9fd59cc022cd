package reactor

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// conn is a transport connection handed to the EventHandler. Its pointer is
// the connection identity.
type conn struct {
	id           uint64
	nc           net.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Send implements wsgate.Conn.
func (c *conn) Send(p []byte) error {
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.nc.Write(p)
	return err
}

// Close implements wsgate.Conn. It is safe to call Close multiple times.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the remote network address.
func (c *conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *conn) String() string {
	return "conn#" + strconv.FormatUint(c.id, 10) + "(" + c.nc.RemoteAddr().String() + ")"
}
