package live

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// connection is one dialed websocket. A Channel owns at most one at a time;
// a reconnect creates a new one.
type connection struct {
	id       string   // attempt ID (UUID), for logs
	netConn  net.Conn // underlying TCP connection
	reader   *wsutil.Reader
	openedAt time.Time // when the dial completed

	// idleTimeout bounds the silence between two frames from the server,
	// pongs included. Zero disables it. Set before the read loop starts.
	idleTimeout time.Duration

	writeMu      sync.Mutex // serializes writes to this connection
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, netConn net.Conn, br *bufio.Reader, writeTimeout time.Duration) *connection {
	var r io.Reader = netConn
	if br != nil {
		// The server may have sent frames along with the handshake response.
		r = io.MultiReader(br, netConn)
	}
	c := &connection{
		id:           id,
		netConn:      netConn,
		openedAt:     time.Now(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.reader = &wsutil.Reader{
		Source:         r,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	return c
}

// writeText sends a text frame. The write mutex keeps concurrent senders and
// the heartbeat from interleaving frame bytes.
func (c *connection) writeText(data []byte) error {
	return c.write(ws.OpText, data)
}

// writePing sends a protocol-level ping frame (opcode 0x9).
func (c *connection) writePing() error {
	return c.write(ws.OpPing, nil)
}

func (c *connection) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteClientMessage(c.netConn, op, data)
}

// readText blocks until the next text frame. Control frames are answered
// through write, so replies never interleave with other writers. Binary
// frames are discarded.
func (c *connection) readText() ([]byte, error) {
	for {
		if c.idleTimeout > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(c.reader)
	}
}

// control handles a ping, pong or close frame whose payload is in src.
func (c *connection) control(hdr ws.Header, src io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(src, payload); err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		return c.write(ws.OpPong, payload)
	case ws.OpClose:
		code, reason := ws.StatusNoStatusRcvd, ""
		if len(payload) > 0 {
			code, reason = ws.ParseCloseFrameData(payload)
		}
		_ = c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// closed reports whether close has been called.
func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close closes the underlying network connection. Safe to call repeatedly.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.netConn.Close()
	})
}
