// Package tftpclient is a minimal RRQ/WRQ-speaking TFTP client. It exists
// purely as test infrastructure for exercising the server's round-trip
// behavior end to end. It speaks plain RFC 1350 octet-mode transfers only;
// RFC 2347/2348/2349 option negotiation is out of scope.
package tftpclient

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ktauchathuranga/tftpd-linux/internal/tftp"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 5
)

// Client drives one RRQ or WRQ exchange against a server at a fixed address.
type Client struct {
	conn       net.PacketConn
	addr       net.Addr
	timeout    time.Duration
	maxRetries int
}

// Dial opens a local UDP socket pointed at serverAddr (host:port).
func Dial(serverAddr string) (*Client, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, addr: addr, timeout: defaultTimeout, maxRetries: defaultMaxRetries}, nil
}

// Close releases the client's UDP socket.
func (c *Client) Close() error { return c.conn.Close() }

// Get issues an RRQ for remote and copies the received file to w, returning
// the number of bytes written.
func (c *Client) Get(remote string, w io.Writer) (int64, error) {
	if err := c.send(&tftp.ReadReq{Filename: remote, Mode: "octet"}); err != nil {
		return 0, err
	}

	var total int64
	expected := uint16(1)
	retries := 0

	for {
		pkt, from, err := c.recv()
		if err != nil {
			if err == errTimeout {
				retries++
				if retries > c.maxRetries {
					return total, fmt.Errorf("tftpclient: timed out awaiting block %d", expected)
				}
				continue
			}
			return total, err
		}
		c.addr = from // server replies from a fresh ephemeral port (RFC 1350 §4)

		switch p := pkt.(type) {
		case *tftp.Data:
			if p.Block != expected {
				continue
			}
			n, werr := w.Write(p.Payload)
			if werr != nil {
				return total, werr
			}
			total += int64(n)
			if err := c.send(&tftp.Ack{Block: expected}); err != nil {
				return total, err
			}
			if len(p.Payload) < tftp.BlockSize {
				return total, nil
			}
			expected++
			retries = 0

		case *tftp.ErrorPkt:
			return total, fmt.Errorf("tftpclient: server error %d: %s", p.Code, p.Message)

		default:
			return total, fmt.Errorf("tftpclient: unexpected packet %s", pkt.OpCode())
		}
	}
}

// Put issues a WRQ for remote and streams r to the server.
func (c *Client) Put(remote string, r io.Reader) (int64, error) {
	if err := c.send(&tftp.WriteReq{Filename: remote, Mode: "octet"}); err != nil {
		return 0, err
	}

	if err := c.awaitAck(0); err != nil {
		return 0, err
	}

	var total int64
	block := uint16(1)
	buf := make([]byte, tftp.BlockSize)

	for {
		n, rerr := io.ReadFull(r, buf)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return total, rerr
		}
		payload := buf[:n]

		if err := c.sendDataUntilAcked(block, payload); err != nil {
			return total, err
		}
		total += int64(n)

		if n < tftp.BlockSize {
			return total, nil
		}
		block++
	}
}

func (c *Client) sendDataUntilAcked(block uint16, payload []byte) error {
	retries := 0
	for {
		if err := c.send(&tftp.Data{Block: block, Payload: payload}); err != nil {
			return err
		}
		pkt, from, err := c.recv()
		if err != nil {
			if err == errTimeout {
				retries++
				if retries > c.maxRetries {
					return fmt.Errorf("tftpclient: timed out awaiting ACK %d", block)
				}
				continue
			}
			return err
		}
		c.addr = from
		if ack, ok := pkt.(*tftp.Ack); ok {
			if ack.Block == block {
				return nil
			}
			continue
		}
		if ep, ok := pkt.(*tftp.ErrorPkt); ok {
			return fmt.Errorf("tftpclient: server error %d: %s", ep.Code, ep.Message)
		}
	}
}

func (c *Client) awaitAck(block uint16) error {
	retries := 0
	for {
		pkt, from, err := c.recv()
		if err != nil {
			if err == errTimeout {
				retries++
				if retries > c.maxRetries {
					return fmt.Errorf("tftpclient: timed out awaiting ACK %d", block)
				}
				continue
			}
			return err
		}
		c.addr = from
		if ack, ok := pkt.(*tftp.Ack); ok && ack.Block == block {
			return nil
		}
		if ep, ok := pkt.(*tftp.ErrorPkt); ok {
			return fmt.Errorf("tftpclient: server error %d: %s", ep.Code, ep.Message)
		}
	}
}

func (c *Client) send(pkt tftp.Packet) error {
	_, err := c.conn.WriteTo(pkt.Encode(), c.addr)
	return err
}

var errTimeout = fmt.Errorf("tftpclient: timeout")

func (c *Client) recv() (tftp.Packet, net.Addr, error) {
	buf := make([]byte, 4+tftp.BlockSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, nil, err
	}
	n, from, err := c.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, errTimeout
		}
		return nil, nil, err
	}
	pkt, err := tftp.Decode(buf[:n])
	if err != nil {
		return nil, nil, err
	}
	return pkt, from, nil
}
