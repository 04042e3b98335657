package tftp

import (
	"net"
	"time"
)

// peerConn is a UDP endpoint bound to one session's peer: a thin wrapper
// that knows how to frame and send the three server-originated packet kinds
// (DATA, ACK, ERROR) and decode whatever comes back within a deadline.
type peerConn struct {
	conn net.PacketConn
	addr net.Addr
}

func (p *peerConn) sendData(block uint16, payload []byte) error {
	_, err := p.conn.WriteTo((&Data{Block: block, Payload: payload}).Encode(), p.addr)
	return err
}

func (p *peerConn) sendAck(block uint16) error {
	_, err := p.conn.WriteTo((&Ack{Block: block}).Encode(), p.addr)
	return err
}

func (p *peerConn) sendError(code ErrCode, msg string) error {
	_, err := p.conn.WriteTo((&ErrorPkt{Code: code, Message: msg}).Encode(), p.addr)
	return err
}

func (p *peerConn) sendErrorTo(addr net.Addr, code ErrCode, msg string) error {
	_, err := p.conn.WriteTo((&ErrorPkt{Code: code, Message: msg}).Encode(), addr)
	return err
}

// recvResult is what readNext returns: either a decoded packet from the
// bound peer, a packet from some other address (stray), a timeout, or a
// fatal socket error.
type recvResult struct {
	pkt       Packet
	from      net.Addr
	timeout   bool
	malformed bool
	err       error
}

// readNext blocks for at most timeout waiting for a datagram.
func (p *peerConn) readNext(timeout time.Duration) recvResult {
	buf := make([]byte, 4+BlockSize)
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return recvResult{err: err}
	}

	n, from, err := p.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return recvResult{timeout: true}
		}
		return recvResult{err: err} // socket-level failure, fatal to the session
	}

	pkt, err := Decode(buf[:n])
	if err != nil {
		return recvResult{from: from, malformed: true} // bad framing, not fatal
	}
	return recvResult{pkt: pkt, from: from}
}

func (p *peerConn) close() error { return p.conn.Close() }

// isPeer reports whether addr matches the session's bound peer, i.e. it
// carries the same transfer ID (RFC 1350 §4: a new TID is chosen for each
// transfer and held fixed for its duration).
func (p *peerConn) isPeer(addr net.Addr) bool {
	return addr != nil && addr.String() == p.addr.String()
}
