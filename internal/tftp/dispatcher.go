package tftp

import (
	"net"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher owns the well-known UDP socket (RFC 1350 §4): it decodes every
// incoming datagram, spawns a session for a valid RRQ/WRQ on a fresh
// ephemeral port, and error-replies to anything else without ever blocking
// on session work.
type Dispatcher struct {
	conn net.PacketConn
	cfg  Config
	log  zerolog.Logger
	wg   sync.WaitGroup
}

// NewDispatcher wraps an already-bound listening socket.
func NewDispatcher(conn net.PacketConn, cfg Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{conn: conn, cfg: cfg, log: log}
}

// Serve reads datagrams from the well-known socket until ReadFrom returns an
// error — including the caller closing conn via Close to force shutdown.
func (d *Dispatcher) Serve() error {
	buf := make([]byte, 4+BlockSize)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			return err
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			d.log.Debug().Str("peer", addr.String()).Msg("malformed initial datagram")
			d.reject(addr, ErrIllegalOp, "malformed packet")
			continue
		}

		switch p := pkt.(type) {
		case *ReadReq:
			d.spawn(addr, false, p.Filename, p.Mode)
		case *WriteReq:
			d.spawn(addr, true, p.Filename, p.Mode)
		default:
			// DATA/ACK/ERROR arriving on the well-known port belongs to no
			// session here — it should have targeted an ephemeral port.
			d.log.Debug().Str("peer", addr.String()).Str("opcode", pkt.OpCode().String()).
				Msg("stray traffic on listen port")
			d.reject(addr, ErrUnknownTID, "unknown transfer ID")
		}
	}
}

// Close stops Serve by closing the listening socket. In-flight sessions are
// unaffected: each owns its own ephemeral socket.
func (d *Dispatcher) Close() error { return d.conn.Close() }

// Wait blocks until every spawned session has terminated.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) spawn(peer net.Addr, write bool, filename, mode string) {
	sessLog := sessionLogger(d.log, peer, modeLabel(write))

	switch {
	case strings.EqualFold(mode, modeNetascii):
		sessLog.Debug().Msg("netascii rejected, only octet is supported")
		d.reject(peer, ErrNotDefined, "only octet mode is supported")
		return
	case !strings.EqualFold(mode, modeOctet):
		sessLog.Debug().Str("mode", mode).Msg("unsupported transfer mode")
		d.reject(peer, ErrNotDefined, "unsupported mode")
		return
	}

	path, err := resolvePath(d.cfg.Root, filename, write, d.cfg.AllowOverwrite)
	if err != nil {
		pe, ok := err.(*pathError)
		if !ok {
			sessLog.Warn().Err(err).Msg("path resolution failed")
			d.reject(peer, ErrNotDefined, "internal error")
			return
		}
		sessLog.Info().Str("filename", filename).Str("reason", pe.msg).Msg("request rejected")
		d.reject(peer, pe.code, pe.msg)
		return
	}

	sessConn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		sessLog.Warn().Err(err).Msg("failed to bind ephemeral session socket")
		d.reject(peer, ErrNotDefined, "server error")
		return
	}
	peerSock := &peerConn{conn: sessConn, addr: peer}

	if write {
		openFlags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if !d.cfg.AllowOverwrite {
			// O_EXCL makes the existence check in resolvePath race-free:
			// two concurrent WRQs for the same not-yet-existing name can
			// both pass resolvePath, but only one OpenFile call will win.
			openFlags |= os.O_EXCL
		}
		f, err := os.OpenFile(path, openFlags, 0o644)
		if err != nil {
			if !d.cfg.AllowOverwrite && os.IsExist(err) {
				sessLog.Info().Msg("write request lost the create race")
				_ = peerSock.sendError(ErrFileExists, "file already exists")
				sessConn.Close()
				return
			}
			sessLog.Warn().Err(err).Msg("failed to open file for write")
			_ = peerSock.sendError(ErrAccessViolation, "cannot create file")
			sessConn.Close()
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			runWriteSession(peerSock, f, path, d.cfg, sessLog)
		}()
		return
	}

	f, err := os.Open(path)
	if err != nil {
		sessLog.Warn().Err(err).Msg("failed to open file for read")
		_ = peerSock.sendError(ErrFileNotFound, "file not found")
		sessConn.Close()
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runReadSession(peerSock, f, d.cfg, sessLog)
	}()
}

func (d *Dispatcher) reject(peer net.Addr, code ErrCode, msg string) {
	_, _ = d.conn.WriteTo((&ErrorPkt{Code: code, Message: msg}).Encode(), peer)
}

func modeLabel(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
