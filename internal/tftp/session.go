package tftp

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// runReadSession drives an RRQ to completion: SEND_BLOCK(n) -> AWAIT_ACK(n)
// -> SEND_BLOCK(n+1) | DONE, per RFC 1350 §2's read transfer. file is already
// opened for read and path-checked by the dispatcher; both file and conn are
// closed before this returns.
func runReadSession(conn *peerConn, file *os.File, cfg Config, log zerolog.Logger) {
	defer conn.close()
	defer file.Close()

	start := time.Now()
	block := uint16(1)
	buf := make([]byte, BlockSize)

	n, err := readFull(file, buf)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read first block")
		_ = conn.sendError(ErrDiskFull, "read failed")
		return
	}
	last := append([]byte(nil), buf[:n]...)
	final := n < BlockSize

	if err := conn.sendData(block, last); err != nil {
		log.Warn().Err(err).Msg("send failed")
		return
	}
	log.Info().Msg("read session started")

	retries := 0
	// The timer runs from the last DATA sent; packets that do not advance the
	// transfer (stale ACKs, strays) leave it running rather than restarting it.
	deadline := time.Now().Add(cfg.Timeout)
	for {
		res := conn.readNext(time.Until(deadline))

		switch {
		case res.timeout:
			retries++
			if retries > cfg.MaxRetries {
				log.Info().Int("retries", retries-1).Msg("read session timed out")
				return
			}
			log.Debug().Uint16("block", block).Msg("retransmitting DATA")
			if err := conn.sendData(block, last); err != nil {
				log.Warn().Err(err).Msg("retransmit failed")
				return
			}
			deadline = time.Now().Add(cfg.Timeout)
			continue

		case res.err != nil:
			log.Warn().Err(res.err).Msg("socket error")
			return

		case res.malformed:
			_ = conn.sendErrorTo(res.from, ErrIllegalOp, "malformed packet")
			continue
		}

		if !conn.isPeer(res.from) {
			_ = conn.sendErrorTo(res.from, ErrUnknownTID, "unknown transfer ID")
			continue
		}

		switch p := res.pkt.(type) {
		case *Ack:
			if p.Block != block {
				continue // stale or duplicate ACK: ignore, no retransmit, no retry or timer reset
			}
			retries = 0
			if final {
				log.Info().Dur("elapsed", time.Since(start)).Msg("read session completed")
				return
			}

			block++
			n, err = readFull(file, buf)
			if err != nil {
				log.Warn().Err(err).Msg("failed to read next block")
				_ = conn.sendError(ErrDiskFull, "read failed")
				return
			}
			last = append(last[:0], buf[:n]...)
			final = n < BlockSize
			if err := conn.sendData(block, last); err != nil {
				log.Warn().Err(err).Msg("send failed")
				return
			}
			deadline = time.Now().Add(cfg.Timeout)

		case *ErrorPkt:
			log.Debug().Uint16("code", uint16(p.Code)).Str("message", p.Message).Msg("peer reported error")
			return

		default:
			// DATA, RRQ, or WRQ arriving on a read session's ephemeral port
			// is illegal for this state.
			_ = conn.sendError(ErrIllegalOp, "illegal operation for read session")
			return
		}
	}
}

// runWriteSession drives a WRQ to completion: AWAIT_DATA(n) -> ACK(n) ->
// AWAIT_DATA(n+1) | DONE, per RFC 1350 §2's write transfer. file is already
// created and path-checked by the dispatcher.
func runWriteSession(conn *peerConn, file *os.File, filePath string, cfg Config, log zerolog.Logger) {
	defer conn.close()

	finish := func(success bool) {
		file.Close()
		if !success && cfg.CleanupOnFailure {
			if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Msg("failed to remove partial file")
			}
		}
	}

	block := uint16(0)
	if err := conn.sendAck(block); err != nil {
		log.Warn().Err(err).Msg("send failed")
		finish(false)
		return
	}
	log.Info().Msg("write session started")

	start := time.Now()
	retries := 0
	for {
		res := conn.readNext(cfg.Timeout)

		switch {
		case res.timeout:
			retries++
			if retries > cfg.MaxRetries {
				log.Info().Int("retries", retries-1).Msg("write session timed out")
				finish(false)
				return
			}
			log.Debug().Uint16("block", block).Msg("retransmitting ACK")
			if err := conn.sendAck(block); err != nil {
				log.Warn().Err(err).Msg("retransmit failed")
				finish(false)
				return
			}
			continue

		case res.err != nil:
			log.Warn().Err(res.err).Msg("socket error")
			finish(false)
			return

		case res.malformed:
			_ = conn.sendErrorTo(res.from, ErrIllegalOp, "malformed packet")
			continue
		}

		if !conn.isPeer(res.from) {
			_ = conn.sendErrorTo(res.from, ErrUnknownTID, "unknown transfer ID")
			continue
		}

		switch p := res.pkt.(type) {
		case *Data:
			expected := block + 1
			switch p.Block {
			case expected:
				if _, err := file.Write(p.Payload); err != nil {
					log.Warn().Err(err).Msg("write failed")
					_ = conn.sendError(ErrDiskFull, "write failed")
					finish(false)
					return
				}
				block = expected
				if err := conn.sendAck(block); err != nil {
					log.Warn().Err(err).Msg("send failed")
					finish(false)
					return
				}
				retries = 0

				if len(p.Payload) < BlockSize {
					lingerForRetransmit(conn, block, cfg.WriteLinger)
					log.Info().Dur("elapsed", time.Since(start)).Msg("write session completed")
					finish(true)
					return
				}

			case block:
				// Retransmit of the previous DATA block: resend its ACK, do
				// not rewrite, do not reset the retry counter.
				_ = conn.sendAck(block)

			default:
				// Out of the {n-1, n} window: ignore.
			}

		case *ErrorPkt:
			log.Debug().Uint16("code", uint16(p.Code)).Str("message", p.Message).Msg("peer reported error")
			finish(false)
			return

		default:
			_ = conn.sendError(ErrIllegalOp, "illegal operation for write session")
			finish(false)
			return
		}
	}
}

// lingerForRetransmit keeps the session's socket open for one timeout
// interval after the final ACK, retransmitting it if the peer's final DATA
// is retransmitted (the peer may not have seen the ACK).
func lingerForRetransmit(conn *peerConn, block uint16, linger time.Duration) {
	deadline := time.Now().Add(linger)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		res := conn.readNext(remaining)
		if res.timeout || res.err != nil || res.malformed {
			return
		}
		if !conn.isPeer(res.from) {
			continue
		}
		if d, ok := res.pkt.(*Data); ok && d.Block == block {
			_ = conn.sendAck(block)
			continue
		}
		return
	}
}

func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		return 0, err
	}
	return n, nil
}
