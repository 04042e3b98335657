package tftp

import (
	"bytes"
	"encoding/binary"
)

// Packet is the tagged variant over the five TFTP wire shapes (RFC 1350 §5).
type Packet interface {
	OpCode() opCode
	Encode() []byte
}

// ReadReq is an RRQ: read the named file from the server.
type ReadReq struct {
	Filename string
	Mode     string
}

// WriteReq is a WRQ: write the named file to the server.
type WriteReq struct {
	Filename string
	Mode     string
}

// Data carries up to BlockSize bytes of file payload for block Block.
type Data struct {
	Block   uint16
	Payload []byte
}

// Ack acknowledges receipt of Block.
type Ack struct {
	Block uint16
}

// ErrorPkt reports a protocol or filesystem failure to the peer.
type ErrorPkt struct {
	Code    ErrCode
	Message string
}

func (*ReadReq) OpCode() opCode   { return opRRQ }
func (*WriteReq) OpCode() opCode  { return opWRQ }
func (*Data) OpCode() opCode      { return opDATA }
func (*Ack) OpCode() opCode       { return opACK }
func (*ErrorPkt) OpCode() opCode  { return opERROR }

func (p *ReadReq) Encode() []byte  { return encodeReq(opRRQ, p.Filename, p.Mode) }
func (p *WriteReq) Encode() []byte { return encodeReq(opWRQ, p.Filename, p.Mode) }

func encodeReq(op opCode, filename, mode string) []byte {
	buf := make([]byte, 2, 4+len(filename)+len(mode))
	binary.BigEndian.PutUint16(buf, uint16(op))
	buf = append(buf, filename...)
	buf = append(buf, 0)
	buf = append(buf, mode...)
	buf = append(buf, 0)
	return buf
}

func (p *Data) Encode() []byte {
	buf := make([]byte, 4+len(p.Payload))
	binary.BigEndian.PutUint16(buf, uint16(opDATA))
	binary.BigEndian.PutUint16(buf[2:], p.Block)
	copy(buf[4:], p.Payload)
	return buf
}

func (p *Ack) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf, uint16(opACK))
	binary.BigEndian.PutUint16(buf[2:], p.Block)
	return buf
}

func (p *ErrorPkt) Encode() []byte {
	buf := make([]byte, 4, 5+len(p.Message))
	binary.BigEndian.PutUint16(buf, uint16(opERROR))
	binary.BigEndian.PutUint16(buf[2:], uint16(p.Code))
	buf = append(buf, p.Message...)
	buf = append(buf, 0)
	return buf
}

// Decode parses a single datagram into one of the five packet kinds, or
// returns ErrMalformedPacket per the framing rules in RFC 1350 §5.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < 2 {
		return nil, ErrMalformedPacket
	}
	op := opCode(binary.BigEndian.Uint16(buf[:2]))
	body := buf[2:]

	switch op {
	case opRRQ, opWRQ:
		filename, rest, ok := splitNULString(body)
		if !ok {
			return nil, ErrMalformedPacket
		}
		mode, _, ok := splitNULString(rest)
		if !ok {
			return nil, ErrMalformedPacket
		}
		if op == opRRQ {
			return &ReadReq{Filename: filename, Mode: mode}, nil
		}
		return &WriteReq{Filename: filename, Mode: mode}, nil

	case opDATA:
		if len(body) < 2 {
			return nil, ErrMalformedPacket
		}
		payload := body[2:]
		if len(payload) > BlockSize {
			return nil, ErrMalformedPacket
		}
		return &Data{Block: binary.BigEndian.Uint16(body[:2]), Payload: payload}, nil

	case opACK:
		if len(body) < 2 {
			return nil, ErrMalformedPacket
		}
		return &Ack{Block: binary.BigEndian.Uint16(body[:2])}, nil

	case opERROR:
		if len(body) < 2 {
			return nil, ErrMalformedPacket
		}
		msg, _, ok := splitNULString(body[2:])
		if !ok {
			return nil, ErrMalformedPacket
		}
		return &ErrorPkt{Code: ErrCode(binary.BigEndian.Uint16(body[:2])), Message: msg}, nil

	default:
		return nil, ErrMalformedPacket
	}
}

// splitNULString extracts the leading NUL-terminated string from buf,
// returning the remainder and whether a terminator was found.
func splitNULString(buf []byte) (string, []byte, bool) {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return "", nil, false
	}
	return string(buf[:i]), buf[i+1:], true
}
