package tftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Packet{
		&ReadReq{Filename: "boot.img", Mode: "octet"},
		&WriteReq{Filename: "upload.bin", Mode: "OCTET"},
		&Data{Block: 1, Payload: []byte("hello")},
		&Data{Block: 65535, Payload: []byte{}},
		&Ack{Block: 42},
		&ErrorPkt{Code: ErrFileNotFound, Message: "file not found"},
	}

	for _, want := range cases {
		got, err := Decode(want.Encode())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeRejectsMalformedPackets(t *testing.T) {
	tests := map[string][]byte{
		"too short":                  {0, 1},
		"unknown opcode":             {0, 9, 'a', 0, 'b', 0},
		"RRQ missing mode NUL":       {0, 1, 'a', 0, 'b'},
		"RRQ missing filename NUL":   {0, 1, 'a', 'b'},
		"DATA shorter than 4 bytes":  {0, 3, 0},
		"DATA payload too long":      append([]byte{0, 3, 0, 1}, make([]byte, BlockSize+1)...),
		"ERROR missing message NUL":  {0, 5, 0, 1, 'x'},
		"empty buffer":               {},
	}

	for name, buf := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(buf)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestDecodeACKBlockNumber(t *testing.T) {
	pkt, err := Decode([]byte{0, 4, 0x12, 0x34})
	require.NoError(t, err)
	ack, ok := pkt.(*Ack)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), ack.Block)
}

func TestBlockNumberWrapsAfter65535(t *testing.T) {
	block := uint16(65535)
	block++
	assert.Equal(t, uint16(0), block)

	pkt, err := Decode((&Data{Block: 65535, Payload: []byte("x")}).Encode())
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), pkt.(*Data).Block)

	pkt, err = Decode((&Ack{Block: 0}).Encode())
	require.NoError(t, err)
	assert.Equal(t, uint16(0), pkt.(*Ack).Block)
}

func TestDataPayloadAtExactlyBlockSize(t *testing.T) {
	payload := make([]byte, BlockSize)
	pkt, err := Decode((&Data{Block: 7, Payload: payload}).Encode())
	require.NoError(t, err)
	data, ok := pkt.(*Data)
	require.True(t, ok)
	assert.Len(t, data.Payload, BlockSize)
}
