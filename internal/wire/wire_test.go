package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSelectorRoundTrip(t *testing.T) {
	cases := []Frame{
		{Tag: REQUEST, Selector: Selector{Crate: 0x0001, IRQ: 0x20, Vector: 0xDEADBEEF, Payload: 42}},
		{Tag: RELEASE, Selector: Selector{Crate: AnyCrate, IRQ: AnyIRQ, Vector: AnyVector}},
		{Tag: SIGNAL, Selector: Selector{Crate: 0x8000, IRQ: 0x02, Vector: 0xFFFF1234, Payload: 7}},
		{Tag: ACK},
		{Tag: NAK},
	}
	for _, want := range cases {
		buf := Encode(want)
		require.Len(t, buf, FrameSize)

		got, err := Decode(buf[:])
		require.NoError(t, err)
		assert.Equal(t, want.Tag, got.Tag)

		if want.Tag == REQUEST || want.Tag == RELEASE || want.Tag == SIGNAL {
			assert.Equal(t, want.Selector, got.Selector)
		}
	}
}

func TestEncodeDecodeStatusRoundTrip(t *testing.T) {
	want := Frame{Tag: STATUS, Status: Status{PID: 1234, CrateMask: 0x0003, ClientCount: 5, SubscriptionCount: 9}}
	buf := Encode(want)
	got, err := Decode(buf[:])
	require.NoError(t, err)
	assert.Equal(t, want.Status, got.Status)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode(make([]byte, FrameSize-1))
	assert.Error(t, err)

	_, err = Decode(make([]byte, FrameSize+1))
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	buf := Encode(Frame{Tag: ACK})
	buf[0] = 0xFF
	_, err := Decode(buf[:])
	assert.Error(t, err)
}

func TestHighestSetBit(t *testing.T) {
	tests := []struct {
		in   uint32
		want int
	}{
		{0, -1},
		{1, 0},
		{16, 4},
		{31, 4},
		{0x80000000, 31},
		{0x02, 1},
		{0x80, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HighestSetBit(tt.in), "HighestSetBit(%#x)", tt.in)
	}
}
