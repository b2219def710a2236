package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandHeader(t *testing.T) {
	var cmd Command
	cmd.SetHeader(OpCompare, FuseFirst, 0xbeef)
	cmd.Dwords[1] = 7

	assert.Equal(t, OpCompare, cmd.Opcode())
	assert.Equal(t, FuseFirst, cmd.Fuse())
	assert.Equal(t, uint16(0xbeef), cmd.CID())
	assert.Equal(t, uint32(7), cmd.NSID())
}

func TestSetCDW10_11(t *testing.T) {
	var cmd Command
	cmd.SetCDW10_11(0x1122334455667788)
	assert.Equal(t, uint32(0x55667788), cmd.CDW10())
	assert.Equal(t, uint32(0x11223344), cmd.CDW11())
}

func TestCommandMarshal(t *testing.T) {
	var cmd Command
	for i := range cmd.Dwords {
		cmd.Dwords[i] = uint32(i) * 0x01010101
	}
	data := MarshalCommand(&cmd)
	require.Len(t, data, CommandSize)
	// little endian: dword 1 starts at byte 4
	assert.Equal(t, byte(0x01), data[4])

	var got Command
	require.NoError(t, UnmarshalCommand(data, &got))
	assert.Equal(t, cmd, got)

	assert.ErrorIs(t, UnmarshalCommand(data[:63], &got), ErrInsufficientData)
}

func TestStatusEncoding(t *testing.T) {
	tests := []struct {
		name  string
		s     Status
		phase bool
		want  uint16
	}{
		{"success", Status{}, false, 0x0000},
		{"success phase", Status{}, true, 0x0001},
		{"invalid opcode dnr", Status{SC: SCInvalidOpcode, DNR: true}, false, 0x8002},
		{"compare failure", Status{SCT: SCTMediaError, SC: SCCompareFailure}, false, 0x2<<9 | 0x85<<1},
		{"size limit", Status{SCT: SCTCommandSpecific, SC: SCCmdSizeLimitExceeded}, true, 0x1<<9 | 0x83<<1 | 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := EncodeStatus(tt.s, tt.phase)
			assert.Equal(t, tt.want, v)

			s, phase := DecodeStatus(v)
			assert.Equal(t, tt.s, s)
			assert.Equal(t, tt.phase, phase)
		})
	}
}

func TestStatusHelpers(t *testing.T) {
	var s Status
	assert.True(t, s.IsSuccess())

	s.DNR = true
	s.Set(SCTGeneric, SCInternalDeviceError)
	assert.True(t, s.IsError())
	assert.False(t, s.DNR, "Set clears DNR")
}

func TestCompletionMarshal(t *testing.T) {
	cpl := Completion{
		CDW0:   0xdeadbeef,
		SQHead: 3,
		SQID:   1,
		CID:    42,
		Status: Status{SC: SCLBAOutOfRange},
	}
	data := MarshalCompletion(&cpl)
	require.Len(t, data, CompletionSize)

	var got Completion
	require.NoError(t, UnmarshalCompletion(data, &got))
	assert.Equal(t, cpl, got)
}

func TestDSMRangeLayout(t *testing.T) {
	r := DSMRange{Attributes: 1, Length: 8, StartLBA: 0x100}
	data := MarshalDSMRange(&r)
	require.Len(t, data, DSMRangeSize)
	assert.Equal(t, byte(8), data[4])
	assert.Equal(t, byte(0x01), data[9])

	var got DSMRange
	require.NoError(t, UnmarshalDSMRange(data, &got))
	assert.Equal(t, r, got)
}

func TestCopySourceRangeLayout(t *testing.T) {
	r := CopySourceRange{StartLBA: 10, NLB: 3}
	data := MarshalCopySourceRange(&r)
	require.Len(t, data, CopySourceSize)
	assert.Equal(t, byte(10), data[8])
	assert.Equal(t, byte(3), data[16])

	var got CopySourceRange
	require.NoError(t, UnmarshalCopySourceRange(data, &got))
	assert.Equal(t, r, got)
}

func TestScatterGather(t *testing.T) {
	bufs := [][]byte{make([]byte, 5), make([]byte, 3), make([]byte, 10)}
	src := []byte("abcdefghij")

	n := ScatterToBuffers(bufs, 4, src)
	assert.Equal(t, 10, n)
	assert.Equal(t, byte('a'), bufs[0][4])
	assert.Equal(t, []byte("bcd"), bufs[1])
	assert.Equal(t, byte('j'), bufs[2][5])

	dst := make([]byte, 10)
	assert.Equal(t, 10, CopyFromBuffers(dst, bufs, 4))
	assert.Equal(t, src, dst)

	// short source region
	assert.Equal(t, 2, CopyFromBuffers(make([]byte, 4), bufs, 16))
	assert.Equal(t, 18, BuffersLen(bufs))
}
