package nvme

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when a buffer is shorter than the entry it must hold.
var ErrInsufficientData = errors.New("insufficient data for unmarshal")

// MarshalCommand encodes a submission queue entry.
func MarshalCommand(cmd *Command) []byte {
	buf := make([]byte, CommandSize)
	for i, dw := range cmd.Dwords {
		binary.LittleEndian.PutUint32(buf[i*4:], dw)
	}
	return buf
}

// UnmarshalCommand decodes a submission queue entry.
func UnmarshalCommand(data []byte, cmd *Command) error {
	if len(data) < CommandSize {
		return ErrInsufficientData
	}
	for i := range cmd.Dwords {
		cmd.Dwords[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return nil
}

// EncodeStatus packs a status and phase into the 16-bit completion field.
func EncodeStatus(s Status, phase bool) uint16 {
	v := uint16(s.SC)<<1 | uint16(s.SCT&0x7)<<9 | uint16(s.CRD&0x3)<<12
	if phase {
		v |= 1
	}
	if s.M {
		v |= 1 << 14
	}
	if s.DNR {
		v |= 1 << 15
	}
	return v
}

// DecodeStatus unpacks the 16-bit completion status field.
func DecodeStatus(v uint16) (Status, bool) {
	return Status{
		SC:  uint8(v >> 1),
		SCT: uint8(v>>9) & 0x7,
		CRD: uint8(v>>12) & 0x3,
		M:   v&(1<<14) != 0,
		DNR: v&(1<<15) != 0,
	}, v&1 != 0
}

// MarshalCompletion encodes a completion queue entry.
func MarshalCompletion(cpl *Completion) []byte {
	buf := make([]byte, CompletionSize)
	binary.LittleEndian.PutUint32(buf[0:4], cpl.CDW0)
	binary.LittleEndian.PutUint32(buf[4:8], cpl.CDW1)
	binary.LittleEndian.PutUint16(buf[8:10], cpl.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], cpl.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], cpl.CID)
	binary.LittleEndian.PutUint16(buf[14:16], EncodeStatus(cpl.Status, cpl.Phase))
	return buf
}

// UnmarshalCompletion decodes a completion queue entry.
func UnmarshalCompletion(data []byte, cpl *Completion) error {
	if len(data) < CompletionSize {
		return ErrInsufficientData
	}
	cpl.CDW0 = binary.LittleEndian.Uint32(data[0:4])
	cpl.CDW1 = binary.LittleEndian.Uint32(data[4:8])
	cpl.SQHead = binary.LittleEndian.Uint16(data[8:10])
	cpl.SQID = binary.LittleEndian.Uint16(data[10:12])
	cpl.CID = binary.LittleEndian.Uint16(data[12:14])
	cpl.Status, cpl.Phase = DecodeStatus(binary.LittleEndian.Uint16(data[14:16]))
	return nil
}

// MarshalDSMRange encodes one range descriptor.
func MarshalDSMRange(r *DSMRange) []byte {
	buf := make([]byte, DSMRangeSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Attributes)
	binary.LittleEndian.PutUint32(buf[4:8], r.Length)
	binary.LittleEndian.PutUint64(buf[8:16], r.StartLBA)
	return buf
}

// UnmarshalDSMRange decodes one range descriptor.
func UnmarshalDSMRange(data []byte, r *DSMRange) error {
	if len(data) < DSMRangeSize {
		return ErrInsufficientData
	}
	r.Attributes = binary.LittleEndian.Uint32(data[0:4])
	r.Length = binary.LittleEndian.Uint32(data[4:8])
	r.StartLBA = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// MarshalCopySourceRange encodes a format 0 source range descriptor.
func MarshalCopySourceRange(r *CopySourceRange) []byte {
	buf := make([]byte, CopySourceSize)
	binary.LittleEndian.PutUint64(buf[8:16], r.StartLBA)
	binary.LittleEndian.PutUint16(buf[16:18], r.NLB)
	binary.LittleEndian.PutUint32(buf[24:28], r.EILBRT)
	binary.LittleEndian.PutUint16(buf[28:30], r.ELBAT)
	binary.LittleEndian.PutUint16(buf[30:32], r.ELBATM)
	return buf
}

// UnmarshalCopySourceRange decodes a format 0 source range descriptor.
func UnmarshalCopySourceRange(data []byte, r *CopySourceRange) error {
	if len(data) < CopySourceSize {
		return ErrInsufficientData
	}
	r.StartLBA = binary.LittleEndian.Uint64(data[8:16])
	r.NLB = binary.LittleEndian.Uint16(data[16:18])
	r.EILBRT = binary.LittleEndian.Uint32(data[24:28])
	r.ELBAT = binary.LittleEndian.Uint16(data[28:30])
	r.ELBATM = binary.LittleEndian.Uint16(data[30:32])
	return nil
}

// CopyFromBuffers gathers len(dst) bytes starting at byte offset off of a
// scattered buffer list. It returns the number of bytes copied.
func CopyFromBuffers(dst []byte, bufs [][]byte, off int) int {
	n := 0
	for _, b := range bufs {
		if n == len(dst) {
			break
		}
		if off >= len(b) {
			off -= len(b)
			continue
		}
		n += copy(dst[n:], b[off:])
		off = 0
	}
	return n
}

// ScatterToBuffers writes src into a scattered buffer list starting at byte
// offset off. It returns the number of bytes written.
func ScatterToBuffers(bufs [][]byte, off int, src []byte) int {
	n := 0
	for _, b := range bufs {
		if n == len(src) {
			break
		}
		if off >= len(b) {
			off -= len(b)
			continue
		}
		n += copy(b[off:], src[n:])
		off = 0
	}
	return n
}

// BuffersLen returns the total length of a buffer list.
func BuffersLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}
