package nvmf

import (
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// Re-exported wire types
type (
	Command    = nvme.Command
	Completion = nvme.Completion
	Status     = nvme.Status
	DSMRange   = nvme.DSMRange
)

// NVM command set opcodes
const (
	OpFlush       = nvme.OpFlush
	OpWrite       = nvme.OpWrite
	OpRead        = nvme.OpRead
	OpCompare     = nvme.OpCompare
	OpWriteZeroes = nvme.OpWriteZeroes
	OpDatasetMgmt = nvme.OpDatasetMgmt
	OpCopy        = nvme.OpCopy
)

// Command builders. Transports decode capsules straight into Request.Cmd;
// these cover tools, examples and tests that originate commands themselves.

// NewIORequest builds a read, write or compare of nlb blocks starting at
// slba. The data length is the total length of bufs.
func NewIORequest(opc uint8, cid uint16, slba uint64, nlb uint32, bufs ...[]byte) *Request {
	req := &Request{Buffers: bufs}
	for _, b := range bufs {
		req.Length += uint32(len(b))
	}
	req.Cmd.SetHeader(opc, nvme.FuseNone, cid)
	req.Cmd.SetCDW10_11(slba)
	if nlb > 0 {
		req.Cmd.Dwords[12] = nlb - 1
	}
	return req
}

// NewFlushRequest builds a flush of the whole namespace
func NewFlushRequest(cid uint16) *Request {
	req := &Request{}
	req.Cmd.SetHeader(nvme.OpFlush, nvme.FuseNone, cid)
	return req
}

// NewWriteZeroesRequest builds a write zeroes of nlb blocks at slba
func NewWriteZeroesRequest(cid uint16, slba uint64, nlb uint32) *Request {
	return NewIORequest(nvme.OpWriteZeroes, cid, slba, nlb)
}

// NewCompareAndWrite builds the two halves of a fused compare-and-write.
// Both must be submitted to the same queue, first then second, with no
// other command in between.
func NewCompareAndWrite(cid uint16, slba uint64, nlb uint32, compare, write []byte) (first, second *Request) {
	first = NewIORequest(nvme.OpCompare, cid, slba, nlb, compare)
	first.Cmd.SetHeader(nvme.OpCompare, nvme.FuseFirst, cid)
	second = NewIORequest(nvme.OpWrite, cid+1, slba, nlb, write)
	second.Cmd.SetHeader(nvme.OpWrite, nvme.FuseSecond, cid+1)
	return first, second
}

// NewDeallocateRequest builds a dataset management command deallocating
// ranges. It returns nil when ranges is empty or longer than the 256 a
// command can carry.
func NewDeallocateRequest(cid uint16, ranges []DSMRange) *Request {
	if len(ranges) == 0 || len(ranges) > nvme.MaxDSMRanges {
		return nil
	}
	buf := make([]byte, 0, len(ranges)*nvme.DSMRangeSize)
	for i := range ranges {
		buf = append(buf, nvme.MarshalDSMRange(&ranges[i])...)
	}
	req := &Request{Buffers: [][]byte{buf}, Length: uint32(len(buf))}
	req.Cmd.SetHeader(nvme.OpDatasetMgmt, nvme.FuseNone, cid)
	req.Cmd.Dwords[10] = uint32(len(ranges) - 1)
	req.Cmd.Dwords[11] = nvme.DSMAttrDeallocate
	return req
}

// NewAbortRequest builds an Abort for target. CDW0 bit 0 starts set and is
// cleared in the response when the device cancelled the command.
func NewAbortRequest(cid uint16, target *Request) *Request {
	req := &Request{AbortTarget: target}
	req.Cmd.SetHeader(nvme.AdminAbort, nvme.FuseNone, cid)
	if target != nil {
		req.Cmd.Dwords[10] = uint32(target.Cmd.CID()) << 16
		if target.Qpair != nil {
			req.Cmd.Dwords[10] |= uint32(target.Qpair.ID)
		}
	}
	req.Rsp.CDW0 = 1
	return req
}
