package ctrlr

import (
	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// DIF check flags. DIFContextFor derives only the reference tag and guard
// checks from the device; DIFCheckAppTag is for callers that verify the
// application tag against a mask of their own.
const (
	DIFCheckRefTag uint32 = 1 << iota
	DIFCheckAppTag
	DIFCheckGuard
)

// difTupleSize is the size of a 16-bit guard protection information tuple.
const difTupleSize = 8

// DIFContext describes how to insert or verify protection information for
// one command.
type DIFContext struct {
	BlockSize     uint32 // data plus interleaved metadata
	MetadataSize  uint32
	Interleaved   bool
	HeadOfMD      bool
	Type          bdev.DIFType
	CheckFlags    uint32
	InitRefTag    uint32
	GuardInterval uint32 // byte offset of the tuple within a block
}

// DIFContextFor derives the protection context of cmd on dev. It returns
// false when the device has no metadata or its layout cannot carry a
// protection tuple. Transports call it before moving data for commands on
// namespaces formatted with metadata; the dispatcher itself does not.
func DIFContextFor(dev bdev.Device, cmd *nvme.Command) (DIFContext, bool) {
	p := dev.DIF()
	if p.MetadataSize == 0 {
		return DIFContext{}, false
	}

	ctx := DIFContext{
		BlockSize:    dev.BlockSize(),
		MetadataSize: p.MetadataSize,
		Interleaved:  p.Interleaved,
		HeadOfMD:     p.HeadOfMetadata,
		Type:         p.Type,
		// Initial reference tag is the low 32 bits of the starting LBA.
		InitRefTag: cmd.CDW10(),
	}
	if p.CheckRefTag {
		ctx.CheckFlags |= DIFCheckRefTag
	}
	if p.CheckGuard {
		ctx.CheckFlags |= DIFCheckGuard
	}

	if p.Type == bdev.DIFDisabled {
		return ctx, true
	}
	if p.MetadataSize < difTupleSize {
		return DIFContext{}, false
	}

	dataSize := ctx.BlockSize
	if p.Interleaved {
		if ctx.BlockSize <= p.MetadataSize {
			return DIFContext{}, false
		}
		dataSize = ctx.BlockSize - p.MetadataSize
	}
	if p.HeadOfMetadata {
		ctx.GuardInterval = dataSize
	} else {
		ctx.GuardInterval = dataSize + p.MetadataSize - difTupleSize
	}
	return ctx, true
}
