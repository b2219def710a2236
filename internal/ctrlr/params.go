package ctrlr

import (
	"math/bits"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// DecodeRWParams returns the starting LBA (CDW11:CDW10) and block count
// (CDW12 bits 15:0, 0's based) of a read, write, compare, write zeroes or
// zero-copy command.
func DecodeRWParams(cmd *nvme.Command) (startLBA, numBlocks uint64) {
	startLBA = uint64(cmd.CDW11())<<32 | uint64(cmd.CDW10())
	numBlocks = uint64(cmd.CDW12()&nvme.NLBMask) + 1
	return startLBA, numBlocks
}

// DecodeRWExtOptions copies the raw CDW12 and CDW13 into opts for the device.
func DecodeRWExtOptions(cmd *nvme.Command, opts *bdev.ExtIOOpts) {
	opts.CDW12 = cmd.CDW12()
	opts.CDW13 = cmd.CDW13()
}

// LBAInRange reports whether [start, start+n) lies within a device of
// blockCount blocks.
func LBAInRange(blockCount, start, n uint64) bool {
	end, carry := bits.Add64(start, n, 0)
	return carry == 0 && end <= blockCount
}

// LengthValid reports whether n blocks of blockSize bytes fit in the declared
// transfer length.
func LengthValid(n uint64, blockSize, declared uint32) bool {
	hi, lo := bits.Mul64(n, uint64(blockSize))
	return hi == 0 && lo <= uint64(declared)
}
