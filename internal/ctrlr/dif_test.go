package ctrlr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

func TestDIFContextFor(t *testing.T) {
	tests := []struct {
		name      string
		blockSize uint32
		dif       bdev.DIFParams
		ok        bool
		interval  uint32
		flags     uint32
	}{
		{
			name:      "no metadata",
			blockSize: 512,
			ok:        false,
		},
		{
			name:      "disabled with metadata",
			blockSize: 520,
			dif:       bdev.DIFParams{Type: bdev.DIFDisabled, MetadataSize: 8, Interleaved: true},
			ok:        true,
		},
		{
			name:      "type 1 interleaved tail",
			blockSize: 520,
			dif:       bdev.DIFParams{Type: bdev.DIFType1, MetadataSize: 8, Interleaved: true, CheckGuard: true, CheckRefTag: true},
			ok:        true,
			interval:  512,
			flags:     DIFCheckGuard | DIFCheckRefTag,
		},
		{
			name:      "type 1 interleaved head",
			blockSize: 576,
			dif:       bdev.DIFParams{Type: bdev.DIFType1, MetadataSize: 64, Interleaved: true, HeadOfMetadata: true},
			ok:        true,
			interval:  512,
		},
		{
			name:      "type 3 interleaved large metadata tail",
			blockSize: 576,
			dif:       bdev.DIFParams{Type: bdev.DIFType3, MetadataSize: 64, Interleaved: true},
			ok:        true,
			interval:  568,
			flags:     0,
		},
		{
			name:      "separate metadata",
			blockSize: 4096,
			dif:       bdev.DIFParams{Type: bdev.DIFType2, MetadataSize: 16, CheckRefTag: true},
			ok:        true,
			interval:  4104,
			flags:     DIFCheckRefTag,
		},
		{
			name:      "application tag left to the caller",
			blockSize: 520,
			dif:       bdev.DIFParams{Type: bdev.DIFType1, MetadataSize: 8, Interleaved: true, CheckGuard: true, CheckAppTag: true},
			ok:        true,
			interval:  512,
			flags:     DIFCheckGuard,
		},
		{
			name:      "metadata too small",
			blockSize: 516,
			dif:       bdev.DIFParams{Type: bdev.DIFType1, MetadataSize: 4, Interleaved: true},
			ok:        false,
		},
		{
			name:      "block no larger than metadata",
			blockSize: 8,
			dif:       bdev.DIFParams{Type: bdev.DIFType1, MetadataSize: 8, Interleaved: true},
			ok:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{blockSize: tt.blockSize, numBlocks: 10, dif: tt.dif}
			var cmd nvme.Command
			cmd.SetHeader(nvme.OpWrite, nvme.FuseNone, 1)
			cmd.SetCDW10_11(0x1_0000_0042)

			ctx, ok := DIFContextFor(dev, &cmd)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.blockSize, ctx.BlockSize)
			assert.Equal(t, tt.dif.MetadataSize, ctx.MetadataSize)
			assert.Equal(t, uint32(0x42), ctx.InitRefTag)
			assert.Equal(t, tt.interval, ctx.GuardInterval)
			assert.Equal(t, tt.flags, ctx.CheckFlags)
			assert.Equal(t, tt.dif.Type, ctx.Type)
			assert.Equal(t, tt.dif.HeadOfMetadata, ctx.HeadOfMD)
		})
	}
}
