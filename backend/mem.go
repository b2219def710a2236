// Package backend provides block devices that serve NVMe namespaces
package backend

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/constants"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// PassthruFunc executes a raw NVMe command against the device and returns
// its completion fields. bufs hold the command's data.
type PassthruFunc func(cmd *nvme.Command, bufs [][]byte) (cdw0 uint32, sct, sc uint8)

// MemoryOptions configures a Memory device. Zero values take the defaults.
type MemoryOptions struct {
	BlockSize  uint32
	ChannelIOs int // per-channel in-flight operations before ErrNoMemory
	ACWU       uint16
	MaxCopy    uint32
	DIF        bdev.DIFParams

	// Unsupported operation classes reported by IOTypeSupported.
	Unsupported []bdev.IOType

	// IOPassthru and AdminPassthru enable raw command forwarding.
	IOPassthru    PassthruFunc
	AdminPassthru PassthruFunc
}

// Fault describes an injected failure for the next operation of a class.
type Fault struct {
	// SubmitErr, when set, is returned by the submit call.
	SubmitErr error

	// Otherwise the operation is accepted and completes with this status.
	SCT, SC uint8
}

// Memory provides a RAM-based block device
type Memory struct {
	data        []byte
	size        int64
	blockSize   uint32
	opts        MemoryOptions
	mu          sync.RWMutex
	faults      map[bdev.IOType][]Fault
	channels    int
	closed      bool
	ioCount     map[bdev.IOType]uint64
	unsupported map[bdev.IOType]bool
}

// NewMemory creates a new memory device of size bytes with default options.
func NewMemory(size int64) *Memory {
	return NewMemoryWithOptions(size, MemoryOptions{})
}

// NewMemoryWithOptions creates a new memory device of size bytes. size is
// rounded down to a whole number of blocks.
func NewMemoryWithOptions(size int64, opts MemoryOptions) *Memory {
	if opts.BlockSize == 0 {
		opts.BlockSize = constants.DefaultLogicalBlockSize
	}
	if opts.ChannelIOs <= 0 {
		opts.ChannelIOs = constants.DefaultChannelIOs
	}
	if opts.ACWU == 0 {
		opts.ACWU = constants.DefaultACWU
	}
	size -= size % int64(opts.BlockSize)

	m := &Memory{
		data:        make([]byte, size),
		size:        size,
		blockSize:   opts.BlockSize,
		opts:        opts,
		faults:      make(map[bdev.IOType][]Fault),
		ioCount:     make(map[bdev.IOType]uint64),
		unsupported: make(map[bdev.IOType]bool),
	}
	for _, t := range opts.Unsupported {
		m.unsupported[t] = true
	}
	return m
}

// Name implements bdev.Device
func (m *Memory) Name() string {
	return fmt.Sprintf("mem%d", m.size)
}

// BlockSize implements bdev.Device
func (m *Memory) BlockSize() uint32 { return m.blockSize }

// NumBlocks implements bdev.Device
func (m *Memory) NumBlocks() uint64 { return uint64(m.size) / uint64(m.blockSize) }

// PhysicalBlockSize implements bdev.Device
func (m *Memory) PhysicalBlockSize() uint32 { return m.blockSize }

// IOTypeSupported implements bdev.Device
func (m *Memory) IOTypeSupported(t bdev.IOType) bool {
	switch t {
	case bdev.IOTypeNVMeIO:
		return m.opts.IOPassthru != nil && !m.unsupported[t]
	case bdev.IOTypeNVMeAdmin:
		return m.opts.AdminPassthru != nil && !m.unsupported[t]
	}
	return !m.unsupported[t]
}

// MaxCopy implements bdev.Device
func (m *Memory) MaxCopy() uint32 { return m.opts.MaxCopy }

// ACWU implements bdev.Device
func (m *Memory) ACWU() uint16 { return m.opts.ACWU }

// OptimalIOBoundary implements bdev.Device
func (m *Memory) OptimalIOBoundary() uint32 { return 0 }

// WriteUnitSize implements bdev.Device
func (m *Memory) WriteUnitSize() uint32 { return 1 }

// DIF implements bdev.Device
func (m *Memory) DIF() bdev.DIFParams { return m.opts.DIF }

// OpenChannel implements bdev.Device
func (m *Memory) OpenChannel() (bdev.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, unix.ENODEV
	}
	m.channels++
	return newMemoryChannel(m, m.opts.ChannelIOs), nil
}

// InjectFault queues f for the next operation of class t. Faults of a class
// are consumed in order, one per submission.
func (m *Memory) InjectFault(t bdev.IOType, f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[t] = append(m.faults[t], f)
}

func (m *Memory) takeFault(t bdev.IOType) (Fault, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.faults[t]
	if len(q) == 0 {
		return Fault{}, false
	}
	m.faults[t] = q[1:]
	return q[0], true
}

func (m *Memory) count(t bdev.IOType) {
	m.mu.Lock()
	m.ioCount[t]++
	m.mu.Unlock()
}

// ReadAt copies device bytes at off into p
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off >= m.size {
		return 0, nil
	}

	// Calculate how much we can actually read
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt copies p into the device at off
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size returns the device size in bytes
func (m *Memory) Size() int64 {
	return m.size
}

// Close releases the device memory. Open channels fail further submissions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// errOutOfRange is returned for block ranges past the end of the device.
var errOutOfRange = errors.New("block range beyond end of device")

// blockSpan converts a block range into a byte span, validated against the
// device size. Callers hold m.mu.
func (m *Memory) blockSpan(offset, num uint64) (int64, int64, error) {
	if m.closed {
		return 0, 0, unix.ENODEV
	}
	blocks := uint64(m.size) / uint64(m.blockSize)
	if offset > blocks || num > blocks-offset {
		return 0, 0, errOutOfRange
	}
	bs := int64(m.blockSize)
	return int64(offset) * bs, int64(num) * bs, nil
}

// checkSpan validates a block range without touching data.
func (m *Memory) checkSpan(offset, num uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, _, err := m.blockSpan(offset, num)
	return err
}

// readBlocks scatters num blocks starting at offset into bufs.
func (m *Memory) readBlocks(bufs [][]byte, offset, num uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, n, err := m.blockSpan(offset, num)
	if err != nil {
		return err
	}
	if nvme.ScatterToBuffers(bufs, 0, m.data[off:off+n]) < int(n) {
		return unix.EFAULT
	}
	return nil
}

// writeBlocks gathers num blocks from bufs into the device at offset.
func (m *Memory) writeBlocks(bufs [][]byte, offset, num uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, n, err := m.blockSpan(offset, num)
	if err != nil {
		return err
	}
	if nvme.BuffersLen(bufs) < int(n) {
		return unix.EFAULT
	}
	nvme.CopyFromBuffers(m.data[off:off+n], bufs, 0)
	return nil
}

// compareBlocks reports whether bufs match the device contents.
func (m *Memory) compareBlocks(bufs [][]byte, offset, num uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.compareLocked(bufs, offset, num)
}

func (m *Memory) compareLocked(bufs [][]byte, offset, num uint64) (bool, error) {
	off, n, err := m.blockSpan(offset, num)
	if err != nil {
		return false, err
	}
	pos := off
	for _, b := range bufs {
		if pos == off+n {
			break
		}
		k := min(int64(len(b)), off+n-pos)
		if string(b[:k]) != string(m.data[pos:pos+k]) {
			return false, nil
		}
		pos += k
	}
	if pos < off+n {
		return false, unix.EFAULT
	}
	return true, nil
}

// compareAndWrite atomically compares cmpBufs and, on a match, writes
// writeBufs to the same range.
func (m *Memory) compareAndWrite(cmpBufs, writeBufs [][]byte, offset, num uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	equal, err := m.compareLocked(cmpBufs, offset, num)
	if err != nil || !equal {
		return equal, err
	}
	off, n, _ := m.blockSpan(offset, num)
	if nvme.BuffersLen(writeBufs) < int(n) {
		return true, unix.EFAULT
	}
	nvme.CopyFromBuffers(m.data[off:off+n], writeBufs, 0)
	return true, nil
}

// zeroBlocks clears a block range. It serves write zeroes and deallocate.
func (m *Memory) zeroBlocks(offset, num uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, n, err := m.blockSpan(offset, num)
	if err != nil {
		return err
	}
	clear(m.data[off : off+n])
	return nil
}

// copyBlocks copies num blocks from src to dst within the device.
func (m *Memory) copyBlocks(dst, src, num uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	soff, n, err := m.blockSpan(src, num)
	if err != nil {
		return err
	}
	doff, _, err := m.blockSpan(dst, num)
	if err != nil {
		return err
	}
	copy(m.data[doff:doff+n], m.data[soff:soff+n])
	return nil
}

// Stats returns device counters for diagnostics
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make(map[string]uint64, len(m.ioCount))
	for t, n := range m.ioCount {
		ops[t.String()] = n
	}
	return map[string]interface{}{
		"type":       "memory",
		"size":       m.size,
		"block_size": m.blockSize,
		"channels":   m.channels,
		"ops":        ops,
	}
}

// Compile-time interface checks
var _ bdev.Device = (*Memory)(nil)
