package nvmf

import (
	"sync"

	"github.com/behrlich/go-nvmf/backend"
	"github.com/behrlich/go-nvmf/internal/bdev"
)

// IOType identifies a class of device operation
type IOType = bdev.IOType

// Device operation classes
const (
	IOTypeRead            = bdev.IOTypeRead
	IOTypeWrite           = bdev.IOTypeWrite
	IOTypeCompare         = bdev.IOTypeCompare
	IOTypeCompareAndWrite = bdev.IOTypeCompareAndWrite
	IOTypeWriteZeroes     = bdev.IOTypeWriteZeroes
	IOTypeFlush           = bdev.IOTypeFlush
	IOTypeUnmap           = bdev.IOTypeUnmap
	IOTypeCopy            = bdev.IOTypeCopy
	IOTypeAbort           = bdev.IOTypeAbort
	IOTypeZeroCopy        = bdev.IOTypeZeroCopy
)

// MockDevice provides an in-memory device for testing applications built
// on a Target. Operations can be made to fail and the operations that
// reached the device are counted.
type MockDevice struct {
	*backend.Memory

	mu       sync.Mutex
	channels int
}

// NewMockDevice creates a new mock device with the specified size.
// Options may be used to shrink per-channel resources or drop capabilities.
func NewMockDevice(size int64, opts ...backend.MemoryOptions) *MockDevice {
	var o backend.MemoryOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return &MockDevice{Memory: backend.NewMemoryWithOptions(size, o)}
}

// OpenChannel implements Device
func (m *MockDevice) OpenChannel() (bdev.Channel, error) {
	ch, err := m.Memory.OpenChannel()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.channels++
	m.mu.Unlock()
	return ch, nil
}

// FailNext makes the next operation of class t complete with the given
// NVMe status
func (m *MockDevice) FailNext(t IOType, sct, sc uint8) {
	m.InjectFault(t, backend.Fault{SCT: sct, SC: sc})
}

// RefuseNext makes the next submission of class t return err. Passing
// bdev.ErrNoMemory exercises the resubmission path.
func (m *MockDevice) RefuseNext(t IOType, err error) {
	m.InjectFault(t, backend.Fault{SubmitErr: err})
}

// ChannelsOpened returns how many channels were opened on the device
func (m *MockDevice) ChannelsOpened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels
}

// OpCounts returns the number of operations of each class the device executed
func (m *MockDevice) OpCounts() map[string]uint64 {
	ops, _ := m.Stats()["ops"].(map[string]uint64)
	counts := make(map[string]uint64, len(ops))
	for k, v := range ops {
		counts[k] = v
	}
	return counts
}

// Compile-time interface check
var _ Device = (*MockDevice)(nil)
