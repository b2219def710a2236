package nvmf

import "github.com/behrlich/go-nvmf/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueDepth            = constants.DefaultQueueDepth
	DefaultNumQueues             = constants.DefaultNumQueues
	DefaultLogicalBlockSize      = constants.DefaultLogicalBlockSize
	DefaultMaxIOSize             = constants.DefaultMaxIOSize
	DefaultMaxDiscardSizeKiB     = constants.DefaultMaxDiscardSizeKiB
	DefaultMaxWriteZeroesSizeKiB = constants.DefaultMaxWriteZeroesSizeKiB
	MaxBuffersPerRequest         = constants.MaxBuffersPerRequest
)
