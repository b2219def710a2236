// Package nvme holds the NVMe wire model used by the target core:
// submission and completion queue entries, opcodes, status codes and the
// data-buffer descriptors carried by Dataset Management and Copy.
package nvme

// NVM command set opcodes
const (
	OpFlush        uint8 = 0x00
	OpWrite        uint8 = 0x01
	OpRead         uint8 = 0x02
	OpWriteUncorr  uint8 = 0x04
	OpCompare      uint8 = 0x05
	OpWriteZeroes  uint8 = 0x08
	OpDatasetMgmt  uint8 = 0x09
	OpVerify       uint8 = 0x0c
	OpResvRegister uint8 = 0x0d
	OpResvReport   uint8 = 0x0e
	OpResvAcquire  uint8 = 0x11
	OpResvRelease  uint8 = 0x15
	OpCopy         uint8 = 0x19
)

// Admin command set opcodes
const (
	AdminDeleteIOSQ  uint8 = 0x00
	AdminCreateIOSQ  uint8 = 0x01
	AdminGetLogPage  uint8 = 0x02
	AdminDeleteIOCQ  uint8 = 0x04
	AdminCreateIOCQ  uint8 = 0x05
	AdminIdentify    uint8 = 0x06
	AdminAbort       uint8 = 0x08
	AdminSetFeatures uint8 = 0x09
	AdminGetFeatures uint8 = 0x0a
	AdminAsyncEvent  uint8 = 0x0c
	AdminKeepAlive   uint8 = 0x18
	AdminVendorStart uint8 = 0xc0
)

// Fused operation encoding (CDW0 bits 9:8)
const (
	FuseNone   uint8 = 0
	FuseFirst  uint8 = 1
	FuseSecond uint8 = 2
)

// Status code types
const (
	SCTGeneric         uint8 = 0x0
	SCTCommandSpecific uint8 = 0x1
	SCTMediaError      uint8 = 0x2
	SCTPath            uint8 = 0x3
	SCTVendorSpecific  uint8 = 0x7
)

// Generic command status codes (SCTGeneric)
const (
	SCSuccess                 uint8 = 0x00
	SCInvalidOpcode           uint8 = 0x01
	SCInvalidField            uint8 = 0x02
	SCCommandIDConflict       uint8 = 0x03
	SCDataTransferError       uint8 = 0x04
	SCAbortedPowerLoss        uint8 = 0x05
	SCInternalDeviceError     uint8 = 0x06
	SCAbortedByRequest        uint8 = 0x07
	SCAbortedSQDeletion       uint8 = 0x08
	SCAbortedFailedFused      uint8 = 0x09
	SCAbortedMissingFused     uint8 = 0x0a
	SCInvalidNamespaceFormat  uint8 = 0x0b
	SCCommandSequenceError    uint8 = 0x0c
	SCInvalidSGLSegDescriptor uint8 = 0x0d
	SCInvalidNumSGLDescs      uint8 = 0x0e
	SCDataSGLLengthInvalid    uint8 = 0x0f
	SCLBAOutOfRange           uint8 = 0x80
	SCCapacityExceeded        uint8 = 0x81
	SCNamespaceNotReady       uint8 = 0x82
)

// Command specific status codes (SCTCommandSpecific)
const (
	SCInvalidQueueDeletion uint8 = 0x0c
	SCCmdSizeLimitExceeded uint8 = 0x83
)

// Media and data integrity status codes (SCTMediaError)
const (
	SCWriteFaults          uint8 = 0x80
	SCUnrecoveredReadError uint8 = 0x81
	SCGuardCheckError      uint8 = 0x82
	SCAppTagCheckError     uint8 = 0x83
	SCRefTagCheckError     uint8 = 0x84
	SCCompareFailure       uint8 = 0x85
	SCAccessDenied         uint8 = 0x86
)

// Entry sizes
const (
	CommandSize    = 64
	CompletionSize = 16
	DSMRangeSize   = 16
	CopySourceSize = 32
	MaxDSMRanges   = 256
)

// Command dword field masks
const (
	// CDW12 of Read/Write/Compare/WriteZeroes: number of logical blocks, 0's based
	NLBMask = 0xffff

	// CDW12 bit 25 of Write Zeroes
	WriteZeroesDEAC = 1 << 25

	// CDW10 bits 7:0 of Dataset Management: number of ranges, 0's based
	DSMNRMask = 0xff

	// CDW11 bit 2 of Dataset Management
	DSMAttrDeallocate = 1 << 2

	// CDW12 of Copy
	CopyNRMask       = 0xff
	CopyDFShift      = 8
	CopyDFMask       = 0xf
	CopyPRInfoRShift = 12
	CopyDTypeShift   = 20
	CopySTCW         = 1 << 24
	CopyPRInfoWShift = 26
	CopyFUA          = 1 << 30
	CopyLR           = 1 << 31
)
