package nvme

import "fmt"

// Command is a 64-byte submission queue entry held as sixteen dwords.
// Dword 0 carries opcode, fuse and command identifier; dword 1 the namespace.
type Command struct {
	Dwords [16]uint32
}

// Opcode returns CDW0 bits 7:0.
func (c *Command) Opcode() uint8 { return uint8(c.Dwords[0]) }

// Fuse returns CDW0 bits 9:8.
func (c *Command) Fuse() uint8 { return uint8(c.Dwords[0]>>8) & 0x3 }

// CID returns the command identifier (CDW0 bits 31:16).
func (c *Command) CID() uint16 { return uint16(c.Dwords[0] >> 16) }

// NSID returns the namespace identifier.
func (c *Command) NSID() uint32 { return c.Dwords[1] }

func (c *Command) CDW10() uint32 { return c.Dwords[10] }
func (c *Command) CDW11() uint32 { return c.Dwords[11] }
func (c *Command) CDW12() uint32 { return c.Dwords[12] }
func (c *Command) CDW13() uint32 { return c.Dwords[13] }
func (c *Command) CDW14() uint32 { return c.Dwords[14] }
func (c *Command) CDW15() uint32 { return c.Dwords[15] }

// SetHeader fills CDW0 from its parts.
func (c *Command) SetHeader(opcode, fuse uint8, cid uint16) {
	c.Dwords[0] = uint32(opcode) | uint32(fuse&0x3)<<8 | uint32(cid)<<16
}

// SetCDW10_11 stores a 64-bit value across CDW10 (low) and CDW11 (high),
// the layout used by SLBA and SDLBA.
func (c *Command) SetCDW10_11(v uint64) {
	c.Dwords[10] = uint32(v)
	c.Dwords[11] = uint32(v >> 32)
}

func (c Command) String() string {
	return fmt.Sprintf("opc=%#02x fuse=%d cid=%d nsid=%d cdw10=%#x cdw11=%#x cdw12=%#x",
		c.Opcode(), c.Fuse(), c.CID(), c.NSID(), c.Dwords[10], c.Dwords[11], c.Dwords[12])
}

// Status is the completion status field without the phase tag.
type Status struct {
	SC  uint8
	SCT uint8
	CRD uint8
	M   bool
	DNR bool
}

// IsSuccess reports a generic successful status.
func (s Status) IsSuccess() bool { return s.SCT == SCTGeneric && s.SC == SCSuccess }

// IsError reports any non-success status.
func (s Status) IsError() bool { return !s.IsSuccess() }

// Set replaces type and code and clears DNR.
func (s *Status) Set(sct, sc uint8) {
	s.SCT = sct
	s.SC = sc
	s.DNR = false
}

func (s Status) String() string {
	return fmt.Sprintf("sct=%#x sc=%#02x dnr=%t", s.SCT, s.SC, s.DNR)
}

// Completion is a 16-byte completion queue entry.
type Completion struct {
	CDW0   uint32
	CDW1   uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Phase  bool
	Status Status
}

// DSMRange is one 16-byte Dataset Management range descriptor.
type DSMRange struct {
	Attributes uint32
	Length     uint32
	StartLBA   uint64
}

// CopySourceRange is a format 0 Copy source range descriptor.
type CopySourceRange struct {
	StartLBA uint64
	NLB      uint16 // 0's based
	EILBRT   uint32
	ELBAT    uint16
	ELBATM   uint16
}
