// Package x86 holds the guest-architecture definitions shared by the
// whole tier-2 pipeline: general purpose registers, operand widths,
// RFLAGS bits, condition codes and the layout of the saved cpu state.
package x86

type (
	// Reg is a full architectural general purpose register.
	Reg int

	// Width is an operand width in bytes.
	Width int

	// Flag is a single RFLAGS bit mask.
	Flag uint64

	// FlagSet is a union of Flag masks requested by an instruction.
	FlagSet uint64

	// Cond is one of the sixteen x86 condition codes, in encoding order.
	Cond int

	// EndKind tells why the code reader stopped decoding a basic block.
	EndKind int

	// Inst is one decoded guest instruction. Decoding itself is out of
	// scope here; the tier-2 builder only needs the address, the encoded
	// length and whether the bytes decoded at all.
	Inst struct {
		Addr  uint64
		Len   int
		Valid bool
	}

	// BasicBlock is what the code reader returns: a straight run of
	// decoded instructions and the reason it stopped.
	BasicBlock struct {
		Addr   uint64
		Insts  []Inst
		End    EndKind
		Resume uint64 // next address when End == EndBudget
	}
)

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	RegCount = 16
)

const (
	W8  Width = 1
	W16 Width = 2
	W32 Width = 4
	W64 Width = 8
)

const (
	FlagCF Flag = 1 << 0
	FlagPF Flag = 1 << 2
	FlagAF Flag = 1 << 4
	FlagZF Flag = 1 << 6
	FlagSF Flag = 1 << 7
	FlagOF Flag = 1 << 11
)

const (
	FlagsNone FlagSet = 0
	FlagsAll  FlagSet = FlagSet(FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF)
)

const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

const (
	// EndBranch means the block ended on a natural control transfer.
	EndBranch EndKind = iota

	// EndBudget means the per-block decode budget ran out; Resume holds
	// the address of the next undecoded instruction.
	EndBudget
)

// Saved cpu state layout. The sixteen GPRs are stored as consecutive
// 8-byte slots, followed by RIP and RFLAGS.
const (
	RIPOff    = 128
	RFLAGSOff = 136

	// RFLAGSReserved1 always reads as set on real hardware.
	RFLAGSReserved1 = uint64(1) << 1
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// GPROff returns the state offset of a full 8-byte register slot.
func GPROff(r Reg) uint32 {
	return uint32(r) * 8
}

func (w Width) Bits() int {
	return int(w) * 8
}

func (w Width) Bytes() int {
	return int(w)
}

func (w Width) Mask() uint64 {
	if w == W64 {
		return ^uint64(0)
	}

	return 1<<(w.Bits()) - 1
}

func (f FlagSet) Has(x Flag) bool {
	return f&FlagSet(x) != 0
}

func (f FlagSet) Empty() bool {
	return f == 0
}

// Bit returns the RFLAGS bit position of the flag.
func (f Flag) Bit() int {
	switch f {
	case FlagCF:
		return 0
	case FlagPF:
		return 2
	case FlagAF:
		return 4
	case FlagZF:
		return 6
	case FlagSF:
		return 7
	case FlagOF:
		return 11
	}

	return -1
}

func (r Reg) String() string {
	if r >= 0 && int(r) < len(regNames) {
		return regNames[r]
	}

	return "reg?"
}

func (f Flag) String() string {
	switch f {
	case FlagCF:
		return "CF"
	case FlagPF:
		return "PF"
	case FlagAF:
		return "AF"
	case FlagZF:
		return "ZF"
	case FlagSF:
		return "SF"
	case FlagOF:
		return "OF"
	}

	return "flag?"
}

func (c Cond) String() string {
	if c >= 0 && int(c) < len(condNames) {
		return condNames[c]
	}

	return "cond?"
}

var (
	regNames = []string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	}

	condNames = []string{
		"o", "no", "b", "ae", "e", "ne", "be", "a",
		"s", "ns", "p", "np", "l", "ge", "le", "g",
	}
)

// Mask truncates an address to the active addressing width.
func Mask(addr uint64, w Width) uint64 {
	return addr & w.Mask()
}

// Pages returns the first and last guest page covered by [addr, addr+n).
func Pages(addr uint64, n int) (first, last uint64) {
	first = addr >> PageShift

	if n <= 0 {
		return first, first
	}

	last = (addr + uint64(n) - 1) >> PageShift

	return first, last
}
