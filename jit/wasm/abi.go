package wasm

// Import/export names of the emitted module. The embedding runtime
// supplies everything under the "env" module at instantiation time.
const (
	ImportModule = "env"
	ImportMemory = "memory"

	ImportMemReadU8   = "mem_read_u8"
	ImportMemReadU16  = "mem_read_u16"
	ImportMemReadU32  = "mem_read_u32"
	ImportMemReadU64  = "mem_read_u64"
	ImportMemWriteU8  = "mem_write_u8"
	ImportMemWriteU16 = "mem_write_u16"
	ImportMemWriteU32 = "mem_write_u32"
	ImportMemWriteU64 = "mem_write_u64"

	// mmu_translate(cpu_ptr, ctx_ptr, vaddr, access) -> tlb data word.
	// The host refills the probed TLB entry as a side effect.
	ImportMMUTranslate = "mmu_translate"

	ExportTrace = "trace"
)

// Access direction codes passed to mmu_translate.
const (
	MMUAccessRead  = 0
	MMUAccessWrite = 1
)

// Translation-context layout, relative to the ctx pointer parameter.
// The TLB is a direct-mapped array of 16-byte entries: a salted tag
// word followed by the permission/physical word.
const (
	CtxRAMBaseOff        = 0
	CtxTLBSaltOff        = 8
	CtxCodeVersionPtrOff = 16 // u32: linear address of the version table
	CtxCodeVersionLenOff = 20 // u32: entries in the version table
	CtxTLBOff            = 32

	TLBEntries   = 2048
	TLBEntrySize = 16
	TLBIndexMask = TLBEntries - 1
)

// TLB data word: low bits carry permissions, the rest is the page
// aligned physical base.
const (
	TLBFlagRead  = 1 << 0
	TLBFlagWrite = 1 << 1
	TLBFlagExec  = 1 << 2
	TLBFlagIsRAM = 1 << 3

	PageOffsetMask = uint64(0xfff)
	PageBaseMask   = ^PageOffsetMask
)

const wasm32MaxPages = 65536
