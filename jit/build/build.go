// Package build discovers the control flow graph reachable from an
// entry address and lowers every block into the tier-2 instruction set.
package build

import (
	"context"
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/wilsonzlin/aero-sub011/jit/ir"
	"github.com/wilsonzlin/aero-sub011/jit/ir0"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

type (
	// CodeReader returns one decoded basic block starting at addr.
	// budget bounds the number of instructions decoded into one block.
	CodeReader interface {
		Discover(ctx context.Context, addr uint64, budget int, w x86.Width) (x86.BasicBlock, error)
	}

	// Translator turns one decoded basic block into per-block IR.
	Translator interface {
		Translate(ctx context.Context, bb x86.BasicBlock) (ir0.Block, error)
	}

	Config struct {
		MaxBlocks   int       // cfg discovery budget
		BlockBudget int       // instructions decoded per block
		AddrWidth   x86.Width // active addressing width
	}

	Builder struct {
		reader CodeReader
		trans  Translator
		cfg    Config

		byAddr  map[uint64]ir.BlockID
		blocks  []*ir.Block
		queue   []uint64
		nextVal uint32
	}
)

const (
	DefaultMaxBlocks   = 64
	DefaultBlockBudget = 64
)

func New(r CodeReader, t Translator, cfg Config) *Builder {
	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = DefaultMaxBlocks
	}

	if cfg.BlockBudget == 0 {
		cfg.BlockBudget = DefaultBlockBudget
	}

	if cfg.AddrWidth == 0 {
		cfg.AddrWidth = x86.W64
	}

	return &Builder{
		reader: r,
		trans:  t,
		cfg:    cfg,
		byAddr: map[uint64]ir.BlockID{},
	}
}

// Build discovers and lowers every block reachable from entry.
//
// Every address is assigned a block id before any of its successors
// are requested, so cyclic guest control flow drains the queue in at
// most MaxBlocks iterations.
func (b *Builder) Build(ctx context.Context, entry uint64) (f *ir.Func, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "build cfg", "entry", tlog.NextAsHex, entry)
	defer tr.Finish("err", &err)

	entry = x86.Mask(entry, b.cfg.AddrWidth)

	_, ok := b.getOrCreate(ctx, entry)
	if !ok {
		// Block budget already exhausted. Degenerate but well defined:
		// a single block that hands the entry straight back to the
		// interpreter.
		return &ir.Func{
			Blocks: []ir.Block{{RIP: entry, Term: ir.Exit{RIP: entry}}},
		}, nil
	}

	for len(b.queue) != 0 {
		addr := b.queue[0]
		b.queue = b.queue[1:]

		id := b.byAddr[addr]
		if b.blocks[id] != nil {
			continue
		}

		blk, err := b.lowerAt(ctx, addr)
		if err != nil {
			return nil, errors.Wrap(err, "block %x", addr)
		}

		b.blocks[id] = blk
	}

	blocks := make([]ir.Block, len(b.blocks))
	for i, p := range b.blocks {
		blocks[i] = *p
	}

	f = &ir.Func{Entry: 0, Blocks: blocks, Vals: int(b.nextVal)}

	if tr.If("dump_func") {
		tr.Printw("lowered func", "blocks", len(f.Blocks), "vals", f.Vals)
		tr.Printf("%s", f.Dump())
	}

	return f, nil
}

func (b *Builder) lowerAt(ctx context.Context, addr uint64) (_ *ir.Block, err error) {
	bb, err := b.reader.Discover(ctx, addr, b.cfg.BlockBudget, b.cfg.AddrWidth)
	if err != nil {
		return nil, errors.Wrap(err, "discover")
	}

	ib, err := b.trans.Translate(ctx, bb)
	if err != nil {
		return nil, errors.Wrap(err, "translate")
	}

	// Bytes covered by the block. An invalid tail instruction never
	// executes (control exits to the interpreter at its address), so it
	// doesn't count towards invalidation coverage.
	codeLen := 0

	for i, ins := range bb.Insts {
		if !ins.Valid && i == len(bb.Insts)-1 {
			break
		}

		codeLen += ins.Len
	}

	base := b.nextVal

	err = b.reserve(ib.Vals)
	if err != nil {
		return nil, err
	}

	lw := lowerer{
		entryRIP: addr,
		base:     base,
		next:     &b.nextVal,
		consts:   map[ir0.Val]uint64{},
	}

	lw.block(&ib)

	if lw.err != nil {
		return nil, lw.err
	}

	term, deopt, err := b.lowerTerm(ctx, &bb, &ib, base)
	if err != nil {
		return nil, err
	}

	// An unsupported instruction (or an unrepresentable terminator)
	// means no lowered instruction of this block may ever execute: the
	// interpreter re-runs the whole block from clean state.
	if lw.unsupported != 0 || deopt {
		tlog.SpanFromContext(ctx).V("deopt").Printw("deopt block", "addr", tlog.NextAsHex, addr, "at", lw.unsupported)

		return &ir.Block{RIP: addr, CodeLen: codeLen, Term: ir.Exit{RIP: addr}}, nil
	}

	return &ir.Block{RIP: addr, CodeLen: codeLen, Insts: lw.instrs, Term: term}, nil
}

func (b *Builder) lowerTerm(ctx context.Context, bb *x86.BasicBlock, ib *ir0.Block, base uint32) (term any, deopt bool, err error) {
	switch t := ib.Term.(type) {
	case ir0.Jump:
		target := x86.Mask(t.Target, b.cfg.AddrWidth)

		if id, ok := b.getOrCreate(ctx, target); ok {
			return ir.Jump{To: id}, false, nil
		}

		// The target is statically known, so nothing is lost by
		// side-exiting there.
		return ir.Exit{RIP: target}, false, nil

	case ir0.CondJump:
		target := x86.Mask(t.Target, b.cfg.AddrWidth)
		fall := x86.Mask(t.Fallthrough, b.cfg.AddrWidth)

		then, ok1 := b.getOrCreate(ctx, target)
		els, ok2 := b.getOrCreate(ctx, fall)

		if !ok1 || !ok2 {
			// A half-resolved branch can't be represented.
			return nil, true, nil
		}

		cond, err := rebase(base, t.Cond)
		if err != nil {
			return nil, false, err
		}

		return ir.Branch{Cond: cond, Then: then, Else: els}, false, nil

	case ir0.IndirectJump:
		// Dynamic targets never fit the static CFG; re-execute the
		// whole block in the interpreter.
		return nil, true, nil

	case ir0.ExitTier:
		next := x86.Mask(t.Addr, b.cfg.AddrWidth)

		if bb.End == x86.EndBudget {
			resume := x86.Mask(bb.Resume, b.cfg.AddrWidth)
			if next != resume {
				return nil, false, errors.New("translator terminator %x disagrees with block resume %x", next, resume)
			}

			// The block's instructions executed fully; continuing at
			// the natural continuation is just another edge.
			if id, ok := b.getOrCreate(ctx, next); ok {
				return ir.Jump{To: id}, false, nil
			}
		}

		return ir.Exit{RIP: next}, false, nil
	}

	return nil, false, errors.New("unknown terminator %T", ib.Term)
}

func (b *Builder) getOrCreate(ctx context.Context, addr uint64) (ir.BlockID, bool) {
	addr = x86.Mask(addr, b.cfg.AddrWidth)

	if id, ok := b.byAddr[addr]; ok {
		return id, true
	}

	if len(b.byAddr) >= b.cfg.MaxBlocks {
		return 0, false
	}

	id := ir.BlockID(len(b.blocks))

	b.byAddr[addr] = id
	b.blocks = append(b.blocks, nil)
	b.queue = append(b.queue, addr)

	tlog.SpanFromContext(ctx).V("blocks").Printw("new block", "id", id, "addr", tlog.NextAsHex, addr)

	return id, true
}

func (b *Builder) reserve(n int) error {
	if n < 0 || uint64(b.nextVal)+uint64(n) > math.MaxInt32 {
		return errors.New("value id space exhausted: %d + %d", b.nextVal, n)
	}

	b.nextVal += uint32(n)

	return nil
}

func rebase(base uint32, v ir0.Val) (ir.Value, error) {
	if v < 0 || uint64(base)+uint64(v) > math.MaxInt32 {
		return 0, errors.New("value id space exhausted: %d + %d", base, v)
	}

	return ir.Value(base + uint32(v)), nil
}
