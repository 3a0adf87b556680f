package main

import (
	"context"
	"fmt"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/wilsonzlin/aero-sub011/jit"
	"github.com/wilsonzlin/aero-sub011/jit/ir0"
	"github.com/wilsonzlin/aero-sub011/jit/trace"
	"github.com/wilsonzlin/aero-sub011/jit/wasm"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

func main() {
	cfgCmd := &cli.Command{
		Name:        "cfg",
		Description: "lower the demo region and dump the control flow graph",
		Action:      cfgAct,
		Args:        cli.Args{},
	}

	compileCmd := &cli.Command{
		Name:        "compile",
		Description: "compile the demo region into a wasm module",
		Action:      compileAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("output,o", "trace.wasm", "write the module here"),
			cli.NewFlag("tlb", false, "inline the address translation fast path"),
		},
	}

	app := &cli.Command{
		Name:        "t2",
		Description: "t2 compiles guest machine code regions into wasm traces",
		Commands: []*cli.Command{
			cfgCmd,
			compileCmd,
		},
		Flags: []*cli.Flag{
			cli.NewFlag("v", "", "verbosity topics"),
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func setup(c *cli.Command) context.Context {
	tlog.SetVerbosity(c.String("v"))

	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	return ctx
}

func cfgAct(c *cli.Command) (err error) {
	ctx := setup(c)

	f, err := jit.Lower(ctx, demo{}, demo{}, demoEntry, jit.Config{})
	if err != nil {
		return errors.Wrap(err, "lower")
	}

	fmt.Printf("%s", f.Dump())

	return nil
}

func compileAct(c *cli.Command) (err error) {
	ctx := setup(c)

	cfg := jit.Config{
		Profile: trace.Profile{1: 100},
		Wasm: wasm.Options{
			InlineTLB: c.Bool("tlb"),
		},
	}

	obj, err := jit.Compile(ctx, demo{}, demo{}, demoEntry, cfg)
	if err != nil {
		return errors.Wrap(err, "compile")
	}

	name := c.String("output")

	err = os.WriteFile(name, obj, 0o644)
	if err != nil {
		return errors.Wrap(err, "write %v", name)
	}

	tlog.Printw("compiled", "name", name, "size", len(obj))

	return nil
}

// demo is a built-in three block guest region standing in for the real
// decoder and translator: zero two registers, run a counted loop that
// sums memory, then leave the tier.
//
//	1000: sum = 0; count = 10
//	1010: sum += [buf+count*8]; count -= 1; jnz 1010
//	1030: ret
type demo struct{}

const demoEntry = 0x1000

func (demo) Discover(ctx context.Context, addr uint64, budget int, w x86.Width) (bb x86.BasicBlock, err error) {
	switch addr {
	case 0x1000:
		return x86.BasicBlock{
			Addr: addr,
			Insts: []x86.Inst{
				{Addr: 0x1000, Len: 7, Valid: true},
				{Addr: 0x1007, Len: 7, Valid: true},
				{Addr: 0x100e, Len: 2, Valid: true},
			},
			End: x86.EndBranch,
		}, nil
	case 0x1010:
		return x86.BasicBlock{
			Addr: addr,
			Insts: []x86.Inst{
				{Addr: 0x1010, Len: 8, Valid: true},
				{Addr: 0x1018, Len: 4, Valid: true},
				{Addr: 0x101c, Len: 4, Valid: true},
				{Addr: 0x1020, Len: 2, Valid: true},
			},
			End: x86.EndBranch,
		}, nil
	case 0x1030:
		return x86.BasicBlock{
			Addr: addr,
			Insts: []x86.Inst{
				{Addr: 0x1030, Len: 1, Valid: true},
			},
			End: x86.EndBranch,
		}, nil
	}

	return bb, errors.New("no code at %x", addr)
}

func (demo) Translate(ctx context.Context, bb x86.BasicBlock) (b ir0.Block, err error) {
	switch bb.Addr {
	case 0x1000:
		return ir0.Block{
			Insts: []any{
				ir0.Const{Dst: 0, Value: 0},
				ir0.WriteReg{Loc: ir0.GPR(x86.RAX, x86.W64), Src: 0},
				ir0.Const{Dst: 1, Value: 10},
				ir0.WriteReg{Loc: ir0.GPR(x86.RCX, x86.W64), Src: 1},
			},
			Vals: 2,
			Term: ir0.Jump{Target: 0x1010},
		}, nil
	case 0x1010:
		return ir0.Block{
			Insts: []any{
				ir0.ReadReg{Dst: 0, Loc: ir0.GPR(x86.RCX, x86.W64)},
				ir0.Lea{Dst: 1, Base: ir0.NoVal, Index: 0, Scale: 8, Disp: 0x8000, Width: x86.W64},
				ir0.Load{Dst: 2, Addr: 1, Width: x86.W64},
				ir0.ReadReg{Dst: 3, Loc: ir0.GPR(x86.RAX, x86.W64)},
				ir0.BinOp{Dst: 4, Op: ir0.Add, L: 3, R: 2, Width: x86.W64},
				ir0.WriteReg{Loc: ir0.GPR(x86.RAX, x86.W64), Src: 4},
				ir0.Const{Dst: 5, Value: 1},
				ir0.BinOp{Dst: 6, Op: ir0.Sub, L: 0, R: 5, Width: x86.W64, Flags: x86.FlagsAll},
				ir0.WriteReg{Loc: ir0.GPR(x86.RCX, x86.W64), Src: 6},
				ir0.EvalCond{Dst: 7, Cond: x86.CondNE},
			},
			Vals: 8,
			Term: ir0.CondJump{Cond: 7, Target: 0x1010, Fallthrough: 0x1030},
		}, nil
	case 0x1030:
		return ir0.Block{
			Term: ir0.IndirectJump{},
		}, nil
	}

	return b, errors.New("no translation at %x", bb.Addr)
}
