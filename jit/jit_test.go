package jit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"

	"github.com/wilsonzlin/aero-sub011/jit/ir0"
	"github.com/wilsonzlin/aero-sub011/jit/trace"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

// region is a two block guest program: a flag-setting decrement loop
// and an exit block.
type region struct{}

func (region) Discover(ctx context.Context, addr uint64, budget int, w x86.Width) (x86.BasicBlock, error) {
	switch addr {
	case 0x1000:
		return x86.BasicBlock{
			Addr: addr,
			Insts: []x86.Inst{
				{Addr: 0x1000, Len: 3, Valid: true},
				{Addr: 0x1003, Len: 2, Valid: true},
			},
			End: x86.EndBranch,
		}, nil
	case 0x1005:
		return x86.BasicBlock{
			Addr:  addr,
			Insts: []x86.Inst{{Addr: 0x1005, Len: 1, Valid: true}},
			End:   x86.EndBranch,
		}, nil
	}

	return x86.BasicBlock{}, errors.New("no code at %x", addr)
}

func (region) Translate(ctx context.Context, bb x86.BasicBlock) (ir0.Block, error) {
	switch bb.Addr {
	case 0x1000:
		return ir0.Block{
			Insts: []any{
				ir0.ReadReg{Dst: 0, Loc: ir0.GPR(x86.RCX, x86.W64)},
				ir0.Const{Dst: 1, Value: 1},
				ir0.BinOp{Dst: 2, Op: ir0.Sub, L: 0, R: 1, Width: x86.W64, Flags: x86.FlagsAll},
				ir0.WriteReg{Loc: ir0.GPR(x86.RCX, x86.W64), Src: 2},
				ir0.EvalCond{Dst: 3, Cond: x86.CondNE},
			},
			Vals: 4,
			Term: ir0.CondJump{Cond: 3, Target: 0x1000, Fallthrough: 0x1005},
		}, nil
	case 0x1005:
		return ir0.Block{Term: ir0.IndirectJump{}}, nil
	}

	return ir0.Block{}, errors.New("no translation at %x", bb.Addr)
}

func TestCompileLoopRegion(t *testing.T) {
	ctx := context.Background()

	obj, err := Compile(ctx, region{}, region{}, 0x1000, Config{
		Profile: trace.Profile{0: 100, 1: 1},
	})
	require.NoError(t, err)

	require.True(t, len(obj) > 8)
	assert.Equal(t, []byte{0, 'a', 's', 'm', 1, 0, 0, 0}, obj[:8])
}

func TestLowerRegion(t *testing.T) {
	ctx := context.Background()

	f, err := Lower(ctx, region{}, region{}, 0x1000, Config{})
	require.NoError(t, err)

	require.Len(t, f.Blocks, 2)
	assert.Equal(t, uint64(0x1000), f.Blocks[0].RIP)
	assert.NotEmpty(t, f.Dump())
}
