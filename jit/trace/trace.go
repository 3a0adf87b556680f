// Package trace flattens one hot path through a lowered function into
// the form the code generator consumes: a prologue, a body, a
// loop/linear discriminator and a register residency plan.
package trace

import (
	"context"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/wilsonzlin/aero-sub011/jit/ir"
	"github.com/wilsonzlin/aero-sub011/jit/set"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

type (
	Kind int

	// Trace is a flattened hot path. Prologue runs once; Body runs once
	// for Linear traces and repeats for Loop traces.
	Trace struct {
		Kind     Kind
		EntryRIP uint64
		Prologue []any
		Body     []any
	}

	// Plan maps architectural registers to resident trace locals.
	// LocalForReg holds -1 for registers kept in the saved state.
	Plan struct {
		LocalForReg [x86.RegCount]int
		Locals      int
	}

	// Profile supplies block heat so branch polarity can be decided.
	// Missing blocks count as cold.
	Profile map[ir.BlockID]uint64

	// Versions answers current guest code-page versions at selection
	// time. Nil disables code-version guards.
	Versions interface {
		PageVersion(page uint64) uint32
	}

	Config struct {
		MaxBlocks int // trace length budget, in blocks
		MaxRegs   int // resident register budget
	}
)

const (
	Linear Kind = iota
	Loop
)

const (
	DefaultMaxBlocks = 32
	DefaultMaxRegs   = 8
)

func (k Kind) String() string {
	if k == Loop {
		return "loop"
	}

	return "linear"
}

// Select walks the hottest path from the function entry. At every
// two-way branch the hotter successor stays on the trace and the
// branch becomes a guard exiting to the colder block's address. The
// walk stops at a side exit, at a revisited block (a revisit of the
// entry closes the trace into a loop), or at the block budget.
func Select(ctx context.Context, f *ir.Func, prof Profile, vers Versions, cfg Config) (t *Trace, p *Plan, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "select trace", "entry", f.Entry, "blocks", len(f.Blocks))
	defer tr.Finish("err", &err)

	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = DefaultMaxBlocks
	}

	if cfg.MaxRegs == 0 {
		cfg.MaxRegs = DefaultMaxRegs
	}

	if int(f.Entry) >= len(f.Blocks) {
		return nil, nil, errors.New("entry block %v out of range", f.Entry)
	}

	entry := &f.Blocks[f.Entry]

	t = &Trace{Kind: Linear, EntryRIP: entry.RIP}

	visited := set.MakeBitmap(len(f.Blocks))

	cur := f.Entry
	taken := 0

walk:
	for {
		if visited.IsSet(int(cur)) {
			if cur == f.Entry {
				t.Kind = Loop
				break walk
			}

			// Re-entering the middle of the trace can't be
			// represented; leave at the revisited block's address.
			t.Body = append(t.Body, ir.SideExit{RIP: f.Blocks[cur].RIP})

			break walk
		}

		if taken == cfg.MaxBlocks {
			t.Body = append(t.Body, ir.SideExit{RIP: f.Blocks[cur].RIP})
			break walk
		}

		visited.Set(int(cur))
		taken++

		blk := &f.Blocks[cur]
		t.Body = append(t.Body, blk.Insts...)

		switch term := blk.Term.(type) {
		case ir.Jump:
			if int(term.To) >= len(f.Blocks) {
				return nil, nil, errors.New("jump to unknown block %v", term.To)
			}

			cur = term.To

		case ir.Branch:
			if int(term.Then) >= len(f.Blocks) || int(term.Else) >= len(f.Blocks) {
				return nil, nil, errors.New("branch to unknown block %v/%v", term.Then, term.Else)
			}

			hot, cold := term.Then, term.Else
			expected := true

			if prof[cold] > prof[hot] {
				hot, cold = cold, hot
				expected = false
			}

			t.Body = append(t.Body, ir.Guard{
				Cond:     term.Cond,
				Expected: expected,
				ExitRIP:  f.Blocks[cold].RIP,
			})

			cur = hot

		case ir.Exit:
			t.Body = append(t.Body, ir.SideExit{RIP: term.RIP})
			break walk

		default:
			return nil, nil, errors.New("unknown terminator %T", blk.Term)
		}
	}

	if vers != nil {
		t.Prologue = append(codeGuards(f, visited, vers, entry.RIP), t.Prologue...)
	}

	p = plan(t, cfg.MaxRegs)

	tr.Printw("selected", "kind", t.Kind, "blocks", taken, "body", len(t.Body), "resident", p.Locals, "visited", visited)

	return t, p, nil
}

// codeGuards produces one code-version guard per guest page covered by
// the selected blocks, so a write to any of those pages invalidates
// the trace on its next entry.
func codeGuards(f *ir.Func, visited set.Bitmap, vers Versions, exitRIP uint64) []any {
	seen := map[uint64]struct{}{}

	var pages []uint64

	visited.Range(func(i int) bool {
		blk := &f.Blocks[i]

		first, last := x86.Pages(blk.RIP, blk.CodeLen)
		for pg := first; pg <= last; pg++ {
			if _, ok := seen[pg]; ok {
				continue
			}

			seen[pg] = struct{}{}
			pages = append(pages, pg)
		}

		return true
	})

	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	guards := make([]any, len(pages))

	for i, pg := range pages {
		guards[i] = ir.GuardCodeVersion{
			Page:     pg,
			Expected: vers.PageVersion(pg),
			ExitRIP:  exitRIP,
		}
	}

	return guards
}

// plan ranks registers by static use count over the whole trace and
// makes the busiest ones resident.
func plan(t *Trace, maxRegs int) *Plan {
	var uses [x86.RegCount]int

	count := func(insts []any) {
		for _, ins := range insts {
			switch x := ins.(type) {
			case ir.LoadReg:
				uses[x.Reg]++
			case ir.StoreReg:
				uses[x.Reg]++
			}
		}
	}

	count(t.Prologue)
	count(t.Body)

	order := make([]x86.Reg, 0, x86.RegCount)

	for r := x86.Reg(0); r < x86.RegCount; r++ {
		if uses[r] != 0 {
			order = append(order, r)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return uses[order[i]] > uses[order[j]]
	})

	if len(order) > maxRegs {
		order = order[:maxRegs]
	}

	p := &Plan{}

	for i := range p.LocalForReg {
		p.LocalForReg[i] = -1
	}

	for _, r := range order {
		p.LocalForReg[r] = p.Locals
		p.Locals++
	}

	return p
}

// Instrs calls f over the prologue then the body.
func (t *Trace) Instrs(f func(ins any)) {
	for _, ins := range t.Prologue {
		f(ins)
	}

	for _, ins := range t.Body {
		f(ins)
	}
}
