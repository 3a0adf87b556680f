package jit

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/wilsonzlin/aero-sub011/jit/build"
	"github.com/wilsonzlin/aero-sub011/jit/ir"
	"github.com/wilsonzlin/aero-sub011/jit/trace"
	"github.com/wilsonzlin/aero-sub011/jit/wasm"
)

type (
	Config struct {
		Build build.Config
		Trace trace.Config
		Wasm  wasm.Options

		// Profile biases trace selection towards hot branch targets.
		// Empty profiles fall back to branch-then direction.
		Profile trace.Profile

		// Versions enables self-modifying-code guards in the trace
		// prologue when set.
		Versions trace.Versions
	}
)

// Compile runs the full tier-2 pipeline for the region reachable from
// entry: discover and lower guest blocks, pick one hot trace, emit the
// wasm module for it.
func Compile(ctx context.Context, r build.CodeReader, t build.Translator, entry uint64, cfg Config) (obj []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile region", "entry", tlog.NextAsHex, entry)
	defer tr.Finish("err", &err)

	f, err := Lower(ctx, r, t, entry, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "lower region")
	}

	ht, plan, err := trace.Select(ctx, f, cfg.Profile, cfg.Versions, cfg.Trace)
	if err != nil {
		return nil, errors.Wrap(err, "select trace")
	}

	obj, err = wasm.Compile(ctx, ht, plan, cfg.Wasm)
	if err != nil {
		return nil, errors.Wrap(err, "emit wasm")
	}

	return obj, nil
}

// Lower stops after the middle of the pipeline and returns the lowered
// control flow graph.
func Lower(ctx context.Context, r build.CodeReader, t build.Translator, entry uint64, cfg Config) (f *ir.Func, err error) {
	b := build.New(r, t, cfg.Build)

	f, err = b.Build(ctx, entry)
	if err != nil {
		return nil, errors.Wrap(err, "build cfg")
	}

	return f, nil
}
