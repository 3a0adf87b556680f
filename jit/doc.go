/*
Tier-2 compilation pipeline

	Guest Machine Code ->
		discover + translate ->
	Per-Block IR (ir0) ->
		lower ->
	Control Flow Graph (ir) ->
		select ->
	Trace + Register Plan ->
		emit ->
	WebAssembly Module (wasm)
*/
package jit
