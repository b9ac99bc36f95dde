/*
Package routing decides, per object path, file path and operation class,
whether an intercepted call is served by the pass-through store, by the
in-memory object model, or by the remote transport.

Rules are evaluated in registration order. Route rules are exclusive and the
first match wins; when none matches the call passes through. The other
categories are additive:

	category   structural   data-read     data-write
	route      exclusive    exclusive     exclusive
	mirror     additive     ignored       additive, best effort
	zerocopy   ignored      ignored       additive (ownership)
	channel    additive     additive      additive

A mirror rule never changes where reads are served from: memory stays
authoritative and the pass-through copy exists for durability only.

Usage:

	e := routing.NewEngine()
	_ = e.AddRule("out.h5", "*", types.ModeMemory)
	_ = e.AddMirror("out.h5", "/group1/**")
	d := e.Decide("/group1/data0", "out.h5", types.OpDataWrite)
	// d.Mode == types.ModeMemory, d.Mirror == true
*/
package routing
