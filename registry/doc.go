// Package registry holds the method table of the daemon.
//
// Every callable method is described by a Descriptor: its dotted path,
// positional parameter schemas, result schema, required roles, execution
// kind, locking and deadline. Descriptors are built with NewDescriptor and
// belong to a Plugin; plugins are added to a Plugins table that orders their
// setup by declared predecessors.
//
//	d := registry.NewDescriptor("pool.query").
//		Params(schema.Optional("filters", schema.Array(schema.Any()), []any{})).
//		Returns(schema.Array(schema.Dict())).
//		Roles("POOL_READ").
//		Handler(queryPools).
//		Build()
//	_ = plugins.Add(&registry.Plugin{Name: "pool", Methods: []*registry.Descriptor{d}})
//
// A plugin whose critical method failed is quarantined: the dispatcher
// refuses its methods until one of them is registered again.
package registry
