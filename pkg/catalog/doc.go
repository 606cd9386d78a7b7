// Package catalog defines the desired-state document applied by a
// convergence run: resources, relationships between them, and the rich-data
// value markers (Deferred, Sensitive) that survive the wire format.
//
// A catalog is compiled server-side for a single node and environment. The
// agent treats it as opaque desired state: it decodes the document, validates
// its internal references, and hands it to the graph builder. The package
// also owns the durable catalog cache used as a fallback when no server can
// produce a fresh catalog, and the evaluator that resolves Deferred values at
// apply time.
package catalog
