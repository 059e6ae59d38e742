// Package learning stores and serves trained step policies.
//
// Checkpoints live under a policies directory, one per (assembly, step):
//
//	<dir>/<assemblyID>/<stepID>/policy.json
//
// FileLoader implements engine.PolicyLoader over that layout, caching decoded
// checkpoints and invalidating them when files change on disk. Training
// itself happens elsewhere; this package only reads its output.
package learning
