// Package verify decides whether an executed assembly step succeeded.
//
// A Verifier dispatches on the step's success criteria type to one of four
// checkers: position, force_threshold, force_signature and classifier. Each
// checker is a pure function of the step and the telemetry gathered during
// the attempt. When the criteria or the telemetry they need are missing the
// checker passes with low confidence, so verification never blocks a run on
// absent information.
//
// Classifier criteria load image models compiled to WebAssembly. See
// WASMModelLoader for the module contract.
package verify
