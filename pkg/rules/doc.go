// Package rules lints assembly graphs with Rego before they are executed.
//
// Rules see the graph as its JSON document (camelCase field names) under
// `input`, the retry limit under `data.limits.max_retries` and the registered
// primitive names under `data.primitives`. Each rule module defines a `deny`
// set:
//
//	package assembler.rules.example
//
//	import rego.v1
//
//	deny contains violation if {
//		some id, step in input.steps
//		step.name == ""
//		violation := {"message": sprintf("Step %s has no name", [id]), "resource": id}
//	}
//
// A report is not allowed when any violation has error severity.
package rules
