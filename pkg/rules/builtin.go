package rules

// BuiltinRules returns the rules every engine starts with.
func BuiltinRules() []Rule {
	return []Rule{
		primitiveTypeRule(),
		knownPrimitiveRule(),
		retryBudgetRule(),
		policyVerificationRule(),
		partCoverageRule(),
	}
}

// primitiveTypeRule flags primitive steps without a primitive type.
func primitiveTypeRule() Rule {
	return Rule{
		Name:        "primitive-type",
		Description: "Primitive steps must name the primitive they run",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package assembler.rules.primitive_type

import rego.v1

deny contains violation if {
	some id, step in input.steps
	step.handler == "primitive"
	object.get(step, "primitiveType", "") == ""
	violation := {
		"message": sprintf("Step %s uses the primitive handler but has no primitiveType", [id]),
		"resource": id,
	}
}
`,
	}
}

// knownPrimitiveRule checks primitive names against data.primitives.
func knownPrimitiveRule() Rule {
	return Rule{
		Name:        "known-primitive",
		Description: "Primitive steps must name a registered primitive",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package assembler.rules.known_primitive

import rego.v1

known := {name | some name in data.primitives}

deny contains violation if {
	count(known) > 0
	some id, step in input.steps
	step.handler == "primitive"
	name := object.get(step, "primitiveType", "")
	name != ""
	not known[name]
	violation := {
		"message": sprintf("Step %s uses unknown primitive %s", [id, name]),
		"resource": id,
	}
}
`,
	}
}

// retryBudgetRule bounds maxRetries by data.limits.max_retries.
func retryBudgetRule() Rule {
	return Rule{
		Name:        "retry-budget",
		Description: "Steps must allow between 1 and the configured maximum attempts",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package assembler.rules.retry_budget

import rego.v1

deny contains violation if {
	some id, step in input.steps
	step.maxRetries < 1
	violation := {
		"message": sprintf("Step %s allows %d attempts, at least 1 is required", [id, step.maxRetries]),
		"resource": id,
	}
}

deny contains violation if {
	some id, step in input.steps
	limit := data.limits.max_retries
	step.maxRetries > limit
	violation := {
		"message": sprintf("Step %s allows %d attempts, more than the limit of %d", [id, step.maxRetries, limit]),
		"resource": id,
	}
}
`,
	}
}

// policyVerificationRule warns about policy steps verified by position or force threshold.
func policyVerificationRule() Rule {
	return Rule{
		Name:        "policy-verification",
		Description: "Policy steps should be verified by a classifier or a force signature",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package assembler.rules.policy_verification

import rego.v1

verifying := {"classifier", "force_signature"}

deny contains violation if {
	some id, step in input.steps
	step.handler == "policy"
	criteria := object.get(step, ["successCriteria", "type"], "")
	not verifying[criteria]
	violation := {
		"message": sprintf("Policy step %s is verified by %s, prefer classifier or force_signature", [id, criteria]),
		"resource": id,
	}
}
`,
	}
}

// partCoverageRule warns about parts that no step involves.
func partCoverageRule() Rule {
	return Rule{
		Name:        "part-coverage",
		Description: "Every part should be handled by at least one step",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package assembler.rules.part_coverage

import rego.v1

handled contains pid if {
	some _, step in input.steps
	some pid in step.partIds
}

deny contains violation if {
	some pid, _ in input.parts
	not handled[pid]
	violation := {
		"message": sprintf("Part %s is not handled by any step", [pid]),
		"resource": pid,
	}
}
`,
	}
}
