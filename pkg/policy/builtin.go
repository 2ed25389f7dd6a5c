package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		dangerousCallsPolicy(),
		descriptionMismatchPolicy(),
	}
}

// dangerousCallsPolicy flags calls that execute arbitrary code.
func dangerousCallsPolicy() Policy {
	return Policy{
		Name:        "dangerous-calls",
		Description: "Flags eval, exec, dynamic imports and subprocess calls",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package tandem.logic.dangerous

import rego.v1

patterns := {
	"eval(": "eval",
	"exec(": "exec",
	"__import__": "__import__",
	"subprocess.call": "subprocess.call",
}

deny contains violation if {
	some pattern, call in patterns
	contains(input.payload, pattern)
	violation := {
		"rule": "dangerous_call",
		"message": sprintf("payload uses %s", [call]),
		"severity": "warning",
	}
}
`,
	}
}

// descriptionMismatchPolicy flags payloads that ignore what the description asked for.
func descriptionMismatchPolicy() Policy {
	return Policy{
		Name:        "description-mismatch",
		Description: "Flags payloads missing the functions or classes the description asks for",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package tandem.logic.structure

import rego.v1

wants(word) if contains(lower(input.description), word)

defines_function if contains(input.payload, "def ")

defines_function if contains(input.payload, "func ")

defines_function if contains(input.payload, "function")

defines_class if contains(input.payload, "class ")

defines_class if regex.match(` + "`type\\s+\\w+\\s+struct`" + `, input.payload)

deny contains violation if {
	wants("function")
	not defines_function
	violation := {
		"rule": "missing_function",
		"message": "description asks for a function but the payload defines none",
		"severity": "warning",
	}
}

deny contains violation if {
	wants("class")
	not defines_class
	violation := {
		"rule": "missing_class",
		"message": "description asks for a class but the payload defines none",
		"severity": "warning",
	}
}
`,
	}
}
