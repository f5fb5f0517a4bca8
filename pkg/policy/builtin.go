package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		duplicatesPolicy(),
		orderingPolicy(),
		insecureSourcePolicy(),
		commandGuardPolicy(),
	}
}

// duplicatesPolicy rejects a resource declared twice with the same action.
func duplicatesPolicy() Policy {
	return Policy{
		Name:        "duplicates",
		Description: "Rejects resources declared more than once with the same action",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package converge.policies.duplicates

import rego.v1

deny contains violation if {
	some j, r in input.resources
	positions := [i |
		some i, other in input.resources
		other.kind == r.kind
		other.name == r.name
		other.action == r.action
	]
	first := min(positions)
	first < j
	violation := {
		"message": sprintf("duplicate declaration, first declared at position %d", [first + 1]),
		"resource": r.id,
		"index": j,
	}
}
`,
	}
}

// orderingPolicy rejects owner and group attributes naming an account that
// the manifest only creates later.
func orderingPolicy() Policy {
	return Policy{
		Name:        "ordering",
		Description: "Rejects references to users and groups declared later in the manifest",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package converge.policies.ordering

import rego.v1

referenced_kind := {"owner": "user", "group": "group"}

deny contains violation if {
	some i, r in input.resources
	some attr, kind in referenced_kind
	value := r.attributes[attr]
	some j, d in input.resources
	j > i
	d.kind == kind
	d.name == value
	not declared_before(kind, value, i)
	violation := {
		"message": sprintf("%s %s is used before it is declared at position %d", [kind, value, j + 1]),
		"resource": r.id,
		"index": i,
	}
}

declared_before(kind, name, i) if {
	some k, d in input.resources
	k < i
	d.kind == kind
	d.name == name
}
`,
	}
}

// insecureSourcePolicy warns about unverified downloads over plain HTTP.
func insecureSourcePolicy() Policy {
	return Policy{
		Name:        "insecure-source",
		Description: "Warns about remote files fetched over HTTP without a checksum",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package converge.policies.sources

import rego.v1

deny contains violation if {
	some i, r in input.resources
	r.kind == "remote_file"
	startswith(lower(r.attributes.source), "http://")
	not r.attributes.checksum
	violation := {
		"message": sprintf("%s is fetched over plain HTTP without a checksum", [r.attributes.source]),
		"resource": r.id,
		"index": i,
	}
}
`,
	}
}

// commandGuardPolicy notes commands that run on every apply.
func commandGuardPolicy() Policy {
	return Policy{
		Name:        "command-guard",
		Description: "Reports commands without a creates guard",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package converge.policies.commands

import rego.v1

deny contains violation if {
	some i, r in input.resources
	r.kind == "command"
	not r.attributes.creates
	violation := {
		"message": "runs on every apply; set creates to skip it once its output exists",
		"resource": r.id,
		"index": i,
	}
}
`,
	}
}
