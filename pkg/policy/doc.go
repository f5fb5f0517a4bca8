// Package policy lints manifests with Open Policy Agent before they run.
//
// Each policy is a Rego module whose deny set yields violations. Members of
// the set are strings or objects:
//
//	package converge.policies.example
//
//	import rego.v1
//
//	deny contains violation if {
//	    some i, r in input.resources
//	    r.kind == "package"
//	    not r.attributes.version
//	    violation := {
//	        "message": "package version is not pinned",
//	        "resource": r.id,
//	        "index": i,
//	        "severity": "warning",
//	    }
//	}
//
// The input document holds the manifest name and its expanded resources in
// declaration order (see Input). Violations of severity "error" block the
// run; "warning" and "info" are reported only.
//
// Built-in policies:
//
//	duplicates       the same kind, name and action declared twice (error)
//	ordering         owner or group naming an account declared later (error)
//	insecure-source  remote_file over http:// without a checksum (warning)
//	command-guard    command without a creates guard (info)
//
// Custom policies are loaded from a directory with Engine.LoadDir. A .rego
// file defines a policy named after the file, and a leading
// "# severity: error" comment sets its default severity. A .json file holds
// a Policy definition; one without rego enables or disables the policy of
// the same name:
//
//	{"name": "command-guard", "enabled": false}
//
// Engine.Watch reloads the directory when its files change.
package policy
