// Package config loads manifests and runtime settings for converge.
//
// A manifest declares an ordered list of resources and optional variables.
// It can be written in YAML, JSON, CUE or Starlark; the format is chosen by
// file extension:
//
//	.yaml, .yml   YAML
//	.json         JSON
//	.cue          CUE, checked against a built-in #Manifest schema
//	.star         Starlark; the script assigns "resources" and optionally
//	              "variables" and "name"
//
// A YAML manifest looks like:
//
//	name: tomcat
//	variables:
//	  tomcat_home: /opt/tomcat
//	resources:
//	  - kind: group
//	    name: tomcat
//	  - kind: directory
//	    name: ${tomcat_home}
//	    attributes:
//	      mode: "0755"
//
// The equivalent Starlark script uses the resource builtin:
//
//	variables = {"tomcat_home": "/opt/tomcat"}
//	resources = [
//	    resource("group", "tomcat"),
//	    resource("directory", "${tomcat_home}", mode = "0755"),
//	]
//
// Loader.Load parses and validates a manifest; Manifest.Descriptors then
// substitutes ${name} references and returns the engine descriptors in
// declaration order. Template resources also receive every variable as a
// var.<name> attribute.
//
// Settings are read from CONVERGE_* environment variables with
// LoadSettings, on top of DefaultSettings.
package config
