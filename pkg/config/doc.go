// Package config loads the director configuration file.
//
// The file is CUE. It is unified with a built-in schema that closes the set
// of fields and supplies defaults, so an empty or missing file is a complete
// configuration:
//
//	dataDir: "/var/lib/director"
//	profile: "web"
//	environment: {os: "linux", arch: "x86_64"}
//	repositories: [{location: "/srv/repo/units.yaml", nickname: "main"}]
//	policies: ["/etc/director/policies"]
//	touchpoints: remote: {host: "web-1", user: "deploy"}
//
// After decoding, struct tags are checked with go-playground/validator for
// constraints that span fields, such as an otlp exporter needing an endpoint.
// Every problem is reported in one *ParseError with file positions where CUE
// provides them.
package config
