// Package repository loads installable units from repository documents and
// serves them to the planner as a candidate pool.
//
// A repository document is a YAML file listing units with their
// capabilities, requirements and touchpoint instructions. Documents are
// checked against an embedded JSON schema before they are decoded. A
// directory of documents (the dropins directory) can be watched so that the
// pool is rebuilt when files change.
//
// Each profile also keeps a list of the repositories its units registered,
// with a reference count per location, in a small YAML file managed by List.
package repository
