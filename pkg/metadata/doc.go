// Package metadata holds the capability model: versions, version ranges,
// capabilities, requirements with environment filters, and the immutable
// installable unit descriptor.
package metadata
