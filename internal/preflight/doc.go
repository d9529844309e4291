// Package preflight validates the environment before docpipe starts
// long-running work: disk space and write permissions in the data
// directory, file descriptor limits, and reachability of the optional
// enrichment collaborators (extraction sidecar, vision model, embedder).
//
// Collaborator checks are never critical: the pipeline degrades per stage
// when a collaborator is absent. A passed check is recorded with a marker
// file so repeated starts skip the probes.
package preflight
