// Package reply turns an agent run's raw event stream into deliverable
// chunks.
//
// The processor strips think/final markers (code spans are left untouched),
// extracts inline delivery directives, and suppresses duplicates against
// both the previous chunk and texts the agent already sent through a
// messaging tool. Compaction retries reset the in-progress attempt and gate
// new dispatch for the conversation until output resumes.
package reply
