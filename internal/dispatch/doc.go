// Package dispatch defines the boundary between the gateway and the agent
// backend: consolidated units go in, ordered event streams come out.
package dispatch
