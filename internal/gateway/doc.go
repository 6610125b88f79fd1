// Package gateway wires the inbound pipeline together.
//
// One supervisor per configured channel keeps a transport session alive.
// Raw messages pass a dedup guard, coalesce into consolidated units, and are
// dispatched to the agent one unit at a time per conversation. Each agent
// run's event stream is filtered by a reply processor whose chunks go back
// out through the channel's deliverer.
//
// Ordering guarantee: units for the same conversation key are processed
// strictly FIFO. Different keys proceed independently.
package gateway
