// Package coalesce merges bursts of raw inbound messages into consolidated
// units before dispatch.
//
// Three merge strategies share one per-key pipeline:
//
//   - debounce: rapid consecutive plain messages from the same sender join
//     into one body, newline-separated
//   - fragments: oversized messages that a transport split at its hard size
//     limit are reassembled by sequence adjacency
//   - media groups: albums arriving as separate messages buffer until the
//     group settles, then flush as one unit with all attachments
//
// Control commands and media-bearing messages bypass the debounce window so
// they are never delayed behind text.
package coalesce
