// Package dedupe guards the inbound path against redelivered messages.
// Transports may replay messages after a reconnect; the guard remembers
// recently processed message identities for a bounded window.
package dedupe
