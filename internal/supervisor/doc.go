// Package supervisor keeps one transport session alive per channel.
//
// A supervisor owns a reconnect loop around a transport factory: it opens a
// session, watches it with a heartbeat log and a silent-stall watchdog, and
// on close reconnects with bounded exponential backoff. Authentication loss
// stops the loop permanently; an operator has to re-login, retrying would
// just burn the rate limit.
//
// Every state transition is pushed to the registered status sinks and
// readable via Status at any time.
package supervisor
