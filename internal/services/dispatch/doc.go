// Package dispatch runs batched, rate-limited bulk-message sends.
//
// # Concepts
//
// A dispatch run takes one Request (message template, channel, contact list,
// transport) and works through the validated recipients in fixed-size
// batches, waiting a randomized few seconds between sends and a randomized
// few minutes between batches so the traffic looks human to providers that
// flag bursts.
//
// # Progress
//
// Run returns a channel of Progress snapshots, ending in exactly one
// terminal snapshot (completed, cancelled or error). Events arrive in the
// order they are produced; the engine knows nothing about how they are
// serialized to a client. The caller must drain the channel.
//
// # Delivery semantics
//
// Sends are best-effort and per-recipient: one failure is recorded and the
// run moves on. Quota is reserved for the whole run up front and committed
// with the actual number of successes on every exit path, so failed or
// cancelled runs never burn quota they did not use. Send-record persistence
// is best-effort; the transport outcome alone decides success.
package dispatch
