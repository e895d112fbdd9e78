// Package dispatch runs one poll, compute and fan-out cycle at a time and
// delivers each user's market_update frame to all of that user's devices.
//
// A cycle snapshots active profiles, polls the union of their monitored assets
// once, computes signals per user, encodes one frame per user and hands the
// same bytes to every live session of that user. Sessions accept each cycle
// number at most once, so manual re-pushes never interleave with scheduled
// cycles.
package dispatch
