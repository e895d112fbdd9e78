// Package signal maps market quotes to per-user LED and buzzer signals.
//
// Everything here is a pure function of its inputs: the same quote, threshold and
// invested flag always produce the same Signal. The buzzer decision is made here
// once per (user, asset) so devices only render the flag.
package signal
