// Package backoff computes retry delays with exponential growth, a ceiling
// and jitter.
//
// A Policy describes the curve for one failure class; a State carries the
// attempt count between retries. Tasks keep one State per failure class
// (remote unreachable, gateway offline) and own it exclusively, so the
// package needs no locking. The portal can impose an absolute retry
// deadline (Retry-After, account lockout); a deadline pinned into a State
// overrides the exponential schedule until it passes.
package backoff
