// Package locker implements mutual exclusion on named resources across processes that share
// one store.Store.
//
// A Manager keeps no state between calls; the lock record lives only in the store. Acquire
// writes a fresh random token with set-if-absent and a TTL, Release and Extend act only when
// the stored token still matches, so a holder whose lease already expired can never free or
// prolong a lock that somebody else now owns.
//
// Known limits:
//   - waiters are not served in any order; whichever poll lands first after the key is freed wins
//   - there are no fencing tokens, a holder that outlives its TTL keeps running while a new
//     holder starts; protected resources must fence writes themselves if that matters
//   - expiry relies on the store clock, large skew between processes and the store shortens or
//     stretches the effective lease
package locker
