// Package dedupe remembers replies for recently seen requests so a
// retransmitted request can be answered from the cache.
package dedupe
