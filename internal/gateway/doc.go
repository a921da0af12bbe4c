// Package gateway implements the capability-addressed worker registry, the
// lease health monitor and the request router that forwards work to live
// workers by capability tag.
//
// Workers register with a (tag, address) pair and receive a lease that must be
// renewed before it lapses. Lookup only ever returns workers whose lease is
// still valid, so a crashed worker disappears from routing at its expiry
// instant even before the health monitor sweeps it.
package gateway
