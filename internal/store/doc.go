// Package store holds the optional persistence around the gateway and the
// search loop: a Redis mirror of the worker registry and a SQL round ledger.
package store
