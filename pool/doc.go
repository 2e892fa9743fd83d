// Package pool provides small generic object-pooling primitives shared
// by the reactor core, avoiding per-call allocation on hot paths.
package pool
