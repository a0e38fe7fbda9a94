// Package memory implements the store interfaces in process memory.
//
// It backs the unit tests of every postsync component and the "memory"
// store modes used for local development.
package memory
