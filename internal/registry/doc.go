// ABOUTME: Package registry tracks clients admitted by the master.
// ABOUTME: It is shared between the master loop and the status surface.

// Package registry holds the master's client table. The master is the only
// writer; the status server reads it through List and Len.
package registry
