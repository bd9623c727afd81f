// Package storage is the optional append-only execution history log.
//
// It records terminal job results for operators; nothing in it is read back
// into the scheduler at boot.
package storage
