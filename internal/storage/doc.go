// Package storage persists scheduled meetings.
//
// Two drivers are available: "sqlite" (the production backend, a single
// database file) and "memory" (process-local, used in tests and for
// throwaway runs). Both guarantee that an item id, once assigned, is
// never handed out again for the lifetime of the store.
package storage
