// Package persistence provides the low-level durability primitives
// shared by the storage components: CRC32 integrity checking and
// atomic file replacement.
package persistence
