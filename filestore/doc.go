// Package filestore abstracts the filesystem consumed by the file delivery
// engine behind a small capability interface, so transactions never touch
// the host filesystem directly.
//
// NativeFileStore implements the interface rooted at a single directory.
// All protocol-visible paths are relative to that root and are validated
// against directory traversal before use.
package filestore
