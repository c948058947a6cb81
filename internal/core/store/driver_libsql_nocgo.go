//go:build !cgo

package store

const libsqlAvailable = false
