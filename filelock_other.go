//go:build !unix

package writeq

// lockFile is a no-op where flock is unavailable; the in-process mutex in
// FileStateBackend still serializes writers within one process.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
