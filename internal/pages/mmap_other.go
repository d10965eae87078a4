//go:build !unix

package pages

// mapAnon falls back to Go-heap memory where anonymous mmap is unavailable.
func mapAnon(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
