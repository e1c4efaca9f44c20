package helpers

import "io"

// ReadAllAndClose drains r and closes it, whatever ReadAll returned.
func ReadAllAndClose(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}
