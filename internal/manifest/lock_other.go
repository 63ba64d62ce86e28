//go:build !unix

package manifest

// Advisory locking is unavailable; a single writer per manifest is assumed.
type fileLock struct{}

func acquire(string) (*fileLock, error) { return &fileLock{}, nil }

func (l *fileLock) release() error { return nil }
