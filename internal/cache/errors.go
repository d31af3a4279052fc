package cache

import "fmt"

// LoadError reports a cache file that exists but could not be read or decoded.
// The caller decides whether to repair (purge and refetch) or give up.
// Folder is set when the file belongs to a registered folder's store.
type LoadError struct {
	Folder string
	Path   string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Folder != "" {
		return fmt.Sprintf("failed to load %s (folder %s): %v", e.Path, e.Folder, e.Err)
	}
	return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
}

// FailedFolders lists the folders named by the LoadErrors joined into err
func FailedFolders(err error) []string {
	var names []string
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case *LoadError:
			if e.Folder != "" {
				names = append(names, e.Folder)
			}
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return names
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// StoreError reports a failure to relocate or remove a folder's backing directory
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
