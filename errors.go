package netfirst

import "fmt"

var (
	// ErrPrecache matches every *PrecacheError.
	ErrPrecache = fmt.Errorf("Precache failed")
	// ErrNotInstalled is returned when activating a controller that has not been installed.
	ErrNotInstalled = fmt.Errorf("Controller is not installed")
	// ErrAlreadyActive is returned when installing a controller that is already active.
	ErrAlreadyActive = fmt.Errorf("Controller is already active")
	// ErrRedundant is returned by lifecycle operations on a closed controller.
	ErrRedundant = fmt.Errorf("Controller is redundant")
)

// PrecacheError reports a manifest asset that could not be fetched or stored during install.
// The generation is not committed when this error is returned.
type PrecacheError struct {
	Version string
	// URL of the failing asset. Empty if the batch write to the store failed.
	URL string
	Err error
}

func (e *PrecacheError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("precache %s: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("precache %s: %s: %v", e.Version, e.URL, e.Err)
}

func (e *PrecacheError) Unwrap() error {
	return e.Err
}

func (e *PrecacheError) Is(target error) bool {
	return target == ErrPrecache
}
