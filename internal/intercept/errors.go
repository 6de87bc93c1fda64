package intercept

import (
	"errors"
	"fmt"
)

// ErrOffline is the cause recorded when the network attempt was skipped
// because the connectivity monitor reported offline.
var ErrOffline = errors.New("offline")

// NetworkError is returned when neither the network nor the cache could
// answer a request.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: no network and no cached response: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// InstallError reports an asset that could not be fetched during Install.
type InstallError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("install %s: http status %d", e.Path, e.StatusCode)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}
