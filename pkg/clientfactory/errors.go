package clientfactory

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid client config")
	ErrInvalidProxy  = errors.New("invalid proxy settings")
)

// ConstructionError reports that the TLS trust context could not be built.
// No client is returned alongside it.
type ConstructionError struct {
	Cause error
}

func (e *ConstructionError) Error() string {
	if e == nil || e.Cause == nil {
		return "construct http client"
	}
	return "construct http client: " + e.Cause.Error()
}

func (e *ConstructionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
