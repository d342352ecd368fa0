package supervisor

import "errors"

// ErrReconnectExhausted is returned by Run when the reconnect policy gives up.
// It is one of the two process-fatal conditions (the other is ConfigError).
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ConfigError reports an invalid schedule or supervisor configuration. It is
// fatal at startup and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Reason
}
