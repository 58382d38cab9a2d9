package config

import "errors"

// ErrParse is returned when a backing file cannot be read or parsed.
// The previously loaded document is retained.
var ErrParse = errors.New("config: parse error")
