package memory

import "errors"

var errInjected = errors.New("injected store failure")
