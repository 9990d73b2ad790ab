package pmta

import "errors"

var (
	ErrNoContent       = errors.New("injection has no html, text or raw content")
	ErrInjectorMissing = errors.New("injector url not configured")
)
