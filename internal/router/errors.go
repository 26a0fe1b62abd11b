package router

import "errors"

var ErrNilRegistry = errors.New("router requires a registry")
