package shmem

import (
	zlog "github.com/rs/zerolog/log"
)

// log is the package logger. Callers configure the global zerolog output;
// the library only tags its component.
var log = zlog.With().Str("component", "shmem").Logger()
