package batch

import (
	zlog "github.com/rs/zerolog/log"
)

var log = zlog.With().Str("component", "batch").Logger()
