package rrdata

import (
	"os"

	"github.com/charmbracelet/log"
)

// Log is this package's structured logger, a child of voice.Log in spirit
// (same charmbracelet/log backend and prefix convention) but independent
// in code, since rrdata has no dependency on the voice package.
var Log = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	Prefix:          "rrdata",
})
