package voice

import (
	"os"

	"github.com/charmbracelet/log"
)

// Log is the package-level structured logger; subsystems take a
// prefixed child (Log.WithPrefix("clusterfs"), Log.WithPrefix("engine"),
// Log.WithPrefix("collection")) rather than rolling their own. The rrdata
// package keeps its own logger and does not derive from this one. Replacing the
// default is as simple as reassigning Log before opening any filesystem,
// since every child logger is derived from it at construction time, not
// cached across calls.
var Log = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	Prefix:          "voice",
})
