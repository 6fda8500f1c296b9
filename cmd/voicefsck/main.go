// voicefsck checks a cluster filesystem image for consistency: supercluster
// link sanity, chain termination, collection slot validity, per-stream
// control/data chain parsing, and orphaned clusters. It never modifies the
// image.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/rodamaral/voicecommentary/voice"
)

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "print every problem, not just the summary")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: voicefsck [-v] <image>\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}
	path := pflag.Arg(0)

	store, err := voice.NewFileStore(path)
	if err != nil {
		fatalf("opening %s: %v", path, err)
	}
	defer store.Close()
	fs, err := voice.Open(store)
	if err != nil {
		fatalf("opening %s: %v", path, err)
	}

	report, err := voice.Fsck(fs)
	if err != nil {
		fatalf("checking %s: %v", path, err)
	}

	fmt.Printf("%s: %d clusters (%d used, %d free, %d orphaned), %d streams (%d broken)\n",
		path, report.TotalClusters, report.UsedClusters, report.FreeClusters,
		report.OrphanClusters, report.Streams, report.BrokenStreams)
	if *verbose {
		for _, p := range report.Problems {
			fmt.Printf("  %s\n", p)
		}
	}
	if len(report.Problems) > 0 {
		if !*verbose {
			fmt.Printf("%d problems found (re-run with -v for details)\n", len(report.Problems))
		}
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "voicefsck: "+format+"\n", args...)
	os.Exit(1)
}
