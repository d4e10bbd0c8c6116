//go:build debug

package debug

import (
	"fmt"
	"os"
)

const Debug = true

// Print writes trace output to stderr so it never mixes with command
// output on stdout.
func Print(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "debug: "+format, args...)
}
