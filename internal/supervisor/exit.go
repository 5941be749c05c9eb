package supervisor

import "os"

// osExit is the production exitFunc; isolated in its own file so
// supervisor_test.go can swap it out without touching the rest of the
// package's imports.
func osExit(code int) {
	os.Exit(code)
}
