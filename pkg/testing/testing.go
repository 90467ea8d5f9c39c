package testing

import (
	"os"
	"path"
	"runtime"
)

// Importing this package for its side effect moves the test process to the
// repository root, so relative paths (logs/, data/) resolve the same way they
// do for cmd/dispenser:
//
//	import _ "liyu1981.xyz/medipi-dispenser/pkg/testing"
func init() {
	_, filename, _, _ := runtime.Caller(0)
	dir := path.Join(path.Dir(filename), "..", "..")
	if err := os.Chdir(dir); err != nil {
		panic(err)
	}
}
