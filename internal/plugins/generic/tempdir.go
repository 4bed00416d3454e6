package generic

import "os"

// tempMountDir is overridable in tests.
var tempMountDir = func(prefix string) (string, error) {
	return os.MkdirTemp("", prefix)
}
