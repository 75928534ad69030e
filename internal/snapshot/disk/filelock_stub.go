//go:build !unix

package disk

import "os"

// Non-unix platforms rely on the rename being atomic.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
