//go:build !unix

package daemon

import "os"

// No flock on this platform. Run one syncing process per database.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
