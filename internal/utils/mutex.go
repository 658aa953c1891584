package utils

import "sync"

// gdalMu serializes GDAL dataset access, which is not safe for concurrent use.
var gdalMu sync.Mutex

func ExecuteWithMutex(fn func()) {
	gdalMu.Lock()
	defer gdalMu.Unlock()
	fn()
}
