package utils

import (
	"context"
	"log"
	"runtime"
	"time"
)

// MonitorResources logs goroutine and heap usage every interval until ctx is
// done. Long discrete-event runs leak nothing when these stay flat.
func MonitorResources(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var memStats runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		runtime.ReadMemStats(&memStats)
		log.Printf("[Resource Monitor] Goroutines: %d | HeapAlloc: %.2f KB | HeapObjects: %d\n",
			runtime.NumGoroutine(),
			float64(memStats.HeapAlloc)/1024,
			memStats.HeapObjects,
		)
	}
}
