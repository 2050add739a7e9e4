package webserver

import (
	"encoding/json"
	"net/http"
	"runtime"

	"go.uber.org/zap"
)

// DefaultHandlers configures the diagnostic pages every node serves.
type DefaultHandlers struct {
	// Settings is rendered as JSON on /varz.
	Settings interface{}
	// Level is served on /logz; GET reads it and PUT changes it.
	Level zap.AtomicLevel
}

// AddDefaultPathHandlers mounts /healthz, /varz, /memz and /logz on ws.
func AddDefaultPathHandlers(ws PathHandlerRegistrar, d DefaultHandlers) {
	ws.RegisterPathHandler("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	ws.RegisterPathHandler("/varz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Settings)
	}))
	ws.RegisterPathHandler("/memz", http.HandlerFunc(memz))
	ws.RegisterPathHandler("/logz", d.Level)
}

type memStats struct {
	Alloc        uint64 `json:"alloc_bytes"`
	TotalAlloc   uint64 `json:"total_alloc_bytes"`
	Sys          uint64 `json:"sys_bytes"`
	HeapInuse    uint64 `json:"heap_inuse_bytes"`
	HeapObjects  uint64 `json:"heap_objects"`
	NumGC        uint32 `json:"num_gc"`
	NumGoroutine int    `json:"num_goroutine"`
}

func memz(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeJSON(w, memStats{
		Alloc:        ms.Alloc,
		TotalAlloc:   ms.TotalAlloc,
		Sys:          ms.Sys,
		HeapInuse:    ms.HeapInuse,
		HeapObjects:  ms.HeapObjects,
		NumGC:        ms.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
