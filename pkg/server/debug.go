package server

import (
	"net/http"
	"net/http/pprof"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// debugTopAllocators bounds how many functions the snapshot and diff views
// report.
const debugTopAllocators = 20

// debugRoutes exposes the leak-hunting surface, gated by DEBUG_MEMORY_TOKEN:
// watcher status, heap profiles, and a snapshot/diff pair that names the
// functions whose live heap grew since the snapshot. With no token
// configured the whole surface is disabled.
func (s *Server) debugRoutes(r chi.Router) {
	r.Use(s.debugTokenMiddleware)

	r.Get("/", s.handleMemoryStats)
	r.Get("/snapshot", s.handleHeapSnapshot)
	r.Get("/diff", s.handleHeapDiff)
	r.Get("/stop", s.handleHeapStop)
	r.Get("/heap", func(w http.ResponseWriter, r *http.Request) {
		pprof.Handler("heap").ServeHTTP(w, r)
	})
	r.Get("/goroutine", func(w http.ResponseWriter, r *http.Request) {
		pprof.Handler("goroutine").ServeHTTP(w, r)
	})
	r.Get("/allocs", func(w http.ResponseWriter, r *http.Request) {
		pprof.Handler("allocs").ServeHTTP(w, r)
	})
}

func (s *Server) debugTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Guards.DebugToken
		if token == "" {
			writeError(w, http.StatusNotFound, kindAuthRequired, "debug endpoint disabled")
			return
		}
		if !tokenEqual(r.URL.Query().Get("token"), token) &&
			!tokenEqual(r.Header.Get("X-Debug-Token"), token) {
			writeError(w, http.StatusUnauthorized, kindAuthInvalid, "invalid debug token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allocator is one function's live heap attribution.
type allocator struct {
	Function string `json:"function"`
	Bytes    int64  `json:"bytes"`
}

// heapByFunction aggregates the live heap profile by allocating function.
func heapByFunction() map[string]int64 {
	n, _ := runtime.MemProfile(nil, true)
	var records []runtime.MemProfileRecord
	for {
		records = make([]runtime.MemProfileRecord, n+50)
		var ok bool
		n, ok = runtime.MemProfile(records, true)
		if ok {
			records = records[:n]
			break
		}
	}

	agg := make(map[string]int64, len(records))
	for _, rec := range records {
		name := "unknown"
		for _, pc := range rec.Stack() {
			if fn := runtime.FuncForPC(pc); fn != nil {
				name = fn.Name()
				break
			}
		}
		agg[name] += rec.InUseBytes()
	}
	return agg
}

// topAllocators sorts an attribution map by descending magnitude and keeps
// the first max entries. Zero deltas are dropped.
func topAllocators(byFunc map[string]int64, max int) []allocator {
	out := make([]allocator, 0, len(byFunc))
	for name, bytes := range byFunc {
		if bytes == 0 {
			continue
		}
		out = append(out, allocator{Function: name, Bytes: bytes})
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].Bytes, out[j].Bytes
		if bi < 0 {
			bi = -bi
		}
		if bj < 0 {
			bj = -bj
		}
		if bi != bj {
			return bi > bj
		}
		return out[i].Function < out[j].Function
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// handleHeapSnapshot retains the current per-function heap attribution as
// the baseline for later diffs and reports its top allocators.
func (s *Server) handleHeapSnapshot(w http.ResponseWriter, r *http.Request) {
	current := heapByFunction()

	s.debugMu.Lock()
	s.heapBase = current
	s.heapBaseAt = time.Now().UTC()
	takenAt := s.heapBaseAt
	s.debugMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "snapshot taken",
		"taken_at":       takenAt,
		"functions":      len(current),
		"top_allocators": topAllocators(current, debugTopAllocators),
	})
}

// handleHeapDiff reports the functions whose live heap changed most since
// the snapshot. Without a snapshot there is nothing to diff against.
func (s *Server) handleHeapDiff(w http.ResponseWriter, r *http.Request) {
	s.debugMu.Lock()
	base := s.heapBase
	takenAt := s.heapBaseAt
	s.debugMu.Unlock()

	if base == nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "no snapshot to diff against")
		return
	}

	current := heapByFunction()
	deltas := make(map[string]int64, len(current))
	for name, bytes := range current {
		deltas[name] = bytes - base[name]
	}
	for name, bytes := range base {
		if _, seen := current[name]; !seen {
			deltas[name] = -bytes
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_at": takenAt,
		"elapsed":     time.Since(takenAt).String(),
		"top_deltas":  topAllocators(deltas, debugTopAllocators),
	})
}

// handleHeapStop discards the retained baseline.
func (s *Server) handleHeapStop(w http.ResponseWriter, r *http.Request) {
	s.debugMu.Lock()
	had := s.heapBase != nil
	s.heapBase = nil
	s.heapBaseAt = time.Time{}
	s.debugMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "tracking stopped",
		"had_snapshot": had,
	})
}
