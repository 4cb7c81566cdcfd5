package api

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/iammorganparry/clive/apps/memengine/internal/memory"
)

type AdminHandler struct {
	registry  *memory.Registry
	exportDir string
	// File transfer is refused unless requests are authenticated.
	transfers bool
}

func NewAdminHandler(registry *memory.Registry, exportDir string, authenticated bool) *AdminHandler {
	return &AdminHandler{registry: registry, exportDir: exportDir, transfers: authenticated && exportDir != ""}
}

type pathRequest struct {
	Path string `json:"path"`
}

// Stats handles GET /stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	stats, err := e.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Optimize handles POST /optimize
func (h *AdminHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	report, err := e.Optimize(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Export handles POST /export
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	name, path, ok := h.resolvePath(w, r)
	if !ok {
		return
	}
	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	if err := e.Export(r.Context(), path); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": name, "status": "exported"})
}

// Import handles POST /import
func (h *AdminHandler) Import(w http.ResponseWriter, r *http.Request) {
	_, path, ok := h.resolvePath(w, r)
	if !ok {
		return
	}
	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	result, err := e.Import(r.Context(), path)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolvePath maps the requested file name onto the export directory. Absolute
// paths and names that climb out of the directory are rejected.
func (h *AdminHandler) resolvePath(w http.ResponseWriter, r *http.Request) (name, path string, ok bool) {
	if !h.transfers {
		writeError(w, http.StatusForbidden, "export and import are disabled: set MEMORY_API_KEY and MEMORY_EXPORT_DIR")
		return "", "", false
	}
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return "", "", false
	}
	name = strings.TrimSpace(req.Path)
	if name == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return "", "", false
	}
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		writeError(w, http.StatusBadRequest, "path must be relative to the export directory")
		return "", "", false
	}

	name = filepath.Clean(name)
	root := filepath.Clean(h.exportDir)
	path = filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		writeError(w, http.StatusBadRequest, "path escapes the export directory")
		return "", "", false
	}
	return rel, path, true
}
