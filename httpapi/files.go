package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/codekingibk/nodehost/internal/logx"
	"github.com/codekingibk/nodehost/schema"
)

// maxUploadBytes caps a multipart upload body. The store's own byte
// ceilings still apply to the decoded file.
const maxUploadBytes = 2 << 20

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	tree, err := s.files.Tree(r.Context(), inst.ID)
	if err != nil {
		logx.WithInstance(r.Context(), inst.ID).Warn("http file tree failed", "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": tree})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	filePath := r.URL.Query().Get("path")
	rec, err := s.files.Read(r.Context(), inst.ID, filePath)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":       filePath,
		"content":    rec.Content,
		"updated_at": rec.UpdatedAt,
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	var payload struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http file save decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.files.Save(r.Context(), inst.ID, payload.Path, payload.Content); err != nil {
		log.Warn("http file save failed", "path", payload.Path, "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http file save ok", "path", payload.Path, "bytes", len(payload.Content))
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	var payload struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.files.CreateDir(r.Context(), inst.ID, payload.Path); err != nil {
		log.Warn("http mkdir failed", "path", payload.Path, "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http mkdir ok", "path", payload.Path)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	var payload struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	removed, err := s.files.Delete(r.Context(), inst.ID, payload.Path)
	if err != nil {
		log.Warn("http file delete failed", "path", payload.Path, "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
	log.Info("http file delete ok", "path", payload.Path, "removed", removed)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	var payload struct {
		OldPath string `json:"old_path"`
		NewPath string `json:"new_path"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.files.Rename(r.Context(), inst.ID, payload.OldPath, payload.NewPath); err != nil {
		log.Warn("http file rename failed", "old", payload.OldPath, "new", payload.NewPath, "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http file rename ok", "old", payload.OldPath, "new", payload.NewPath)
}

// handleUpload stores one multipart file under the form field "file". An
// optional "path" field overrides the destination; it defaults to the
// uploaded file name at the root.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		log.Warn("http upload parse failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("missing file field"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dest := r.FormValue("path")
	if dest == "" {
		dest = path.Base(header.Filename)
	}
	if err := s.files.Save(r.Context(), inst.ID, dest, string(data)); err != nil {
		log.Warn("http upload failed", "path", dest, "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": dest, "bytes": len(data)})
	log.Info("http upload ok", "path", dest, "bytes", len(data))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	filePath := r.URL.Query().Get("path")
	rec, err := s.files.Read(r.Context(), inst.ID, filePath)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	name := path.Base(filePath)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, rec.Content)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	name := inst.Name
	if name == "" {
		name = string(inst.ID)
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fmt.Sprintf("%s.zip", name)}))
	if err := s.files.Archive(r.Context(), inst.ID, w); err != nil {
		// Headers are already out; all we can do is log.
		log.Warn("http archive failed", "err", err)
		return
	}
	log.Info("http archive ok")
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	if err := s.files.Capture(r.Context(), inst.ID); err != nil {
		log.Warn("http capture failed", "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http capture ok")
}
