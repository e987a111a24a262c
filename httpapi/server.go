package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"github.com/codekingibk/nodehost/core"
	"github.com/codekingibk/nodehost/internal/logx"
	"github.com/codekingibk/nodehost/internal/termstream"
	"github.com/codekingibk/nodehost/schema"
)

// Server serves the instance control API, the file API, and the terminal
// websocket. Account identity comes from a request header; there is no
// session layer.
type Server struct {
	cfg       Config
	instances *core.InstanceService
	files     *core.FileService
	sup       *core.Supervisor
	stream    *termstream.Channel
}

// NewServer constructs an HTTP server over the core services.
func NewServer(cfg Config, instances *core.InstanceService, files *core.FileService, sup *core.Supervisor, stream *termstream.Channel) *Server {
	return &Server{
		cfg:       cfg,
		instances: instances,
		files:     files,
		sup:       sup,
		stream:    stream,
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/instances", s.requireAccount(s.handleInstances))
	mux.HandleFunc("/api/instances/{id}", s.requireAccount(s.handleInstance))
	mux.HandleFunc("/api/instances/{id}/settings", s.requireAccount(s.handleSettings))
	mux.HandleFunc("/api/instances/{id}/renew", s.requireAccount(s.handleRenew))
	mux.HandleFunc("/api/instances/{id}/audit", s.requireAccount(s.handleAudit))
	mux.HandleFunc("/api/instances/{id}/start", s.requireAccount(s.handleStart))
	mux.HandleFunc("/api/instances/{id}/stop", s.requireAccount(s.handleStop))
	mux.HandleFunc("/api/instances/{id}/install", s.requireAccount(s.handleInstall))

	mux.HandleFunc("/api/instances/{id}/files", s.requireAccount(s.handleTree))
	mux.HandleFunc("/api/instances/{id}/files/content", s.requireAccount(s.handleContent))
	mux.HandleFunc("/api/instances/{id}/files/save", s.requireAccount(s.handleSave))
	mux.HandleFunc("/api/instances/{id}/files/mkdir", s.requireAccount(s.handleMkdir))
	mux.HandleFunc("/api/instances/{id}/files/delete", s.requireAccount(s.handleDelete))
	mux.HandleFunc("/api/instances/{id}/files/rename", s.requireAccount(s.handleRename))
	mux.HandleFunc("/api/instances/{id}/files/upload", s.requireAccount(s.handleUpload))
	mux.HandleFunc("/api/instances/{id}/files/download", s.requireAccount(s.handleDownload))
	mux.HandleFunc("/api/instances/{id}/files/archive", s.requireAccount(s.handleArchive))
	mux.HandleFunc("/api/instances/{id}/files/capture", s.requireAccount(s.handleCapture))

	mux.HandleFunc("/api/instances/{id}/terminal", s.requireAccount(s.handleTerminal))

	return withRequestLogging(mux, s.cfg.accountHeader())
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	log := logx.WithAccount(r.Context(), account)
	switch r.Method {
	case http.MethodGet:
		instances, err := s.instances.List(r.Context(), account)
		if err != nil {
			log.Warn("http instance list failed", "err", err)
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
		log.Info("http instance list ok", "count", len(instances))
	case http.MethodPost:
		var payload struct {
			Name        string `json:"name"`
			NodeVersion string `json:"node_version"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http instance create decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		inst, err := s.instances.Create(r.Context(), account, payload.Name, payload.NodeVersion)
		if err != nil {
			log.Warn("http instance create failed", "err", err)
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)
		log.Info("http instance create ok", "instance", inst.ID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, inst)
	case http.MethodDelete:
		if err := s.instances.Delete(r.Context(), inst.ID); err != nil {
			log.Warn("http instance delete failed", "err", err)
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		log.Info("http instance delete ok")
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
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
		Name        string          `json:"name"`
		NodeVersion string          `json:"node_version"`
		EnvVars     []schema.EnvVar `json:"env_vars"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http settings decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.instances.UpdateSettings(r.Context(), inst.ID, payload.Name, payload.NodeVersion, payload.EnvVars)
	if err != nil {
		log.Warn("http settings update failed", "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
	log.Info("http settings update ok", "env_vars", len(updated.EnvVars))
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
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
	renewed, err := s.instances.Renew(r.Context(), inst.ID)
	if err != nil {
		log.Warn("http renew failed", "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, renewed)
	log.Info("http renew ok", "expires_at", renewed.ExpiresAt)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 0)
	records, err := s.instances.Audit(r.Context(), inst.ID, limit)
	if err != nil {
		logx.WithInstance(r.Context(), inst.ID).Warn("http audit failed", "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
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
		StartCommand string `json:"start_command"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		log.Warn("http start decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Reject malformed commands before the asynchronous launch so the
	// caller sees the validation failure.
	if _, err := core.ParseStartCommand(payload.StartCommand); err != nil {
		log.Warn("http start rejected", "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	go func(id schema.InstanceID, command string) {
		ctx := pslog.ContextWithLogger(context.Background(), log)
		if err := s.sup.Start(ctx, id, command); err != nil {
			log.Warn("instance start failed", "err", err)
		}
	}(inst.ID, payload.StartCommand)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	log.Info("http start accepted")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
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
	if err := s.sup.Stop(r.Context(), inst.ID); err != nil {
		log.Warn("http stop failed", "err", err)
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http stop ok")
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
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
	go func(id schema.InstanceID) {
		ctx := pslog.ContextWithLogger(context.Background(), log)
		if err := s.sup.Install(ctx, id); err != nil {
			log.Warn("dependency install failed", "err", err)
		}
	}(inst.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	log.Info("http install accepted")
}

// ownInstance loads the instance and verifies account ownership. A record
// owned by another account reads as not found.
func (s *Server) ownInstance(ctx context.Context, account schema.AccountID, id schema.InstanceID) (schema.Instance, error) {
	if id == "" {
		return schema.Instance{}, schema.ErrInstanceNotFound
	}
	inst, err := s.instances.Get(ctx, id)
	if err != nil {
		return schema.Instance{}, err
	}
	if inst.AccountID != account {
		return schema.Instance{}, schema.ErrInstanceNotFound
	}
	return inst, nil
}

func (s *Server) requireAccount(next func(http.ResponseWriter, *http.Request, schema.AccountID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := schema.AccountID(strings.TrimSpace(r.Header.Get(s.cfg.accountHeader())))
		if account == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing account header"))
			return
		}
		log := logx.Ctx(r.Context()).With("account", account)
		ctx := logx.ContextWithAccount(pslog.ContextWithLogger(r.Context(), log), account)
		next(w, r.WithContext(ctx), account)
	}
}

func instanceID(r *http.Request) schema.InstanceID {
	return schema.InstanceID(r.PathValue("id"))
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// httpStatus maps core errors onto response codes. Unknown errors are
// treated as validation failures rather than server faults; the core layer
// wraps genuine internal errors distinctly.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, schema.ErrInstanceNotFound), errors.Is(err, schema.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInstanceLimit), errors.Is(err, schema.ErrInstanceExpired):
		return http.StatusConflict
	case errors.Is(err, schema.ErrFileTooLarge), errors.Is(err, schema.ErrStorageLimit):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
