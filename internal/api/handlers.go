package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dfci-online/luminate-cookbook/internal/browser"
	"github.com/dfci-online/luminate-cookbook/internal/pagebuilder"
	"github.com/dfci-online/luminate-cookbook/internal/session"
	"github.com/dfci-online/luminate-cookbook/internal/textclean"
	"github.com/dfci-online/luminate-cookbook/pkg/models"
)

const maxUploadBytes = 10 << 20 // per file

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
}

// Handler holds dependencies for the HTTP handlers.
type Handler struct {
	sessions   *session.Manager
	decomposer *pagebuilder.Decomposer
	log        logrus.FieldLogger
}

// NewHandler creates the HTTP handler set.
func NewHandler(sessions *session.Manager, decomposer *pagebuilder.Decomposer, log logrus.FieldLogger) *Handler {
	return &Handler{
		sessions:   sessions,
		decomposer: decomposer,
		log:        log,
	}
}

// StartUpload handles POST /v1/uploads. Multipart form: username, password,
// and one or more files. Responds as soon as the login attempt has been
// classified; the second-factor step never blocks this call.
func (h *Handler) StartUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	creds := models.Credentials{
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
	}
	if creds.Username == "" || creds.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		http.Error(w, "at least one file is required", http.StatusBadRequest)
		return
	}

	payload, tempDir, err := h.stageFiles(files)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	view, err := h.sessions.Start(r.Context(), creds, payload, cleanup)
	if err != nil {
		cleanup()
		switch {
		case errors.Is(err, session.ErrCapacity):
			http.Error(w, "Server busy: too many concurrent sessions", http.StatusServiceUnavailable)
		case errors.Is(err, browser.ErrLaunch):
			http.Error(w, "Browser automation unavailable", http.StatusBadGateway)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, models.StartUploadResponse{
		SessionID: view.ID,
		State:     string(view.State),
		Needs2FA:  view.Needs2FA,
		Message:   view.Message,
		Error:     failureMessage(view.Failure),
	})
}

// SubmitCode handles POST /v1/uploads/{id}/code.
func (h *Handler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.TwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if len(req.Code) != 6 {
		http.Error(w, "code must be 6 digits", http.StatusBadRequest)
		return
	}

	view, err := h.sessions.SubmitCode(r.Context(), id, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			http.Error(w, "Session not found or expired", http.StatusNotFound)
		case errors.Is(err, session.ErrInvalidState):
			http.Error(w, fmt.Sprintf("Session not awaiting a code (state: %s)", view.State), http.StatusConflict)
		case errors.Is(err, session.ErrExpired):
			http.Error(w, "Session expired waiting for the security code", http.StatusGone)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, models.TwoFactorResponse{
		Success: view.State != session.StateFailed,
		State:   string(view.State),
		Message: view.Message,
		Error:   failureMessage(view.Failure),
	})
}

// GetStatus handles GET /v1/uploads/{id}. Polling never extends a
// session's life.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	view, err := h.sessions.Status(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	resp := models.UploadStatusResponse{
		SessionID:      view.ID,
		State:          string(view.State),
		Needs2FA:       view.Needs2FA,
		Progress:       view.Progress,
		CurrentFile:    view.CurrentFile,
		TotalFiles:     view.TotalFiles,
		CompletedFiles: view.CompletedFiles,
		Results:        view.Results,
		Message:        view.Message,
		TimeRemaining:  int(view.TimeRemaining.Seconds()),
	}
	if view.Failure != nil {
		resp.Error = view.Failure.Message
		resp.ErrorKind = string(view.Failure.Kind)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelUpload handles DELETE /v1/uploads/{id}.
func (h *Handler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cancelled, err := h.sessions.Cancel(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, models.CancelResponse{Success: cancelled})
}

// Health handles GET /v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	reg := h.sessions.Registry()
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:          "ok",
		ActiveSessions:  reg.ActiveCount(),
		SessionCapacity: reg.Capacity(),
	})
}

// AnalyzePageBuilder handles POST /v1/pagebuilder/analyze.
func (h *Handler) AnalyzePageBuilder(w http.ResponseWriter, r *http.Request) {
	result, ok := h.decompose(w, r)
	if !ok {
		return
	}

	resp := models.PageBuilderResponse{
		Success:   true,
		Pagename:  result.Pagename,
		Hierarchy: result.Hierarchy,
		Message:   fmt.Sprintf("Found %d PageBuilder(s)", len(result.Names)),
	}
	for _, name := range result.Names {
		included := result.Inclusion[name]
		resp.Components = append(resp.Components, models.PageBuilderComponent{
			Name:       name,
			IsIncluded: included,
			Children:   result.Hierarchy[name],
		})
		if included {
			resp.IncludedComponents++
		} else {
			resp.ExcludedComponents++
		}
	}
	resp.TotalComponents = len(resp.Components)
	writeJSON(w, http.StatusOK, resp)
}

// ExportPageBuilder handles POST /v1/pagebuilder/export, returning a ZIP.
func (h *Handler) ExportPageBuilder(w http.ResponseWriter, r *http.Request) {
	result, ok := h.decompose(w, r)
	if !ok {
		return
	}

	archive, err := h.decomposer.ExportZip(result)
	if err != nil {
		http.Error(w, "Failed to build archive: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s.zip"`, result.Pagename))
	w.Write(archive)
}

// BeautifyEmail handles POST /v1/beautify.
func (h *Handler) BeautifyEmail(w http.ResponseWriter, r *http.Request) {
	var req models.BeautifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RawText) == "" {
		http.Error(w, "rawText is required", http.StatusBadRequest)
		return
	}

	opts := textclean.DefaultOptions()
	if req.StripTracking != nil {
		opts.StripTracking = *req.StripTracking
	}
	if req.FormatCTAs != nil {
		opts.FormatCTAs = *req.FormatCTAs
	}
	if req.MarkdownLinks != nil {
		opts.MarkdownLinks = *req.MarkdownLinks
	}

	cleaned, stats := textclean.Beautify(req.RawText, opts)
	writeJSON(w, http.StatusOK, models.BeautifyResponse{
		Success:        true,
		BeautifiedText: cleaned,
		Stats: models.BeautifyStats{
			URLsCleaned:      stats.URLsCleaned,
			CTAsFormatted:    stats.CTAsFormatted,
			LinksConverted:   stats.LinksConverted,
			LinesNormalized:  stats.LinesNormalized,
			TrackingStripped: stats.TrackingStripped,
		},
		Message: "Email beautified",
	})
}

// stageFiles copies uploaded files to a per-session temp directory and
// builds the work item payload.
func (h *Handler) stageFiles(files []*multipart.FileHeader) ([]models.WorkItem, string, error) {
	tempDir, err := os.MkdirTemp("", "cookbook-upload-*")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	var payload []models.WorkItem
	for _, fh := range files {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if !allowedExtensions[ext] {
			os.RemoveAll(tempDir)
			return nil, "", fmt.Errorf("file type %q is not allowed", ext)
		}
		if fh.Size > maxUploadBytes {
			os.RemoveAll(tempDir)
			return nil, "", fmt.Errorf("file %s exceeds the %dMB limit", fh.Filename, maxUploadBytes>>20)
		}

		src, err := fh.Open()
		if err != nil {
			os.RemoveAll(tempDir)
			return nil, "", fmt.Errorf("failed to read %s: %w", fh.Filename, err)
		}

		name := filepath.Base(fh.Filename)
		dstPath := filepath.Join(tempDir, name)
		dst, err := os.Create(dstPath)
		if err != nil {
			src.Close()
			os.RemoveAll(tempDir)
			return nil, "", fmt.Errorf("failed to stage %s: %w", name, err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			os.RemoveAll(tempDir)
			return nil, "", fmt.Errorf("failed to stage %s: %w", name, err)
		}

		payload = append(payload, models.WorkItem{Filename: name, Path: dstPath})
	}
	return payload, tempDir, nil
}

func (h *Handler) decompose(w http.ResponseWriter, r *http.Request) (*pagebuilder.Result, bool) {
	var req models.PageBuilderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}

	pagename := h.decomposer.ExtractPagename(req.URLOrName)
	if pagename == "" {
		http.Error(w, "Could not extract PageBuilder name from input", http.StatusBadRequest)
		return nil, false
	}

	var ignore []string
	if req.IgnoreGlobalStylesheet == nil || *req.IgnoreGlobalStylesheet {
		ignore = append(ignore, "reus_dm_global_stylesheet")
	}

	result, err := h.decomposer.Analyze(r.Context(), pagename, ignore)
	if err != nil {
		h.log.WithError(err).Warn("pagebuilder analysis failed")
		http.Error(w, "PageBuilder analysis failed: "+err.Error(), http.StatusBadGateway)
		return nil, false
	}
	return result, true
}

func failureMessage(f *session.Failure) string {
	if f == nil {
		return ""
	}
	return f.Message
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
