package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/printdesk/internal/orchestrator"
)

const maxUploadSize = 50 << 20 // 50MB

// MessageRequest is an inbound message from the messaging gateway.
type MessageRequest struct {
	UserID      string                   `json:"user_id"`
	DisplayName string                   `json:"display_name"`
	Text        string                   `json:"text"`
	Attachment  *orchestrator.Attachment `json:"attachment"`
}

// handleMessage queues the message by default; with ?sync=true the turns run
// immediately, bypassing the debounce window, and their results are returned.
func handleMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if strings.TrimSpace(req.Text) == "" && req.Attachment == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text or attachment is required")
			return
		}
		if req.Attachment != nil {
			path, err := uploadPath(deps.UploadDir, req.Attachment.Path)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "attachment: %v", err)
				return
			}
			att := *req.Attachment
			att.Path = path
			req.Attachment = &att
		}

		dispatch(w, r, deps, orchestrator.Inbound{
			UserID:      req.UserID,
			DisplayName: req.DisplayName,
			Text:        req.Text,
			Attachment:  req.Attachment,
		})
	}
}

// handleUpload stores a multipart "file" under the upload directory and
// submits it as the user's attachment.
func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		userID := r.FormValue("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		path, err := saveUpload(deps.UploadDir, header.Filename, file)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing upload: %v", err)
			return
		}

		dispatch(w, r, deps, orchestrator.Inbound{
			UserID:      userID,
			DisplayName: r.FormValue("display_name"),
			Attachment: &orchestrator.Attachment{
				Path:     path,
				Filename: header.Filename,
				MimeType: header.Header.Get("Content-Type"),
			},
		})
	}
}

func saveUpload(dir, filename string, src io.Reader) (string, error) {
	if dir == "" {
		return "", errors.New("no upload directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.New().String()+strings.ToLower(filepath.Ext(filename)))
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, dst.Close()
}

// uploadPath resolves p, absolute or relative to dir, following symlinks,
// and rejects anything outside dir.
func uploadPath(dir, p string) (string, error) {
	if dir == "" {
		return "", errors.New("no upload directory configured")
	}
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("resolving upload directory: %w", err)
	}
	if root, err = filepath.Abs(root); err != nil {
		return "", err
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", errors.New("file not found in the upload directory")
	}
	if resolved, err = filepath.Abs(resolved); err != nil {
		return "", err
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("file must be inside the upload directory")
	}
	return resolved, nil
}

func dispatch(w http.ResponseWriter, r *http.Request, deps Deps, in orchestrator.Inbound) {
	if r.URL.Query().Get("sync") != "true" {
		if err := deps.Engine.HandleInbound(r.Context(), in); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	var results []orchestrator.TurnResult
	if in.Attachment != nil {
		results = append(results, deps.Engine.RunAttachment(r.Context(), in.UserID, in.DisplayName, *in.Attachment))
	}
	if strings.TrimSpace(in.Text) != "" {
		results = append(results, deps.Engine.RunTurn(r.Context(), in.UserID, in.DisplayName, in.Text))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
