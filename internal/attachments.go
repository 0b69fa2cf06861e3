package internal

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Attachments back the photo message kind: a client uploads the bytes
// first, then sends an envelope referencing the returned attachment id.
// The transport never carries the bytes themselves.

const defaultMaxFileSize = 10 * 1024 * 1024

// HandleAttachmentUpload accepts one multipart file field named "file" and
// returns the attachment id to reference in a send envelope.
func (s *Server) HandleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if s.uploadDir == "" {
		writeError(w, http.StatusServiceUnavailable, errors.New("uploads disabled"))
		return
	}
	maxSize := s.maxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d bytes", maxSize))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("missing file field"))
		return
	}
	defer file.Close()

	attachmentID := uuid.NewString()
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	dst, err := os.Create(filepath.Join(s.uploadDir, attachmentID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	size, err := io.Copy(dst, file)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(filepath.Join(s.uploadDir, attachmentID))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if err := s.store.SaveAttachment(r.Context(), attachmentID, id.UserID, header.Filename, contentType, size); err != nil {
		_ = os.Remove(filepath.Join(s.uploadDir, attachmentID))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"attachment_id": attachmentID,
		"name":          header.Filename,
		"size":          size,
	})
}

// HandleAttachmentDownload streams a previously uploaded attachment.
func (s *Server) HandleAttachmentDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	attachmentID := strings.TrimPrefix(r.URL.Path, "/api/attachments/")
	if attachmentID == "" || strings.Contains(attachmentID, "/") {
		writeError(w, http.StatusBadRequest, errors.New("invalid attachment id"))
		return
	}
	meta, err := s.store.GetAttachment(r.Context(), attachmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, errors.New("attachment not found"))
		return
	}
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	http.ServeFile(w, r, filepath.Join(s.uploadDir, attachmentID))
}
