package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"dedupstore/internal/api"
	"dedupstore/internal/models"
)

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadMaxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(s.multipartMaxMemory); err != nil {
		err = s.classifyMultipartError(err)
		s.writeErrorReq(w, r, httpStatusFromError(err), err)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.log().Warn("remove multipart temp files", "error", err)
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("file is required"), ErrCodeMissingRequired))
		return
	}
	defer file.Close()

	filename := firstNonEmpty(r.FormValue("filename"), header.Filename)
	result, err := s.files.Upload(r.Context(), file, filename, strings.TrimSpace(r.FormValue("media_type")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, api.UploadResponse{
		FileRecord:  result.File,
		IsDuplicate: result.IsDuplicate,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFileFilter(r)
	if err != nil {
		s.writeErrorReq(w, r, httpStatusFromError(err), err)
		return
	}

	files, err := s.files.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	total, err := s.files.Count(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if files == nil {
		files = []models.FileRecord{}
	}

	s.writeJSON(w, http.StatusOK, api.ListResponse{
		Files:  files,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// handleListSmallFiles lists files no larger than max_size, smallest first.
func (s *Server) handleListSmallFiles(w http.ResponseWriter, r *http.Request) {
	maxBytes, err := parseSizeFilter(r, "max_size")
	if err != nil {
		s.writeErrorReq(w, r, httpStatusFromError(err), err)
		return
	}
	limit := defaultSmallFileMaxBytes
	if maxBytes != nil {
		limit = *maxBytes
	}

	files, err := s.files.ListSmall(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if files == nil {
		files = []models.FileRecord{}
	}

	s.writeJSON(w, http.StatusOK, api.ListResponse{
		Files: files,
		Total: int64(len(files)),
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r)
	if !ok {
		return
	}

	file, err := s.files.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleGetFileContent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r)
	if !ok {
		return
	}

	dl, err := s.files.Download(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer dl.Body.Close()

	mediaType := dl.File.MediaType
	if mediaType == "" {
		mediaType = models.DefaultMediaType
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.File.Filename}))
	w.Header().Set("ETag", strconv.Quote(dl.File.Digest))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		// Headers are already sent; the client sees a short body.
		s.log().Warn("stream file content", "id", id, "error", err)
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r)
	if !ok {
		return
	}

	if err := s.files.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) classifyMultipartError(err error) error {
	if err == nil {
		return nil
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) || strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		return makeAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", ErrCodePayloadTooLarge,
			fmt.Errorf("payload exceeds %d bytes", s.uploadMaxBytes))
	}
	return badRequestCode(err, ErrCodeInvalidMultipart)
}
