package server

import (
	"net/http"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /health", s.handleHealth)

	// Files collection.
	mux.HandleFunc("POST /v1/files", s.handleUploadFile)
	mux.HandleFunc("GET /v1/files", s.handleListFiles)
	mux.HandleFunc("GET /v1/files/small", s.handleListSmallFiles)

	// Single file.
	mux.HandleFunc("GET /v1/files/{id}", s.handleGetFile)
	mux.HandleFunc("GET /v1/files/{id}/content", s.handleGetFileContent)
	mux.HandleFunc("DELETE /v1/files/{id}", s.handleDeleteFile)

	// Storage statistics.
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	// Admin.
	mux.HandleFunc("POST /v1/admin/reconcile", s.handleAdminReconcile)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}
