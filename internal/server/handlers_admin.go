package server

import (
	"fmt"
	"net/http"

	"dedupstore/internal/api"
	"dedupstore/internal/dedup"
)

func (s *Server) handleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	dryRun, err := queryBool(r, "dry_run")
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	if !dryRun && r.Header.Get("X-Confirm") != "true" {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("non-dry-run requires X-Confirm: true header"), ErrCodeMissingRequired))
		return
	}

	if !s.acquireLimiter(s.reconcileLimiter, w, r, "reconcile") {
		return
	}
	defer s.releaseLimiter(s.reconcileLimiter)

	result, err := s.files.Reconcile(r.Context(), dryRun)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, reconcileResponse(result))
}

func reconcileResponse(result *dedup.ReconcileResult) api.ReconcileResponse {
	resp := api.ReconcileResponse{
		DryRun:           result.DryRun,
		Recounted:        make([]api.RefDrift, 0, len(result.Recounted)),
		RemovedBlobs:     result.RemovedBlobs,
		ReclaimedBytes:   result.ReclaimedBytes,
		FailedRemovals:   result.FailedRemovals,
		OrphanBlobs:      result.OrphanBlobs,
		MissingBlobs:     result.MissingBlobs,
		DanglingFiles:    result.DanglingFiles,
		TempFilesRemoved: result.TempFilesRemoved,
	}
	for _, drift := range result.Recounted {
		resp.Recounted = append(resp.Recounted, api.RefDrift{
			Digest:   drift.Digest,
			Recorded: drift.Recorded,
			Actual:   drift.Actual,
		})
	}
	if resp.MissingBlobs == nil {
		resp.MissingBlobs = []string{}
	}
	if resp.DanglingFiles == nil {
		resp.DanglingFiles = []string{}
	}
	return resp
}
