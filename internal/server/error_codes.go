package server

import (
	"net/http"

	"dedupstore/internal/api"
	"dedupstore/internal/dedup"
)

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument   = 1000
	ErrCodeInvalidQuery      = 1003
	ErrCodeInvalidID         = 1004
	ErrCodeMissingRequired   = 1009
	ErrCodeInvalidTimeFilter = 1010
	ErrCodeInvalidSizeFilter = 1011
	ErrCodeEmptyPayload      = 1012
	ErrCodeInvalidMultipart  = 1013

	// Domain state (2xxx)
	ErrCodeFileNotFound    = 2001
	ErrCodeContentNotFound = 2002

	// Limits (3xxx)
	ErrCodeResourceExhausted = 3003
	ErrCodePayloadTooLarge   = 3004
	ErrCodeStorageFull       = 3005

	// Internal/system (4xxx)
	ErrCodeInternal     = 4001
	ErrCodeStoreFailure = 4002
	ErrCodeInconsistent = 4006
)

type errorShape struct {
	code    string
	errCode int
}

// statusShapes supplies the code for errors that did not carry one.
var statusShapes = map[int]errorShape{
	http.StatusBadRequest:            {api.CodeInvalidArgument, ErrCodeInvalidArgument},
	http.StatusNotFound:              {api.CodeNotFound, ErrCodeFileNotFound},
	http.StatusRequestEntityTooLarge: {api.CodePayloadTooLarge, ErrCodePayloadTooLarge},
	http.StatusTooManyRequests:       {api.CodeResourceExhausted, ErrCodeResourceExhausted},
	http.StatusInternalServerError:   {api.CodeInternal, ErrCodeInternal},
	http.StatusInsufficientStorage:   {api.CodeStorageFull, ErrCodeStorageFull},
}

type kindShape struct {
	status int
	errorShape
}

var kindShapes = map[dedup.Kind]kindShape{
	dedup.KindNotFound:        {http.StatusNotFound, errorShape{api.CodeNotFound, ErrCodeFileNotFound}},
	dedup.KindPayloadTooLarge: {http.StatusRequestEntityTooLarge, errorShape{api.CodePayloadTooLarge, ErrCodePayloadTooLarge}},
	dedup.KindStorageFull:     {http.StatusInsufficientStorage, errorShape{api.CodeStorageFull, ErrCodeStorageFull}},
	dedup.KindInvalid:         {http.StatusBadRequest, errorShape{api.CodeInvalidArgument, ErrCodeInvalidArgument}},
	dedup.KindInconsistent:    {http.StatusInternalServerError, errorShape{api.CodeInconsistent, ErrCodeInconsistent}},
	dedup.KindIO:              {http.StatusInternalServerError, errorShape{api.CodeInternal, ErrCodeStoreFailure}},
}
