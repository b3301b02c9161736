package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dedupstore/internal/models"
	"dedupstore/internal/store"
)

const maxListLimit = 1000

func parseFileFilter(r *http.Request) (store.FileFilter, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return store.FileFilter{}, err
	}
	if limit > maxListLimit {
		return store.FileFilter{}, badRequestCode(fmt.Errorf("limit must be <= %d", maxListLimit), ErrCodeInvalidQuery)
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		return store.FileFilter{}, err
	}

	query := r.URL.Query()
	filter := store.FileFilter{
		FilenameContains: strings.TrimSpace(query.Get("filename")),
		MediaType:        models.NormalizeMediaType(query.Get("media_type")),
		Limit:            limit,
		Offset:           offset,
	}

	switch sort := strings.TrimSpace(query.Get("sort")); sort {
	case "", "created":
	case "size":
		filter.OrderBySize = true
	default:
		return store.FileFilter{}, badRequestCode(fmt.Errorf("invalid sort: %s", sort), ErrCodeInvalidQuery)
	}

	if filter.UploadedAfter, err = parseTimeFilter(r, "uploaded_after"); err != nil {
		return store.FileFilter{}, err
	}
	if filter.UploadedBefore, err = parseTimeFilter(r, "uploaded_before"); err != nil {
		return store.FileFilter{}, err
	}
	if filter.MinSize, err = parseSizeFilter(r, "min_size"); err != nil {
		return store.FileFilter{}, err
	}
	if filter.MaxSize, err = parseSizeFilter(r, "max_size"); err != nil {
		return store.FileFilter{}, err
	}

	if filter.UploadedAfter != nil && filter.UploadedBefore != nil && filter.UploadedAfter.After(*filter.UploadedBefore) {
		return store.FileFilter{}, badRequestCode(fmt.Errorf("uploaded_after must not be later than uploaded_before"), ErrCodeInvalidTimeFilter)
	}
	if filter.MinSize != nil && filter.MaxSize != nil && *filter.MinSize > *filter.MaxSize {
		return store.FileFilter{}, badRequestCode(fmt.Errorf("min_size must not exceed max_size"), ErrCodeInvalidSizeFilter)
	}

	return filter, nil
}

func parseTimeFilter(r *http.Request, key string) (*time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return nil, nil
	}

	parsed, err := parseFlexibleTime(value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseSizeFilter(r *http.Request, key string) (*int64, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return nil, badRequestCode(fmt.Errorf("%s must be a non-negative integer", key), ErrCodeInvalidSizeFilter)
	}
	return &parsed, nil
}
