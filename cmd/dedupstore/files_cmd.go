package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/spf13/cobra"

	"dedupstore/internal/api"
	"dedupstore/internal/config"
)

func newUploadCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	var name string
	var mediaType string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "upload <path> [<path>...]",
		Short: "Upload files; identical content is stored once",
		Long:  "Upload files. Use - to read from stdin (requires --name).",
		Args:  requireAtLeastArgs(1, "at least one path is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) > 1 {
				return fmt.Errorf("--name can only be used with a single path")
			}
			hideBar := quiet || out.structured()
			return withClient(cmd.Context(), cfg, func(client *api.Client) error {
				results := make([]api.UploadResponse, 0, len(args))
				for _, path := range args {
					resp, err := uploadPath(cmd, client, path, name, mediaType, hideBar)
					if err != nil {
						return fmt.Errorf("upload %s: %w", path, err)
					}
					if !out.structured() {
						if err := writeUploadResult(resp); err != nil {
							return err
						}
					}
					results = append(results, resp)
				}
				if !out.structured() {
					return nil
				}
				if len(results) == 1 {
					return writeStructured(out, results[0])
				}
				return writeStructured(out, results)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "filename to record (defaults to the path's base name)")
	cmd.Flags().StringVar(&mediaType, "media-type", "", "media type to record (detected when omitted)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

func uploadPath(cmd *cobra.Command, client *api.Client, path, name, mediaType string, quiet bool) (api.UploadResponse, error) {
	if path == "-" {
		if name == "" {
			return api.UploadResponse{}, fmt.Errorf("--name is required when reading stdin")
		}
		bar := newTransferBar(-1, name, quiet)
		defer bar.Finish()
		return client.Upload(cmd.Context(), trackReader(cmd.InOrStdin(), bar), name, mediaType)
	}

	f, err := os.Open(path)
	if err != nil {
		return api.UploadResponse{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return api.UploadResponse{}, err
	}
	if info.IsDir() {
		return api.UploadResponse{}, fmt.Errorf("%s is a directory", path)
	}
	if name == "" {
		name = filepath.Base(path)
	}

	bar := newTransferBar(info.Size(), name, quiet)
	defer bar.Finish()
	return client.Upload(cmd.Context(), trackReader(f, bar), name, mediaType)
}

type listFlags struct {
	filename  string
	mediaType string
	after     string
	before    string
	minSize   string
	maxSize   string
	bySize    bool
	limit     int
	offset    int
}

func (f listFlags) query() (api.ListQuery, error) {
	q := api.ListQuery{
		Filename:    f.filename,
		MediaType:   f.mediaType,
		OrderBySize: f.bySize,
		Limit:       f.limit,
		Offset:      f.offset,
	}
	var err error
	if q.UploadedAfter, err = parseTimeFlag("after", f.after); err != nil {
		return q, err
	}
	if q.UploadedBefore, err = parseTimeFlag("before", f.before); err != nil {
		return q, err
	}
	if q.MinSize, err = parseSizeFlag("min-size", f.minSize); err != nil {
		return q, err
	}
	if q.MaxSize, err = parseSizeFlag("max-size", f.maxSize); err != nil {
		return q, err
	}
	return q, nil
}

func newListCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	var flags listFlags

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored files",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), cfg, func(client *api.Client) error {
				resp, err := client.ListFiles(cmd.Context(), q)
				if err != nil {
					return err
				}
				if out.structured() {
					return writeStructured(out, resp)
				}
				return writeFileList(resp.Files)
			})
		},
	}

	cmd.Flags().StringVar(&flags.filename, "filename", "", "filter by filename substring (case-insensitive)")
	cmd.Flags().StringVar(&flags.mediaType, "media-type", "", "filter by media type (prefix such as image/ or exact type)")
	cmd.Flags().StringVar(&flags.after, "after", "", "only files uploaded at or after this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.before, "before", "", "only files uploaded before this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.minSize, "min-size", "", "minimum size, e.g. 4KB")
	cmd.Flags().StringVar(&flags.maxSize, "max-size", "", "maximum size, e.g. 1MB")
	cmd.Flags().BoolVar(&flags.bySize, "by-size", false, "sort by size instead of upload time")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum number of files")
	cmd.Flags().IntVar(&flags.offset, "offset", 0, "number of files to skip")
	return cmd
}

func newSmallCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	var maxSize string

	cmd := &cobra.Command{
		Use:   "small",
		Short: "List files no larger than a size, smallest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxBytes, err := config.ParseSize(maxSize)
			if err != nil {
				return fmt.Errorf("invalid --max-size: %w", err)
			}
			return withClient(cmd.Context(), cfg, func(client *api.Client) error {
				resp, err := client.ListSmall(cmd.Context(), maxBytes)
				if err != nil {
					return err
				}
				if out.structured() {
					return writeStructured(out, resp)
				}
				return writeFileList(resp.Files)
			})
		},
	}

	cmd.Flags().StringVar(&maxSize, "max-size", config.DefaultSmallFileThreshold, "size threshold, e.g. 1MB")
	return cmd
}

func newShowCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id> [<id>...]",
		Short: "Show file details",
		Args:  requireAtLeastOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(client *api.Client) error {
				files := make([]api.FileResponse, 0, len(args))
				for _, id := range args {
					file, err := client.GetFile(cmd.Context(), id)
					if err != nil {
						return err
					}
					files = append(files, file)
				}
				if out.structured() {
					if len(files) == 1 {
						return writeStructured(out, files[0])
					}
					return writeStructured(out, files)
				}
				for i, file := range files {
					if i > 0 {
						if err := writePlain("\n"); err != nil {
							return err
						}
					}
					if err := writeFileDetail(file); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newDownloadCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	var output string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download a file's content",
		Long:  "Download a file's content. Writes to the recorded filename unless -o is given; -o - writes to stdout.",
		Args:  requireOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withClient(cmd.Context(), cfg, func(client *api.Client) error {
				file, err := client.GetFile(cmd.Context(), id)
				if err != nil {
					return err
				}

				target := output
				if target == "" {
					target = file.Filename
				}
				if target == "-" {
					_, err := client.Download(cmd.Context(), id, stdout)
					return err
				}

				n, err := downloadToFile(cmd, client, file, target, quiet || out.structured())
				if err != nil {
					return err
				}
				if out.structured() {
					return writeStructured(out, map[string]any{"id": id, "path": target, "size_bytes": n})
				}
				return writePlain("wrote %s (%d bytes)\n", target, n)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination path, or - for stdout")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

// downloadToFile writes into a pending file and replaces target only once
// the transfer completes.
func downloadToFile(cmd *cobra.Command, client *api.Client, file api.FileResponse, target string, quiet bool) (int64, error) {
	pending, err := renameio.TempFile("", target)
	if err != nil {
		return 0, err
	}
	defer pending.Cleanup()

	bar := newTransferBar(file.SizeBytes, file.Filename, quiet)
	n, err := client.Download(cmd.Context(), file.ID, trackWriter(pending, bar))
	_ = bar.Finish()
	if err != nil {
		return 0, err
	}
	if n != file.SizeBytes {
		return 0, fmt.Errorf("short download: got %d of %d bytes", n, file.SizeBytes)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, err
	}
	return n, nil
}

func newRemoveCmd(cfg *config.Config, out *outputFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id> [<id>...]",
		Aliases: []string{"delete"},
		Short:   "Delete files; content is removed with its last reference",
		Args:    requireAtLeastOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(client *api.Client) error {
				for _, id := range args {
					if err := client.DeleteFile(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
				}
				if out.structured() {
					return writeStructured(out, map[string]any{"deleted": args})
				}
				return writePlain("deleted %s\n", strings.Join(args, ", "))
			})
		},
	}
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, value, time.UTC); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("invalid --%s %q: use RFC3339 or YYYY-MM-DD", name, value)
}

func parseSizeFlag(name, value string) (*int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	n, err := config.ParseSize(value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &n, nil
}
