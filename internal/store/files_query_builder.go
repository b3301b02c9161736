package store

import (
	"strings"
)

type fileQueryBuilder struct {
	filter FileFilter
	query  string
	args   []any
	where  []string
}

func buildFileListQuery(filter FileFilter) (string, []any) {
	b := &fileQueryBuilder{filter: filter, query: fileSelect}
	b.buildWhere()
	b.buildOrder()
	b.buildPagination()
	return b.query, b.args
}

func buildFileCountQuery(filter FileFilter) (string, []any) {
	b := &fileQueryBuilder{filter: filter, query: "SELECT COUNT(*) FROM files"}
	b.buildWhere()
	return b.query, b.args
}

func (b *fileQueryBuilder) buildWhere() {
	b.appendFilename()
	b.appendMediaType()
	b.appendTimeRange()
	b.appendSizeRange()
	b.appendDigest()

	if len(b.where) == 0 {
		return
	}
	b.query += " WHERE " + strings.Join(b.where, " AND ")
}

func (b *fileQueryBuilder) buildOrder() {
	if b.filter.OrderBySize {
		b.query += " ORDER BY files.size_bytes ASC, files.id ASC"
		return
	}
	b.query += " ORDER BY files.created_at DESC, files.id ASC"
}

func (b *fileQueryBuilder) buildPagination() {
	hasLimit := false
	if b.filter.Limit > 0 {
		b.query += " LIMIT ?"
		b.args = append(b.args, b.filter.Limit)
		hasLimit = true
	}
	if b.filter.Offset > 0 {
		if !hasLimit {
			b.query += " LIMIT -1"
		}
		b.query += " OFFSET ?"
		b.args = append(b.args, b.filter.Offset)
	}
}

func (b *fileQueryBuilder) appendFilename() {
	value := strings.TrimSpace(b.filter.FilenameContains)
	if value == "" {
		return
	}
	b.where = append(b.where, "LOWER(files.filename) LIKE ? ESCAPE '\\'")
	b.args = append(b.args, "%"+escapeLike(strings.ToLower(value))+"%")
}

func (b *fileQueryBuilder) appendMediaType() {
	value := strings.ToLower(strings.TrimSpace(b.filter.MediaType))
	if value == "" {
		return
	}
	b.where = append(b.where, "files.media_type LIKE ? ESCAPE '\\'")
	if strings.HasSuffix(value, "/") {
		b.args = append(b.args, escapeLike(value)+"%")
		return
	}
	b.args = append(b.args, "%"+escapeLike(value)+"%")
}

func (b *fileQueryBuilder) appendTimeRange() {
	if b.filter.UploadedAfter != nil {
		b.where = append(b.where, "files.created_at >= ?")
		b.args = append(b.args, dbFormatTime(*b.filter.UploadedAfter))
	}
	if b.filter.UploadedBefore != nil {
		b.where = append(b.where, "files.created_at <= ?")
		b.args = append(b.args, dbFormatTime(*b.filter.UploadedBefore))
	}
}

func (b *fileQueryBuilder) appendSizeRange() {
	if b.filter.MinSize != nil {
		b.where = append(b.where, "files.size_bytes >= ?")
		b.args = append(b.args, *b.filter.MinSize)
	}
	if b.filter.MaxSize != nil {
		b.where = append(b.where, "files.size_bytes <= ?")
		b.args = append(b.args, *b.filter.MaxSize)
	}
}

func (b *fileQueryBuilder) appendDigest() {
	if b.filter.Digest == "" {
		return
	}
	b.where = append(b.where, "files.digest = ?")
	b.args = append(b.args, b.filter.Digest)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
