// Package fileutil は添付ファイルの判定と表示のユーティリティを提供する。
package fileutil

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// DefaultContentType は種別を判定できない場合のContent-Type。
const DefaultContentType = "application/octet-stream"

// DefaultAllowedExtensions は添付を許可する拡張子の既定値。
var DefaultAllowedExtensions = []string{
	// 画像
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".svg",
	// 文書
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".txt", ".rtf", ".odt", ".ods", ".odp",
	// アーカイブ
	".zip", ".rar", ".tar", ".gz", ".7z",
	// その他
	".csv", ".json", ".xml",
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".webp": true, ".svg": true, ".ico": true, ".tiff": true, ".tif": true,
}

// IsAllowedFile は拡張子が許可リストに含まれるかを返す。
// allowed を省略した場合は DefaultAllowedExtensions を使う。
func IsAllowedFile(filename string, allowed ...string) bool {
	if len(allowed) == 0 {
		allowed = DefaultAllowedExtensions
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

// FormatFileSize はバイト数を "1.5 MB" のような表記に変換する。
func FormatFileSize(size int64) string {
	v := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if v < 1024 {
			return fmt.Sprintf("%.1f %s", v, unit)
		}
		v /= 1024
	}
	return fmt.Sprintf("%.1f TB", v)
}

// IsImage は画像ファイルかどうかを返す。contentType が指定されていればそれを優先する。
func IsImage(filename, contentType string) bool {
	if contentType != "" {
		return strings.HasPrefix(contentType, "image/")
	}
	if filename != "" {
		return imageExtensions[strings.ToLower(filepath.Ext(filename))]
	}
	return false
}

// ContentType はファイル名からContent-Typeを推測する。
func ContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return DefaultContentType
	}
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return DefaultContentType
	}
	// "text/plain; charset=utf-8" のようなパラメータは除く
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return ct
}
