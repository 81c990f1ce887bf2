package handler

import (
	"fmt"
	"html"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

var mimeTypes = map[string]string{
	"ico":  "image/x-icon",
	"jpeg": "image/jpeg",
	"jpe":  "image/jpeg",
	"jpg":  "image/jpeg",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
	"gif":  "image/gif",
	"png":  "image/png",
	"bmp":  "image/bmp",
	"css":  "text/css",
	"htm":  httpconn.HTMLMimeType,
	"html": httpconn.HTMLMimeType,
	"java": "text/plain",
	"json": "application/json",
	"doc":  "application/msword",
	"xls":  "application/vnd.ms-excel",
	"ppt":  "application/vnd.ms-powerpoint",
	"pps":  "application/vnd.ms-powerpoint",
	"js":   "application/x-javascript",
	"jse":  "application/x-javascript",
	"reg":  "application/octet-stream",
	"eps":  "application/postscript",
	"ps":   "application/postscript",
	"gz":   "application/x-gzip",
	"hta":  "application/hta",
	"jar":  "application/zip",
	"zip":  "application/zip",
	"pdf":  "application/pdf",
	"qt":   "video/quicktime",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"wav":  "audio/x-wav",
	"snd":  "audio/basic",
	"mid":  "audio/basic",
	"au":   "audio/basic",
	"mpeg": "video/mpeg",
	"mpe":  "video/mpeg",
	"mpg":  "video/mpeg",
}

// MimeType maps a file name to a Content-Type by extension, HTML when the
// extension is unknown.
func MimeType(name string) string {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if t, ok := mimeTypes[strings.ToLower(ext)]; ok {
		return t
	}
	return httpconn.HTMLMimeType
}

// Document serves static files from Root/<Host header>/<path>. A directory
// serves its index.html and a pre-compressed "<file>.gz" sibling is
// preferred when present.
type Document struct {
	Root string
	// Report404 answers missing files with 404 instead of passing them on.
	Report404 bool
}

func NewDocument(root string, report404 bool) *Document {
	return &Document{Root: root, Report404: report404}
}

func siteHost(c *httpconn.Connection) string {
	host := c.Header("Host")
	if host == "" || strings.ContainsAny(host, `/\`) || strings.HasPrefix(host, ".") {
		return "localhost"
	}
	return host
}

func (h *Document) Present(c *httpconn.Connection) core.Processed {
	if c.Method != "GET" {
		return core.NotHandled
	}

	urlPath := c.URL.Path
	if urlPath == "" {
		urlPath = "/"
	}
	site := filepath.Join(h.Root, siteHost(c))
	fullPath := filepath.Join(site, filepath.FromSlash(path.Clean("/"+urlPath)))
	if fullPath != site && !strings.HasPrefix(fullPath, site+string(filepath.Separator)) {
		logger.Warn("Document path escapes site root", "path", urlPath, "remote_addr", c.RemoteAddr())
		return h.notFound(c, urlPath)
	}
	if info, err := os.Stat(fullPath); err == nil && info.IsDir() {
		fullPath = filepath.Join(fullPath, "index.html")
	}
	contentType := MimeType(fullPath)

	servePath := fullPath
	gzipped := false
	if _, err := os.Stat(fullPath + ".gz"); err == nil {
		servePath = fullPath + ".gz"
		gzipped = true
	}

	if info, err := os.Stat(servePath); err == nil && info.Mode().IsRegular() {
		lastModified := info.ModTime().UTC().Format(httpconn.WebDateFormat)
		c.SetContentType(contentType)
		if gzipped {
			c.AddResponseHeader("Content-Encoding", "gzip")
		}
		c.AddResponseHeader("Last-Modified", lastModified)

		if c.Header("If-Modified-Since") == lastModified {
			c.Status = 304
			c.Response("")
			return core.HandledAndReusable
		}

		data, err := os.ReadFile(servePath)
		if err == nil {
			c.ResponseData(data)
			return core.HandledAndReusable
		}
		logger.Warn("Could not read document", "path", servePath, "error", err)
		c.Status = 500
		c.Response(fmt.Sprintf("<b>Could not read:</b> %s", html.EscapeString(urlPath)))
		return core.HandledAndReusable
	}

	return h.notFound(c, urlPath)
}

func (h *Document) notFound(c *httpconn.Connection, urlPath string) core.Processed {
	if !h.Report404 {
		return core.NotHandled
	}
	logger.Info("404 File not found", "path", urlPath, "host", siteHost(c))
	c.Status = 404
	c.Response(fmt.Sprintf("<b>File not found:</b> %s", html.EscapeString(urlPath)))
	return core.HandledAndReusable
}
