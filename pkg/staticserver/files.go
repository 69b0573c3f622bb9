package staticserver

import (
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gorilla/mux"
	"github.com/samber/lo"
)

const GeoJSONContentType = "application/geo+json"

// ディレクトリへのリクエストで探すインデックスファイル (優先順)
var indexFiles = []string{"index.html", "index.htm"}

var servedMethods = []string{http.MethodGet, http.MethodHead}

func init() {
	if err := mime.AddExtensionType(".geojson", GeoJSONContentType); err != nil {
		panic(err)
	}
}

type fileHandler struct {
	fsys  fs.FS
	files http.Handler
}

func newFileHandler(root string) *fileHandler {
	fsys := os.DirFS(root)

	return &fileHandler{
		fsys:  fsys,
		files: http.FileServerFS(fsys),
	}
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 部分取得 (Range) には対応せず常に全体を返す
	if r.Header.Get("Range") != "" {
		r = r.Clone(r.Context())
		r.Header.Del("Range")
	}
	w = &noRangesWriter{ResponseWriter: w}

	if strings.HasSuffix(r.URL.Path, "/") {
		if name, ok := h.fallbackIndex(r.URL.Path); ok {
			// ServeFileFS rejects ".." in the request path
			if clean := cleanDir(r.URL.Path); clean != r.URL.Path {
				r = r.Clone(r.Context())
				r.URL.Path = clean
				r.URL.RawPath = ""
			}
			http.ServeFileFS(w, r, h.fsys, name)
			return
		}
	}

	h.files.ServeHTTP(w, r)
}

func cleanDir(urlPath string) string {
	p := path.Clean("/" + urlPath)
	if p != "/" {
		p += "/"
	}
	return p
}

// noRangesWriter drops the Accept-Ranges header the file server advertises.
type noRangesWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *noRangesWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Del("Accept-Ranges")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *noRangesWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *noRangesWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// fallbackIndex returns the secondary index document of a directory. The file
// server already resolves index.html, so only a directory without it but with
// a later candidate yields a name.
func (h *fileHandler) fallbackIndex(urlPath string) (string, bool) {
	dir := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if dir == "" {
		dir = "."
	}

	name, found := lo.Find(indexFiles, func(index string) bool {
		info, err := fs.Stat(h.fsys, path.Join(dir, index))
		return err == nil && info.Mode().IsRegular()
	})
	if !found || name == indexFiles[0] {
		return "", false
	}

	return path.Join(dir, name), true
}

func newRouter(files http.Handler) *mux.Router {
	router := mux.NewRouter().SkipClean(true)

	router.Methods(servedMethods...).PathPrefix("/").Handler(files)
	router.Methods(http.MethodOptions).PathPrefix("/").HandlerFunc(handlePreflight)
	router.MethodNotAllowedHandler = http.HandlerFunc(handleUnsupportedMethod)

	return router
}

// handlePreflight answers CORS preflight requests. Replying 501 here, as for
// other unsupported methods, would make browsers reject the actual request.
func handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func handleUnsupportedMethod(w http.ResponseWriter, r *http.Request) {
	http.Error(w, fmt.Sprintf("Unsupported method (%q)", r.Method), http.StatusNotImplemented)
}
