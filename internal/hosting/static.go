package hosting

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"
)

// SessionChecker reports whether the request carries a valid session,
// used to gate files stored under "private/".
type SessionChecker func(r *http.Request) bool

// AnalyticsBeacon, when non-nil, is injected as a <script> tag immediately
// before </body> in every served HTML document of a site whose manifest.json
// does not opt out of analytics.
type AnalyticsBeacon []byte

// StaticHandler serves files from the VFS for a resolved site, following
// the cache/redirect/SPA-fallback rules of the static serving algorithm.
type StaticHandler struct {
	vfs       *VFS
	manager   *Manager
	checkAuth SessionChecker
	beacon    AnalyticsBeacon
}

// NewStaticHandler creates a StaticHandler.
func NewStaticHandler(vfs *VFS, manager *Manager, checkAuth SessionChecker, beacon AnalyticsBeacon) *StaticHandler {
	return &StaticHandler{vfs: vfs, manager: manager, checkAuth: checkAuth, beacon: beacon}
}

// ServeHTTP serves a request for siteID. reqPath is the URL path (already
// decoded), always starting with "/".
func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request, siteID, reqPath string) {
	// Trailing-slash redirect: canonicalize "/foo/" -> "/foo" before any
	// alias-type or file-serving logic runs, except for the root path.
	if reqPath != "/" && strings.HasSuffix(reqPath, "/") {
		loc := strings.TrimSuffix(reqPath, "/")
		if r.URL.RawQuery != "" {
			loc += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, loc, http.StatusMovedPermanently)
		return
	}

	clean := path.Clean(reqPath)
	if clean == "." {
		clean = "/"
	}

	if strings.HasPrefix(strings.TrimPrefix(clean, "/"), "private/") {
		if h.checkAuth == nil || !h.checkAuth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	filePath := strings.TrimPrefix(clean, "/")
	if filePath == "" {
		filePath = "index.html"
	}

	if f, ok := h.vfs.ReadFile(siteID, filePath); ok {
		h.writeFile(w, r, f, http.StatusOK, siteID)
		return
	}

	// Directory-index fallback: "/about" -> "about/index.html".
	if path.Ext(filePath) == "" {
		indexPath := strings.TrimSuffix(filePath, "/") + "/index.html"
		if f, ok := h.vfs.ReadFile(siteID, indexPath); ok {
			h.writeFile(w, r, f, http.StatusOK, siteID)
			return
		}

		// SPA fallback only applies to extensionless (route-like) paths,
		// and only when the app opted in.
		app, err := h.manager.GetApp(siteID)
		if err == nil && app.SPA {
			if f, ok := h.vfs.ReadFile(siteID, "index.html"); ok {
				h.writeFile(w, r, f, http.StatusOK, siteID)
				return
			}
		}
	}

	h.ServeNotFound(w, r)
}

// ServeNotFound replies with the system "404" site's index.html, falling
// back to a bare http.NotFound if that site is itself unavailable.
func (h *StaticHandler) ServeNotFound(w http.ResponseWriter, r *http.Request) {
	if f, ok := h.vfs.ReadFile(SystemNotFoundSite, "index.html"); ok {
		h.writeFile(w, r, f, http.StatusNotFound, SystemNotFoundSite)
		return
	}
	http.NotFound(w, r)
}

func (h *StaticHandler) writeFile(w http.ResponseWriter, r *http.Request, f *File, status int, siteID string) {
	etag := `"` + f.Hash + `"`
	if status == http.StatusOK {
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", cacheControlFor(f.Path))
	if f.MimeType != "" {
		w.Header().Set("Content-Type", f.MimeType)
	}

	body := f.Content
	if h.beacon != nil && isHTML(f.Path) && h.analyticsEnabled(siteID) {
		body = injectBeacon(body, h.beacon)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// manifest is the subset of an app's manifest.json this handler cares about.
type manifest struct {
	Analytics struct {
		Enabled *bool `json:"enabled"`
	} `json:"analytics"`
}

// analyticsEnabled reports whether siteID's manifest.json opts out of the
// analytics beacon. Analytics are enabled by default: a missing manifest,
// a missing analytics block, or a parse error all mean "enabled".
func (h *StaticHandler) analyticsEnabled(siteID string) bool {
	f, ok := h.vfs.ReadFile(siteID, "manifest.json")
	if !ok {
		return true
	}
	var m manifest
	if err := json.Unmarshal(f.Content, &m); err != nil {
		return true
	}
	if m.Analytics.Enabled == nil {
		return true
	}
	return *m.Analytics.Enabled
}

// cacheControlFor classes a path into one of three Cache-Control tiers:
// HTML documents (never cached, rely on ETag), hashed/fingerprinted
// assets (immutable, one year), and everything else (short-lived default).
func cacheControlFor(p string) string {
	switch {
	case isHTML(p):
		return "no-cache, must-revalidate"
	case isHashedAsset(p):
		return "public, max-age=31536000, immutable"
	default:
		return "public, max-age=300"
	}
}

func isHTML(p string) bool {
	return strings.HasSuffix(p, ".html") || strings.HasSuffix(p, ".htm")
}

// isHashedAsset treats a hyphenated file under assets/ as a
// content-fingerprinted build artifact (e.g. "assets/app-a1b2c3d4.js").
// Files outside assets/ never qualify, however their name is shaped.
func isHashedAsset(p string) bool {
	if isHTML(p) {
		return false
	}
	clean := strings.TrimPrefix(p, "/")
	if !strings.HasPrefix(clean, "assets/") {
		return false
	}
	return strings.Contains(path.Base(clean), "-")
}

// injectBeacon inserts script immediately before the last "</body>" in body,
// or returns body unchanged if no closing body tag is present.
func injectBeacon(body []byte, beacon AnalyticsBeacon) []byte {
	marker := []byte("</body>")
	idx := bytes.LastIndex(body, marker)
	if idx < 0 {
		return body
	}
	out := make([]byte, 0, len(body)+len(beacon))
	out = append(out, body[:idx]...)
	out = append(out, beacon...)
	out = append(out, body[idx:]...)
	return out
}
