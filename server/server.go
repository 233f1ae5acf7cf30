package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wgdzlh/tillermap"
	"github.com/wgdzlh/tillermap/log"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 8 << 20
	mediaPrefix  = "/media/"
	tiffType     = "image/tiff"
)

// 分蘖密度图生成
type Generator interface {
	Run(ctx context.Context, req tillermap.Request) (*tillermap.Result, error)
}

type Server struct {
	httpServer *http.Server
	gen        Generator
	mediaRoot  string
	publicBase string
	logTag     string
}

type successResponse struct {
	Status string           `json:"status"`
	CogURL string           `json:"cog_url"`
	Bounds tillermap.Bounds `json:"bounds"`
	CRS    string           `json:"crs"`
}

type errorResponse struct {
	Status string `json:"status,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error"`
}

// publicBase为对外访问的根地址，为空时按请求的Host拼接
func New(addr string, gen Generator, mediaRoot, publicBase string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		gen:        gen,
		mediaRoot:  mediaRoot,
		publicBase: strings.TrimRight(publicBase, "/"),
		logTag:     "Server:",
	}
	mux.HandleFunc("/generateTillerDensityMap/", s.handleGenerate)
	mux.HandleFunc("GET "+mediaPrefix+"{filename}", s.handleMedia)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

func (s *Server) Start() error {
	log.Info(s.logTag+"http server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed. Use POST."})
		return
	}
	var req tillermap.Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "InputValidationError", Error: "invalid JSON body: " + err.Error()})
		return
	}
	res, err := s.gen.Run(r.Context(), req)
	if err != nil {
		kind := tillermap.KindOf(err)
		writeJSON(w, StatusOf(err), errorResponse{Status: "error", Kind: kind, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, successResponse{
		Status: "success",
		CogURL: s.mediaURL(r, res.Filename),
		Bounds: res.Bounds,
		CRS:    res.CRS,
	})
}

// 错误类别对应的HTTP状态码
func StatusOf(err error) int {
	switch {
	case errors.Is(err, tillermap.ErrInputValidation):
		return http.StatusBadRequest
	case errors.Is(err, tillermap.ErrNoOverlap), errors.Is(err, tillermap.ErrGeometryRepair):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tillermap.ErrSourceAcquisition), errors.Is(err, tillermap.ErrPredictor):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) mediaURL(r *http.Request, name string) string {
	base := s.publicBase
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		}
		base = scheme + "://" + r.Host
	}
	return base + mediaPrefix + name
}

// 支持Range请求的输出文件下载
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid file path."})
		return
	}
	f, err := os.Open(filepath.Join(s.mediaRoot, name))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "File not found."})
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "File not found."})
		return
	}
	w.Header().Set("Content-Type", tiffType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeContent(w, r, name, st.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
