// Package httpapi exposes the colony counter over HTTP for web clients and
// automation.
package httpapi

import (
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"softagar/internal/core"
	"softagar/internal/detect"
	"softagar/internal/imageio"
	"softagar/pkg/domain"
)

const (
	serviceName    = "Soft Agar Colony Counter API"
	serviceVersion = "1.0.0"

	// Uploads larger than this are rejected while parsing the multipart body.
	maxUploadBytes = 256 << 20
)

// Options configures the HTTP surface.
type Options struct {
	Logger       zerolog.Logger
	CORSOrigins  []string
	FrontendDist string
	Metrics      http.Handler // optional, mounted at MetricsPath
	MetricsPath  string
}

// Handler serves the REST API.
type Handler struct {
	svc    *core.Service
	logger zerolog.Logger
}

// NewRouter assembles the chi router with middleware, API routes, and
// optional SPA hosting.
func NewRouter(svc *core.Service, opts Options) http.Handler {
	h := &Handler{svc: svc, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(opts.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors(opts.CORSOrigins))
	}

	r.Get("/api", h.apiInfo)
	r.Post("/upload", h.upload)
	r.Get("/image/{imageID}", h.fetchImage)
	r.Get("/image/{imageID}/preview", h.fetchPreview)
	r.Post("/process/{imageID}", h.process(false))
	r.Post("/process/{imageID}/with-mask", h.process(true))
	r.Post("/annotations/{imageID}", h.annotate)
	r.Get("/results/{sessionID}", h.results)

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, opts.Metrics)
	}
	if opts.FrontendDist != "" {
		mountFrontend(r, opts.FrontendDist)
	}
	return r
}

func (h *Handler) apiInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"service": serviceName, "version": serviceVersion})
}

// UploadImageInfo describes one accepted upload.
type UploadImageInfo struct {
	ImageID  string `json:"image_id"`
	Filename string `json:"filename"`
}

// UploadResponse is the /upload reply.
type UploadResponse struct {
	SessionID string            `json:"session_id"`
	Images    []UploadImageInfo `json:"images"`
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No files provided.")
		return
	}

	sess, err := h.svc.EnsureSession(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	uploads := make([]UploadImageInfo, 0, len(files))
	for _, fh := range files {
		data, err := readMultipartFile(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
			return
		}
		if len(data) == 0 {
			continue
		}
		filename := fh.Filename
		if filename == "" {
			filename = "upload"
		}
		rec, err := h.svc.StoreImage(r.Context(), sess.ID, filename, data)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		uploads = append(uploads, UploadImageInfo{ImageID: rec.ID, Filename: rec.Filename})
	}
	if len(uploads) == 0 {
		writeError(w, http.StatusBadRequest, "No non-empty files were uploaded.")
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{SessionID: sess.ID, Images: uploads})
}

func (h *Handler) fetchImage(w http.ResponseWriter, r *http.Request) {
	rec, rc, err := h.svc.OpenImage(r.Context(), chi.URLParam(r, "imageID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer rc.Close()

	mediaType, ok := imageio.GuessMediaType(rec.Filename)
	if !ok {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", rec.Filename))
	if _, err := copyBody(w, rc); err != nil {
		h.logger.Warn().Err(err).Str("image_id", rec.ID).Msg("streaming image failed")
	}
}

func (h *Handler) fetchPreview(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.Preview(r.Context(), chi.URLParam(r, "imageID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// ProcessResponse is the /process reply.
type ProcessResponse struct {
	ImageID    string          `json:"image_id"`
	SessionID  string          `json:"session_id"`
	Count      int             `json:"count"`
	Colonies   []domain.Colony `json:"colonies"`
	Parameters detect.Params   `json:"parameters"`
	MaskPNG    *string         `json:"mask_png"`
}

func (h *Handler) process(withMask bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := detect.DefaultParams()
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid detection parameters")
			return
		}
		includeMask := withMask
		if withMask {
			if q := r.URL.Query().Get("include_mask"); q != "" {
				includeMask = strings.EqualFold(q, "true")
			}
		}

		out, err := h.svc.ProcessImage(r.Context(), chi.URLParam(r, "imageID"), params)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := ProcessResponse{
			ImageID:    out.Record.ID,
			SessionID:  out.Record.SessionID,
			Count:      out.Record.Detection.Count,
			Colonies:   out.Record.Detection.Colonies,
			Parameters: params,
		}
		if resp.Colonies == nil {
			resp.Colonies = []domain.Colony{}
		}
		if includeMask && out.Mask != nil {
			if encoded, err := imageio.EncodePNG(out.Mask); err == nil {
				s := base64.StdEncoding.EncodeToString(encoded)
				resp.MaskPNG = &s
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// AnnotationRequest carries manual correction markers.
type AnnotationRequest struct {
	ManualAdded   []domain.Colony `json:"manual_added"`
	ManualRemoved []domain.Colony `json:"manual_removed"`
}

// AnnotationResponse reports the reconciled counts.
type AnnotationResponse struct {
	ImageID       string `json:"image_id"`
	SessionID     string `json:"session_id"`
	AutoCount     int    `json:"auto_count"`
	ManualAdded   int    `json:"manual_added"`
	ManualRemoved int    `json:"manual_removed"`
	FinalCount    int    `json:"final_count"`
}

func (h *Handler) annotate(w http.ResponseWriter, r *http.Request) {
	var req AnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid annotation payload")
		return
	}
	rec, err := h.svc.UpdateAnnotations(r.Context(), chi.URLParam(r, "imageID"), req.ManualAdded, req.ManualRemoved)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AnnotationResponse{
		ImageID:       rec.ID,
		SessionID:     rec.SessionID,
		AutoCount:     rec.AutoCount(),
		ManualAdded:   len(rec.ManualAdded),
		ManualRemoved: len(rec.ManualRemoved),
		FinalCount:    rec.FinalCount(),
	})
}

var resultColumns = []string{"filename", "count", "auto_count", "manual_added", "manual_removed", "image_id", "parameters"}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	records, err := h.svc.SessionRecords(r.Context(), sessionID)
	if err != nil && !domain.IsNotFound(err) {
		writeDomainError(w, err)
		return
	}
	// Unknown sessions and sessions without uploads read the same to
	// exporting clients.
	if err != nil || len(records) == 0 {
		writeError(w, http.StatusNotFound, "Session not found or has no images.")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "results_"+sessionID+".csv"))

	cw := csv.NewWriter(w)
	_ = cw.Write(resultColumns)
	for _, rec := range records {
		params := ""
		if rec.Detection != nil && len(rec.Detection.Parameters) > 0 {
			if b, err := json.Marshal(rec.Detection.Parameters); err == nil {
				params = string(b)
			}
		}
		_ = cw.Write([]string{
			rec.Filename,
			fmt.Sprintf("%d", rec.FinalCount()),
			fmt.Sprintf("%d", rec.AutoCount()),
			fmt.Sprintf("%d", len(rec.ManualAdded)),
			fmt.Sprintf("%d", len(rec.ManualRemoved)),
			rec.ID,
			params,
		})
	}
	cw.Flush()
}
