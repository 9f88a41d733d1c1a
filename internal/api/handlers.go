package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/queue"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// Handler serves the OCR routes.
type Handler struct {
	extractor     processor.TextExtractor
	jobs          queue.Enqueuer
	store         storage.Store
	stats         map[string]StatsFunc
	imageRoot     string
	maxUploadSize int64
	logger        *logging.Logger
}

// ExtractRequestDTO is the JSON body of the extract and search routes.
// Exactly one of ImagePath, ImageURL and Image locates the image.
type ExtractRequestDTO struct {
	ImagePath string          `json:"imagePath,omitempty"`
	ImageURL  string          `json:"imageUrl,omitempty"`
	Image     []byte          `json:"imageBase64,omitempty"`
	Query     string          `json:"query,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// ExtractResponseDTO wraps a result in the success envelope.
type ExtractResponseDTO struct {
	Success bool `json:"success"`
	*processor.Result
}

// ErrorResponseDTO is returned for every failed request. Text is always
// empty and Confidence zero so clients can read failures like results.
type ErrorResponseDTO struct {
	Success    bool    `json:"success"`
	Error      string  `json:"error"`
	Code       string  `json:"code,omitempty"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// JobAcceptedDTO is returned when a job is queued.
type JobAcceptedDTO struct {
	Success bool           `json:"success"`
	JobID   string         `json:"jobId"`
	Status  storage.Status `json:"status"`
}

// Health handles GET /health. The database ping and every stats source
// must succeed for the worker to report healthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := map[string]interface{}{
		"status":    "healthy",
		"engine":    h.extractor.Info().Engine,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("Health check: database unreachable", "error", err)
			status = http.StatusServiceUnavailable
			resp["database"] = err.Error()
		} else {
			resp["database"] = "ok"
		}
	}

	if len(h.stats) > 0 {
		stats := make(map[string]interface{}, len(h.stats))
		for name, fn := range h.stats {
			v, err := fn(ctx)
			if err != nil {
				h.logger.Warn("Health check: stats unavailable", "component", name, "error", err)
				status = http.StatusServiceUnavailable
				stats[name] = map[string]string{"error": err.Error()}
				continue
			}
			stats[name] = v
		}
		resp["stats"] = stats
	}

	if status != http.StatusOK {
		resp["status"] = "degraded"
	}
	writeJSON(w, status, resp)
}

// Info handles GET /ocr/info.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"info":    h.extractor.Info(),
	})
}

// Languages handles GET /ocr/languages.
func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"languages": h.extractor.SupportedLanguages(),
	})
}

// Extract handles POST /ocr/extract.
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	h.extractJSON(w, r, false)
}

// ExtractWithBoxes handles POST /ocr/extract-with-boxes.
func (h *Handler) ExtractWithBoxes(w http.ResponseWriter, r *http.Request) {
	h.extractJSON(w, r, true)
}

// UploadExtract handles POST /ocr/upload-extract.
func (h *Handler) UploadExtract(w http.ResponseWriter, r *http.Request) {
	h.extractUpload(w, r, false)
}

// UploadExtractWithBoxes handles POST /ocr/upload-extract-with-boxes.
func (h *Handler) UploadExtractWithBoxes(w http.ResponseWriter, r *http.Request) {
	h.extractUpload(w, r, true)
}

// Search handles POST /ocr/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	src, opts, req, err := h.decodeExtractRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.extractor.SearchText(r.Context(), src, req.Query, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"query":      res.Query,
		"matches":    res.Matches,
		"matchCount": len(res.Matches),
		"text":       res.Text,
		"confidence": res.Confidence,
	})
}

// SubmitJob handles POST /ocr/jobs. The job is recorded as queued before
// it is handed to the queue so a fast worker never races the first write.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponseDTO{Error: "job queue is not configured"})
		return
	}

	var payload queue.JobPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUploadSize)).Decode(&payload); err != nil {
		h.writeError(w, ocrerrors.NewInvalidRequestError("invalid request body: "+err.Error()))
		return
	}
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}
	if err := payload.Validate(); err != nil {
		h.writeError(w, err)
		return
	}
	if payload.FilePath != "" {
		resolved, err := resolveImagePath(h.imageRoot, payload.FilePath)
		if err != nil {
			h.writeError(w, err)
			return
		}
		payload.FilePath = resolved
	}
	opts, err := processor.ParseOptions(payload.Options)
	if err != nil {
		h.writeError(w, ocrerrors.NewInvalidRequestError(err.Error()))
		return
	}
	if err := validateOptions(opts); err != nil {
		h.writeError(w, err)
		return
	}

	ctx := r.Context()
	if h.store != nil {
		if err := h.store.UpdateJobStatus(ctx, &storage.JobUpdate{
			JobID:    payload.JobID,
			Status:   storage.StatusQueued,
			UserID:   payload.UserID,
			Filename: payload.Filename,
			MimeType: payload.MimeType,
			FileSize: payload.FileSize,
			Metadata: payload.Metadata,
		}); err != nil {
			h.writeError(w, ocrerrors.NewStorageFailedError(payload.JobID, err))
			return
		}
	}

	jobID, err := h.jobs.Enqueue(ctx, &payload)
	if err != nil {
		h.logger.Error("Failed to enqueue job", "job_id", payload.JobID, "error", err)
		if ocrerrors.CodeOf(err) == "" {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponseDTO{Error: err.Error()})
			return
		}
		h.writeError(w, err)
		return
	}

	h.logger.Info("Job queued", "job_id", jobID, "filename", payload.Filename)
	writeJSON(w, http.StatusAccepted, JobAcceptedDTO{Success: true, JobID: jobID, Status: storage.StatusQueued})
}

// GetJob handles GET /ocr/jobs/{jobId}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponseDTO{Error: "job store is not configured"})
		return
	}

	jobID := chi.URLParam(r, "jobId")
	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponseDTO{Error: "job not found", Code: "JOB_NOT_FOUND"})
		return
	}
	if err != nil {
		h.writeError(w, ocrerrors.NewStorageFailedError(jobID, err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job":     job,
	})
}

func (h *Handler) extractJSON(w http.ResponseWriter, r *http.Request, withBoxes bool) {
	src, opts, _, err := h.decodeExtractRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.run(w, r, src, opts, withBoxes)
}

func (h *Handler) extractUpload(w http.ResponseWriter, r *http.Request, withBoxes bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, ocrerrors.NewInvalidRequestError("invalid multipart form: "+err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, ocrerrors.NewInvalidRequestError("image file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, ocrerrors.NewInvalidRequestError("failed to read upload: "+err.Error()))
		return
	}
	if len(data) == 0 {
		h.writeError(w, ocrerrors.NewInvalidRequestError("uploaded image is empty"))
		return
	}

	opts, err := formOptions(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.run(w, r, raster.Source{Name: header.Filename, Data: data}, opts, withBoxes)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, src raster.Source, opts processor.Options, withBoxes bool) {
	var (
		res *processor.Result
		err error
	)
	if withBoxes {
		res, err = h.extractor.ExtractTextWithBoxes(r.Context(), src, opts)
	} else {
		res, err = h.extractor.ExtractText(r.Context(), src, opts)
	}
	if err != nil {
		h.logger.Warn("Extraction failed", "source", src.Ref(), "error", err)
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExtractResponseDTO{Success: true, Result: res})
}

func (h *Handler) decodeExtractRequest(r *http.Request) (raster.Source, processor.Options, *ExtractRequestDTO, error) {
	var req ExtractRequestDTO
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxUploadSize*2)).Decode(&req); err != nil {
		return raster.Source{}, processor.Options{}, nil, ocrerrors.NewInvalidRequestError("invalid request body: " + err.Error())
	}

	src := raster.Source{Path: req.ImagePath, URL: req.ImageURL, Data: req.Image}
	if len(src.Data) == 0 && src.Path == "" && src.URL == "" {
		return src, processor.Options{}, nil, ocrerrors.NewInvalidRequestError("one of imagePath, imageUrl or imageBase64 is required")
	}
	if src.Path != "" {
		resolved, err := resolveImagePath(h.imageRoot, src.Path)
		if err != nil {
			return src, processor.Options{}, nil, err
		}
		src.Path = resolved
	}

	opts, err := processor.ParseOptions(req.Options)
	if err != nil {
		return src, opts, nil, ocrerrors.NewInvalidRequestError(err.Error())
	}
	if err := validateOptions(opts); err != nil {
		return src, opts, nil, err
	}
	return src, opts, &req, nil
}

// formOptions reads multipart option fields over the defaults.
func formOptions(r *http.Request) (processor.Options, error) {
	opts := processor.DefaultOptions()
	opts.Language = strings.TrimSpace(r.FormValue("language"))
	opts.EngineConfig = strings.TrimSpace(r.FormValue("config"))

	flags := []struct {
		field string
		dst   *bool
	}{
		{"preprocess", &opts.Preprocess},
		{"auto_rotate", &opts.AutoRotate},
		{"improve_readability", &opts.ImproveReadability},
		{"post_process", &opts.PostProcess},
		{"detect_language", &opts.DetectLanguage},
	}
	for _, f := range flags {
		raw := r.FormValue(f.field)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, ocrerrors.NewInvalidRequestError(f.field + " must be a boolean")
		}
		*f.dst = v
	}

	return opts, validateOptions(opts)
}

// validateOptions rejects engine configs that would otherwise surface as an
// engine failure deep in the pipeline.
func validateOptions(opts processor.Options) error {
	if opts.EngineConfig == "" {
		return nil
	}
	if _, err := ocr.ParseConfig(opts.EngineConfig); err != nil {
		return ocrerrors.NewInvalidRequestError("invalid engine config: " + err.Error())
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponseDTO{Error: err.Error()}
	if ee, ok := ocrerrors.As(err); ok {
		resp.Code = string(ee.Code)
		resp.Error = ee.Message
	}
	writeJSON(w, statusFor(err), resp)
}

// statusFor maps an extraction error kind to an HTTP status.
func statusFor(err error) int {
	switch ocrerrors.CodeOf(err) {
	case ocrerrors.ErrorInvalidRequest:
		return http.StatusBadRequest
	case ocrerrors.ErrorSourceNotFound:
		return http.StatusNotFound
	case ocrerrors.ErrorDecodeFailed, ocrerrors.ErrorPreprocessFailed, ocrerrors.ErrorNoTextExtracted:
		return http.StatusUnprocessableEntity
	case ocrerrors.ErrorEngineUnavailable:
		return http.StatusServiceUnavailable
	case ocrerrors.ErrorProcessingTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
