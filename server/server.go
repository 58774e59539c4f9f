// Package server exposes a loaded classifier over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/inference"
	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// DefaultMaxUploadBytes bounds the multipart body of a prediction request
const DefaultMaxUploadBytes = 10 << 20

// Predictor classifies a decoded image
type Predictor interface {
	PredictImage(img image.Image) (inference.Prediction, error)
}

// Handler serves prediction requests against one model
type Handler struct {
	model          Predictor
	maxUploadBytes int64
}

// NewHandler creates a handler. A nil model makes /predict answer 500, as a server whose
// model failed to load does.
func NewHandler(model Predictor, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{model: model, maxUploadBytes: maxUploadBytes}
}

// Routes returns the router with CORS enabled on every route
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/health", h.Health()).Methods(http.MethodGet)
	r.HandleFunc("/predict", h.Predict()).Methods(http.MethodPost, http.MethodOptions)
	return r
}

// Health reports whether a model is loaded
func (h *Handler) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"model_loaded": h.model != nil,
		})
	}
}

// Predict classifies the image uploaded in the multipart field "file"
func (h *Handler) Predict() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "File too large")
				return
			}
			writeError(w, http.StatusBadRequest, "No file part")
			return
		}
		defer file.Close()

		if header.Filename == "" {
			writeError(w, http.StatusBadRequest, "No selected file")
			return
		}
		if h.model == nil {
			writeError(w, http.StatusInternalServerError, "Model not loaded")
			return
		}

		img, err := preprocessing.Decode(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		prediction, err := h.model.PredictImage(img)
		if err != nil {
			klog.Errorf("Prediction failed for %s: %v", header.Filename, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		klog.V(1).Infof("%s: %s (%.3f)", header.Filename, prediction.Class, prediction.Score)
		writeJSON(w, http.StatusOK, prediction)
	}
}

// NewServer wraps handler in an http.Server with conservative timeouts
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Warningf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
