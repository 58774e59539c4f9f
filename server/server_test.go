package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soumenmaity3/cnn-finetune/inference"
)

// fakeModel predicts Dog for bright images and Cat otherwise
type fakeModel struct {
	err   error
	calls int
}

func (m *fakeModel) PredictImage(img image.Image) (inference.Prediction, error) {
	m.calls++
	if m.err != nil {
		return inference.Prediction{}, m.err
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	if r > 0x8000 {
		return inference.Prediction{Class: "Dog", Confidence: 0.9, Score: 0.9}, nil
	}
	return inference.Prediction{Class: "Cat", Confidence: 0.8, Score: 0.2}, nil
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{shade, shade, shade, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	rec := serve(NewHandler(&fakeModel{}, 0), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["model_loaded"])

	rec = serve(NewHandler(nil, 0), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, false, decodeBody(t, rec)["model_loaded"])
}

func TestPredict(t *testing.T) {
	model := &fakeModel{}
	h := NewHandler(model, 0)

	rec := serve(h, uploadRequest(t, "file", "dog.png", pngBytes(t, 250)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var p inference.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "Dog", p.Class)
	assert.InDelta(t, 0.9, p.Confidence, 1e-6)

	rec = serve(h, uploadRequest(t, "file", "cat.png", pngBytes(t, 10)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Cat", decodeBody(t, rec)["class"])
	assert.Equal(t, 2, model.calls)
}

func TestPredictErrors(t *testing.T) {
	tests := []struct {
		name    string
		model   Predictor
		req     func(t *testing.T) *http.Request
		status  int
		message string
	}{
		{
			name:    "NoFilePart",
			model:   &fakeModel{},
			req:     func(t *testing.T) *http.Request { return uploadRequest(t, "image", "a.png", pngBytes(t, 1)) },
			status:  http.StatusBadRequest,
			message: "No file part",
		},
		{
			name:    "EmptyFilename",
			model:   &fakeModel{},
			req:     func(t *testing.T) *http.Request { return uploadRequest(t, "file", "", pngBytes(t, 1)) },
			status:  http.StatusBadRequest,
			message: "",
		},
		{
			name:    "NotAnImage",
			model:   &fakeModel{},
			req:     func(t *testing.T) *http.Request { return uploadRequest(t, "file", "a.png", []byte("not an image")) },
			status:  http.StatusBadRequest,
		},
		{
			name:    "ModelNotLoaded",
			model:   nil,
			req:     func(t *testing.T) *http.Request { return uploadRequest(t, "file", "a.png", pngBytes(t, 1)) },
			status:  http.StatusInternalServerError,
			message: "Model not loaded",
		},
		{
			name:    "PredictionFails",
			model:   &fakeModel{err: errors.New("backend exploded")},
			req:     func(t *testing.T) *http.Request { return uploadRequest(t, "file", "a.png", pngBytes(t, 1)) },
			status:  http.StatusInternalServerError,
			message: "backend exploded",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := serve(NewHandler(test.model, 0), test.req(t))
			assert.Equal(t, test.status, rec.Code)
			body := decodeBody(t, rec)
			assert.NotEmpty(t, body["error"])
			if test.message != "" {
				assert.Equal(t, test.message, body["error"])
			}
		})
	}
}

func TestPredictTooLarge(t *testing.T) {
	h := NewHandler(&fakeModel{}, 64)
	rec := serve(h, uploadRequest(t, "file", "big.png", bytes.Repeat([]byte{1}, 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRoutes(t *testing.T) {
	h := NewHandler(&fakeModel{}, 0)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodOptions, "/predict", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
