package httpingest

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinigate/clinigate/internal/assembler"
	"github.com/clinigate/clinigate/internal/config"
	"github.com/clinigate/clinigate/internal/notify"
	"github.com/clinigate/clinigate/internal/storage"
	"github.com/clinigate/clinigate/pkg/bytesize"
)

type nopNotifier struct{}

func (nopNotifier) NotifyReady(context.Context, notify.ReadyEvent) error { return nil }

type testService struct {
	svc   *Service
	queue *storage.UploadQueue
	asm   *assembler.Assembler
}

// newTestService builds a service over a scratch staging directory.
// Watermark 100 reserves the whole volume so every stage is refused.
func newTestService(t *testing.T, watermarkPct int) *testService {
	t.Helper()
	fs := afero.NewOsFs()
	admission, err := storage.NewAdmissionControl(fs, t.TempDir(), watermarkPct, 1, zerolog.Nop(), nil)
	require.NoError(t, err)

	stager := storage.NewStager(fs, admission, nil, zerolog.Nop(), nil)
	queue := storage.NewUploadQueue(nil)
	asm := assembler.New(nopNotifier{}, "bkt", time.Second, nil, zerolog.Nop(), nil)

	cfg := config.HTTPConfig{Listen: ":0", MaxUploadSize: bytesize.Size(10 * bytesize.MB)}
	svc := NewService(cfg, stager, queue, asm, admission,
		func(string) time.Duration { return time.Minute }, zerolog.Nop(), nil)
	return &testService{svc: svc, queue: queue, asm: asm}
}

func (ts *testService) post(t *testing.T, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.svc.Handler().ServeHTTP(w, req)
	return w
}

func decodeBatch(t *testing.T, w *httptest.ResponseRecorder) BatchResult {
	t.Helper()
	var result BatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	return result
}

func TestIngestSingleItem(t *testing.T) {
	ts := newTestService(t, 1)

	w := ts.post(t, "/ingest/batch-1", "application/hl7-v2", []byte("MSH|^~\\&|APP"))
	require.Equal(t, http.StatusOK, w.Code)

	result := decodeBatch(t, w)
	assert.Equal(t, 1, result.Accepted)
	assert.Zero(t, result.Failed)
	assert.NotEmpty(t, result.PayloadID)
	require.Len(t, result.Items, 1)
	assert.Equal(t, OutcomeAccepted, result.Items[0].Outcome)
	assert.NotEmpty(t, result.Items[0].FileID)

	assert.Equal(t, 1, ts.queue.Len())
	assert.Equal(t, 1, ts.asm.OpenCount())
}

func TestIngestMultipartRelated(t *testing.T) {
	ts := newTestService(t, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, doc := range []string{`{"resourceType":"Patient"}`, `{"resourceType":"Observation"}`} {
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/fhir+json"}})
		require.NoError(t, err)
		_, err = part.Write([]byte(doc))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	contentType := "multipart/related; boundary=" + mw.Boundary() + `; type=application/fhir+json`
	w := ts.post(t, "/ingest/study-9", contentType, body.Bytes())
	require.Equal(t, http.StatusOK, w.Code)

	result := decodeBatch(t, w)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 2, ts.queue.Len())
	// Both parts share one payload under the request group.
	assert.Equal(t, 1, ts.asm.OpenCount())
}

func TestIngestMissingBoundaryRejected(t *testing.T) {
	ts := newTestService(t, 1)

	w := ts.post(t, "/ingest", "multipart/related; type=application/dicom", []byte("data"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "boundary")
}

func TestIngestEmptyBodyNoContent(t *testing.T) {
	ts := newTestService(t, 1)

	w := ts.post(t, "/ingest", "application/hl7-v2", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestIngestUnsupportedTypeRejected(t *testing.T) {
	ts := newTestService(t, 1)

	w := ts.post(t, "/ingest", "video/mp4", []byte("framedata"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	result := decodeBatch(t, w)
	assert.Zero(t, result.Accepted)
	require.Len(t, result.Items, 1)
	assert.Equal(t, OutcomeFailed, result.Items[0].Outcome)
	assert.Contains(t, result.Items[0].Error, "unsupported")
}

func TestIngestPartialAcceptance(t *testing.T) {
	ts := newTestService(t, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/hl7-v2"}})
	require.NoError(t, err)
	_, err = part.Write([]byte("MSH|^~\\&|APP"))
	require.NoError(t, err)
	part, err = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"video/mp4"}})
	require.NoError(t, err)
	_, err = part.Write([]byte("framedata"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := ts.post(t, "/ingest", "multipart/related; boundary="+mw.Boundary(), body.Bytes())
	require.Equal(t, http.StatusAccepted, w.Code)

	result := decodeBatch(t, w)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Failed)
}

func TestIngestRefusedWhenStorageFull(t *testing.T) {
	ts := newTestService(t, 100)

	w := ts.post(t, "/ingest", "application/hl7-v2", []byte("MSH|^~\\&|APP"))
	require.Equal(t, http.StatusInsufficientStorage, w.Code)

	result := decodeBatch(t, w)
	require.Len(t, result.Items, 1)
	assert.Equal(t, OutcomeRefused, result.Items[0].Outcome)
	assert.Zero(t, ts.queue.Len())
}

func TestHealthReportsStagingSpace(t *testing.T) {
	ts := newTestService(t, 1)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.svc.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHealthDegradedWhenStorageFull(t *testing.T) {
	ts := newTestService(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.svc.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient-storage")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestService(t, 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.svc.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}
