package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarcam/internal/capture"
	"github.com/banshee-data/lidarcam/internal/db"
	"github.com/banshee-data/lidarcam/internal/framestore"
	"github.com/banshee-data/lidarcam/internal/fsutil"
	"github.com/banshee-data/lidarcam/internal/monitoring"
	"github.com/banshee-data/lidarcam/internal/sensormsg"
	"github.com/banshee-data/lidarcam/internal/timeutil"
	"github.com/banshee-data/lidarcam/internal/topicmux"
)

const testSession = "4f8c1b7e-0000-4000-8000-000000000001"

type memSink struct{ records []capture.Record }

func (s *memSink) Append(rec capture.Record) error {
	s.records = append(s.records, rec)
	return nil
}

type testEnv struct {
	server *Server
	node   *capture.Node
	db     *db.DB
	clock  *timeutil.MockClock
	mux    *http.ServeMux
}

func muteLogs(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func newTestEnv(t *testing.T, withDB bool) *testEnv {
	t.Helper()
	muteLogs(t)

	clock := timeutil.NewMockClock(time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC))
	store, err := framestore.New(framestore.Config{
		Dir: "images", FS: fsutil.NewMemoryFileSystem(), Clock: clock, Location: time.UTC,
	})
	require.NoError(t, err)

	node := capture.NewNode(store, &memSink{}, capture.Options{Clock: clock, Location: time.UTC})
	env := &testEnv{node: node, clock: clock}

	cfg := Config{Node: node, Frames: store, Mux: topicmux.New(4), SessionID: testSession, Clock: clock}
	if withDB {
		d, err := db.NewDB(filepath.Join(t.TempDir(), "captures.db"))
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		node.AddListener(d.CaptureListener(testSession))
		cfg.DB = d
		env.db = d
	}
	env.server = NewServer(cfg)
	env.mux = env.server.ServeMux()
	return env
}

// capture feeds one five-sample scan and one frame through the node.
func (e *testEnv) capture(t *testing.T) {
	t.Helper()
	scan := &sensormsg.LaserScan{
		AngleMin:       -0.5,
		AngleIncrement: 0.25,
		Ranges:         sensormsg.Ranges{1, 2, 3, 4, 5},
	}
	require.NoError(t, e.node.OnScan(scan))

	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	msg, err := sensormsg.FromImage(img, sensormsg.EncodingRGB8)
	require.NoError(t, err)
	require.NoError(t, e.node.OnImage(msg))
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, localHostRequest(http.MethodGet, path))
	return rec
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// statusBody decodes the record fields Record itself only marshals.
type statusBody struct {
	StatusResponse
	LastRecord *struct {
		ImagePath string    `json:"image_path"`
		Ranges    []float64 `json:"ranges"`
	} `json:"last_record"`
}

func TestShowStatus_Idle(t *testing.T) {
	env := newTestEnv(t, true)
	env.clock.Advance(90 * time.Second)

	rec := env.get("/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, testSession, resp.SessionID)
	assert.Equal(t, 90.0, resp.UptimeSecs)
	assert.Empty(t, resp.ImagePath)
	assert.Nil(t, resp.LastRecord)
	assert.Equal(t, capture.Counters{}, resp.Counters)
	require.NotNil(t, resp.Captures)
	assert.Equal(t, 0, *resp.Captures)
	assert.Empty(t, resp.Topics)
}

func TestShowStatus_AfterCapture(t *testing.T) {
	env := newTestEnv(t, true)
	env.capture(t)

	rec := env.get("/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "images/image_20240305_140709.png", resp.ImagePath)
	assert.Equal(t, 5, resp.Scan.Count)
	assert.Equal(t, 1.0, resp.Scan.Min)
	assert.Equal(t, 5.0, resp.Scan.Max)
	assert.InDelta(t, 3.0, resp.Scan.Mean, 1e-9)
	assert.Equal(t, uint64(1), resp.Counters.Records)
	require.NotNil(t, resp.LastRecord)
	assert.Equal(t, resp.ImagePath, resp.LastRecord.ImagePath)
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, resp.LastRecord.Ranges)
	require.NotNil(t, resp.Captures)
	assert.Equal(t, 1, *resp.Captures)
}

func TestShowStatus_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, false)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/api/status"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListRecords(t *testing.T) {
	env := newTestEnv(t, true)
	env.capture(t)
	env.clock.Advance(time.Second)
	env.capture(t)

	rec := env.get("/api/records?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "images/image_20240305_140710.png", got[0]["image_path"])
	assert.Equal(t, testSession, got[0]["session_id"])
	assert.Equal(t, []interface{}{1.0, 2.0, 3.0, 4.0, 5.0}, got[0]["ranges"])

	rec = env.get("/api/records")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Len(t, got, 2)
}

func TestListRecords_Errors(t *testing.T) {
	env := newTestEnv(t, true)
	for _, q := range []string{"limit=0", "limit=abc", "limit=1001"} {
		rec := env.get("/api/records?" + q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := env.get("/api/records")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	noDB := newTestEnv(t, false)
	rec = noDB.get("/api/records")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeImage(t *testing.T) {
	env := newTestEnv(t, false)
	env.capture(t)

	rec := env.get("/api/images/image_20240305_140709.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{r >> 8, g >> 8, b >> 8})

	tests := []struct {
		path string
		want int
	}{
		{"/api/images/image_19990101_000000.png", http.StatusNotFound},
		{"/api/images/notes.txt", http.StatusBadRequest},
		{"/api/images/image_20240305_140709", http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, env.get(tt.path).Code, tt.path)
	}
}

func TestPlotScan(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.get("/api/scan.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.capture(t)
	rec = env.get("/api/scan.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
}

func TestDebugScanChart(t *testing.T) {
	env := newTestEnv(t, false)
	env.capture(t)

	rec := env.get("/debug/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scan")

	rec = env.get("/debug/scan")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "Filtered Scan")

	rec = env.get("/debug/node")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), testSession)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), "418")
	assert.Contains(t, buf.String(), "/api/status?x=1")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"500"+colorReset, statusCodeColor(500))
	assert.Equal(t, "101", statusCodeColor(101))
}
