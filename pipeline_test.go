package tillermap

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	grid  *RasterGrid
	err   error
	block bool
	query SceneQuery
	calls int
	freed int
}

func (s *fakeSource) Fetch(ctx context.Context, q SceneQuery) (*Scene, error) {
	s.calls++
	s.query = q
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Scene{Grid: s.grid, Cleanup: func() { s.freed++ }}, nil
}

type fakePredictor struct {
	shape  InputShape
	value  float32
	drop   int
	err    error
	tensor *Tensor
}

func (p *fakePredictor) InputShape() InputShape {
	return p.shape
}

func (p *fakePredictor) Predict(_ context.Context, t *Tensor) ([]float32, error) {
	p.tensor = t
	if p.err != nil {
		return nil, p.err
	}
	preds := make([]float32, t.Batch-p.drop)
	for i := range preds {
		preds[i] = p.value
	}
	return preds, nil
}

var requestTime = time.Date(2025, 4, 1, 8, 30, 0, 0, time.UTC)

type pipelineFixture struct {
	p       *Pipeline
	source  *fakeSource
	pred    *fakePredictor
	metrics *Metrics
	outDir  string
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		source:  &fakeSource{grid: fillGrid(32614, utmOrigin, 10, 10, RAW_BAND_COUNT, 0.2)},
		pred:    &fakePredictor{shape: SequenceShape, value: 3.5},
		metrics: NewMetricsForTesting(),
		outDir:  filepath.Join(t.TempDir(), "media"),
	}
	f.p = NewPipeline(NewGdalToolbox(t.TempDir()), f.source, f.pred, f.metrics, PipelineConfig{
		OutDir:         f.outDir,
		SourceTimeout:  time.Second,
		PredictTimeout: time.Second,
	}, WithClock(clockwork.NewFakeClockAt(requestTime)))
	return f
}

func (f *pipelineFixture) outputs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.outDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func geoJSON(t *testing.T, geom orb.Geometry) json.RawMessage {
	t.Helper()
	raw, err := geojson.NewGeometry(geom).MarshalJSON()
	require.NoError(t, err)
	return raw
}

func TestRunUtmRequest(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.Run(context.Background(), Request{
		Polygon: geoJSON(t, utmTriangle.Geom),
		CRS:     "EPSG:32614",
		Date:    "2025-03-28",
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^tiller_density_map_20250401083000000_[0-9a-f]{8}\.tif$`), res.Filename)
	assert.Equal(t, filepath.Join(f.outDir, res.Filename), res.Path)
	assert.Equal(t, "EPSG:3857", res.CRS)
	assert.Equal(t, 100, res.Pixels)
	assert.Equal(t, 45, res.Masked)
	assert.Less(t, res.Bounds.Left, res.Bounds.Right)
	assert.Less(t, res.Bounds.Bottom, res.Bounds.Top)
	assert.Equal(t, []string{res.Filename}, f.outputs(t))

	assert.Equal(t, 32614, f.source.query.DownloadEPSG)
	assert.Equal(t, UNIVERSAL_SRID, f.source.query.Polygon.Srid)
	assert.Equal(t, "2025-03-28", f.source.query.Date)
	assert.Equal(t, 1, f.source.freed)

	require.NotNil(t, f.pred.tensor)
	assert.Equal(t, 100, f.pred.tensor.Batch)
	assert.Equal(t, FEATURE_COUNT, f.pred.tensor.Steps)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("success", "")))
	assert.Equal(t, 45.0, testutil.ToFloat64(f.metrics.MaskedPixels))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.InFlight))

	g := NewGdalToolbox(t.TempDir())
	out, err := g.ReadGrid(res.Path)
	require.NoError(t, err)
	assert.Equal(t, OUTPUT_SRID, out.Srid)
	assert.Equal(t, float64(OUTPUT_NODATA), out.NoData)
	for _, v := range out.Bands[0] {
		assert.Contains(t, []float32{3.5, OUTPUT_NODATA}, v)
	}
}

func TestRunWgs84Request(t *testing.T) {
	f := newFixture(t)
	g := NewGdalToolbox(t.TempDir())
	wgs, err := g.ReconcileCRS(utmRect(500070, 4899770, 500230, 4899930), UNIVERSAL_SRID)
	require.NoError(t, err)

	f.pred.shape = LegacyShape
	res, err := f.p.Run(context.Background(), Request{Polygon: geoJSON(t, wgs.Geom), Date: "2025-03-28"})
	require.NoError(t, err)
	assert.Equal(t, 32614, f.source.query.DownloadEPSG)
	assert.Equal(t, 36, res.Pixels)
	assert.Zero(t, res.Masked)
	assert.Equal(t, RAW_BAND_COUNT, f.pred.tensor.Features)
}

func TestRunValidation(t *testing.T) {
	poly := geoJSON(t, utmTriangle.Geom)
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"missing polygon", Request{Date: "2025-03-28"}, ErrMissingPolygon},
		{"missing date", Request{Polygon: poly, CRS: "EPSG:32614"}, ErrMissingDate},
		{"bad date", Request{Polygon: poly, CRS: "EPSG:32614", Date: "28/03/2025"}, ErrInvalidDate},
		{"bad crs", Request{Polygon: poly, CRS: "32614", Date: "2025-03-28"}, ErrInvalidCRS},
		{"not polygon", Request{Polygon: json.RawMessage(`{"type":"Point","coordinates":[1,2]}`), Date: "2025-03-28"}, ErrGdalWrongGeoType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.p.Run(context.Background(), tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInputValidation)
			assert.ErrorIs(t, err, tc.want)
			assert.Zero(t, f.source.calls)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("error", "InputValidationError")))
		})
	}
}

func TestRunFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *pipelineFixture)
		kind  error
	}{
		{"source error", func(f *pipelineFixture) { f.source.err = errors.New("upstream down") }, ErrSourceAcquisition},
		{"source timeout", func(f *pipelineFixture) {
			f.source.block = true
			f.p.cfg.SourceTimeout = 10 * time.Millisecond
		}, ErrSourceAcquisition},
		{"no valid pixel", func(f *pipelineFixture) {
			f.source.grid = fillGrid(32614, utmOrigin, 10, 10, RAW_BAND_COUNT, 0)
		}, ErrSourceAcquisition},
		{"no overlap", func(f *pipelineFixture) {
			f.source.grid = fillGrid(32614, Affine{600000, 30, 0, 4800000, 0, -30}, 10, 10, RAW_BAND_COUNT, 1)
		}, ErrNoOverlap},
		{"wrong band count", func(f *pipelineFixture) {
			f.source.grid = fillGrid(32614, utmOrigin, 10, 10, 4, 1)
		}, ErrInputValidation},
		{"unsupported shape", func(f *pipelineFixture) { f.pred.shape = InputShape{Steps: 3, Channels: 7} }, ErrShapeMismatch},
		{"predictor error", func(f *pipelineFixture) { f.pred.err = errors.New("model crashed") }, ErrPredictor},
		{"prediction count", func(f *pipelineFixture) { f.pred.drop = 1 }, ErrPredictor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)
			_, err := f.p.Run(context.Background(), Request{
				Polygon: geoJSON(t, utmTriangle.Geom),
				CRS:     "EPSG:32614",
				Date:    "2025-03-28",
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Empty(t, f.outputs(t), "no output may be left behind")
			assert.Equal(t, f.source.calls, f.source.freed+boolInt(f.source.err != nil || f.source.block))
		})
	}
}

func TestRunTimeoutMessage(t *testing.T) {
	f := newFixture(t)
	f.source.block = true
	f.p.cfg.SourceTimeout = 10 * time.Millisecond
	_, err := f.p.Run(context.Background(), Request{
		Polygon: geoJSON(t, utmTriangle.Geom),
		CRS:     "EPSG:32614",
		Date:    "2025-03-28",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
