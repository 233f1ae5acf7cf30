package source

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/wgdzlh/tillermap"
	"github.com/wgdzlh/tillermap/utils"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTransform = tillermap.Affine{500000, 30, 0, 4900000, 0, -30}
	testQuery     = tillermap.SceneQuery{
		Polygon:      tillermap.Polygon{Geom: orb.Polygon{{{-99, 44.2}, {-98.9, 44.2}, {-98.9, 44.3}, {-99, 44.2}}}, Srid: tillermap.UNIVERSAL_SRID},
		Date:         "2025-03-28",
		DownloadEPSG: 32614,
	}
)

type fixture struct {
	tb      *tillermap.GdalToolbox
	tmpDir  string
	workDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{tmpDir: t.TempDir(), workDir: t.TempDir()}
	f.tb = tillermap.NewGdalToolbox(f.workDir)
	return f
}

// 生成bands个波段、各波段取值依次为values的4x4 GeoTIFF
func (f *fixture) tif(t *testing.T, name string, values ...float32) []byte {
	t.Helper()
	grid := &tillermap.RasterGrid{Width: 4, Height: 4, Transform: testTransform, Srid: 32614}
	for _, v := range values {
		band := make([]float32, 16)
		for i := range band {
			band[i] = v
		}
		grid.Bands = append(grid.Bands, band)
	}
	path := filepath.Join(f.workDir, name)
	require.NoError(t, f.tb.WriteGrid(grid, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	return data
}

func zipOf(t *testing.T, files map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (f *fixture) bandZip(t *testing.T, names ...string) []byte {
	t.Helper()
	files := map[string][]byte{}
	for i, name := range names {
		files[name] = f.tif(t, name, float32(i+1))
	}
	return zipOf(t, files, names...)
}

func (f *fixture) source(t *testing.T, handler http.HandlerFunc) *HTTP {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	bandMap, err := utils.ParseBandMap("b:B,g:G,r:R,nir:NIR,swir1:SWIR1,swir2:SWIR2")
	require.NoError(t, err)
	s, err := NewHTTP(Config{URL: srv.URL, WindowDays: 7, TmpDir: f.tmpDir, BandMap: bandMap}, f.tb, srv.Client())
	require.NoError(t, err)
	return s
}

func serve(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Write(data)
	}
}

func TestFetchStacksBandZip(t *testing.T) {
	f := newFixture(t)
	// 打乱次序，按文件名映射到波段槽位
	data := f.bandZip(t, "hls_roi.SWIR2.tif", "hls_roi.NIR.tif", "hls_roi.B.tif", "hls_roi.R.tif", "hls_roi.SWIR1.tif", "hls_roi.G.tif")

	var got fetchRequest
	s := f.source(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write(data)
	})
	scene, err := s.Fetch(context.Background(), testQuery)
	require.NoError(t, err)
	defer scene.Release()

	assert.Equal(t, "EPSG:32614", got.CRS)
	assert.Equal(t, "2025-03-28", got.Date)
	assert.Equal(t, 7, got.WindowDays)
	assert.Equal(t, tillermap.BandOrder[:], got.Bands)
	require.NotNil(t, got.Polygon)
	assert.Equal(t, "Polygon", got.Polygon.Type)

	require.NotNil(t, scene.Grid)
	grid := scene.Grid
	assert.Equal(t, tillermap.RAW_BAND_COUNT, grid.BandCount())
	assert.Equal(t, 32614, grid.Srid)
	assert.Equal(t, testTransform, grid.Transform)
	// 文件在zip中的序号+1
	want := []float32{3, 6, 4, 2, 5, 1}
	for i, b := range grid.Bands {
		assert.Equal(t, want[i], b[0], tillermap.BandOrder[i])
	}

	entries, err := os.ReadDir(f.tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "unzipped bands must be removed")
}

func TestFetchSingleTifInZip(t *testing.T) {
	f := newFixture(t)
	data := zipOf(t, map[string][]byte{"stack.tif": f.tif(t, "stack.tif", 1, 2, 3, 4, 5, 6)}, "stack.tif")
	scene, err := f.source(t, serve(data)).Fetch(context.Background(), testQuery)
	require.NoError(t, err)
	require.NotNil(t, scene.Grid)
	assert.Equal(t, tillermap.RAW_BAND_COUNT, scene.Grid.BandCount())
	assert.Equal(t, float32(6), scene.Grid.Bands[5][0])
}

func TestFetchPlainTif(t *testing.T) {
	f := newFixture(t)
	scene, err := f.source(t, serve(f.tif(t, "scene.tif", 1, 2, 3, 4, 5, 6))).Fetch(context.Background(), testQuery)
	require.NoError(t, err)
	require.NotEmpty(t, scene.Path)
	assert.Nil(t, scene.Grid)
	assert.FileExists(t, scene.Path)

	grid, err := f.tb.ReadGrid(scene.Path)
	require.NoError(t, err)
	assert.Equal(t, tillermap.RAW_BAND_COUNT, grid.BandCount())

	scene.Release()
	assert.NoFileExists(t, scene.Path)
}

func TestFetchBandErrors(t *testing.T) {
	cases := []struct {
		name  string
		files []string
		want  error
	}{
		{"unmapped", []string{"hls_roi.B.tif", "hls_roi.QA.tif"}, ErrUnmappedBand},
		{"duplicate", []string{"B.tif", "hls_roi.b.tif"}, ErrDuplicateBand},
		{"missing", []string{"b.tif", "g.tif", "r.tif", "nir.tif", "swir1.tif"}, ErrMissingBand},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.source(t, serve(f.bandZip(t, tc.files...))).Fetch(context.Background(), testQuery)
			require.Error(t, err)
			assert.ErrorIs(t, err, tillermap.ErrSourceAcquisition)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchAllZero(t *testing.T) {
	f := newFixture(t)
	names := []string{"b.tif", "g.tif", "r.tif", "nir.tif", "swir1.tif", "swir2.tif"}
	files := map[string][]byte{}
	for _, n := range names {
		files[n] = f.tif(t, n, 0)
	}
	_, err := f.source(t, serve(zipOf(t, files, names...))).Fetch(context.Background(), testQuery)
	assert.ErrorIs(t, err, tillermap.ErrSourceAcquisition)
	assert.ErrorIs(t, err, ErrAllZero)
}

func TestFetchNoTif(t *testing.T) {
	f := newFixture(t)
	data := zipOf(t, map[string][]byte{"readme.txt": []byte("empty")}, "readme.txt")
	_, err := f.source(t, serve(data)).Fetch(context.Background(), testQuery)
	assert.ErrorIs(t, err, tillermap.ErrSourceAcquisition)
	assert.ErrorIs(t, err, utils.ErrNoTifInZip)
}

func TestFetchUpstreamError(t *testing.T) {
	f := newFixture(t)
	s := f.source(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no HLS scene within 7 days"}`))
	})
	_, err := s.Fetch(context.Background(), testQuery)
	require.Error(t, err)
	assert.ErrorIs(t, err, tillermap.ErrSourceAcquisition)
	assert.Contains(t, err.Error(), "no HLS scene within 7 days")
	assert.Contains(t, err.Error(), "404")
}

func TestFetchCanceled(t *testing.T) {
	f := newFixture(t)
	s := f.source(t, serve(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Fetch(ctx, testQuery)
	assert.ErrorIs(t, err, tillermap.ErrSourceAcquisition)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewHTTPValidatesMapping(t *testing.T) {
	f := newFixture(t)
	_, err := NewHTTP(Config{BandMap: map[string]string{"b": "B", "qa": "QA"}}, f.tb, nil)
	assert.Error(t, err)

	_, err = NewHTTP(Config{BandMap: map[string]string{"b": "B"}}, f.tb, nil)
	assert.Error(t, err)

	_, err = NewHTTP(Config{}, f.tb, nil)
	assert.NoError(t, err)
}
