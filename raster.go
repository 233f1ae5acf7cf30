package tillermap

import (
	"fmt"
	"os"

	"github.com/wgdzlh/tillermap/log"
	"github.com/wgdzlh/tillermap/utils"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"
)

// 按窗口读取多波段栅格，磁盘影像与内存影像共用同一剪切流程
type windowReader interface {
	Size() (w, h int)
	BandCount() int
	Transform() Affine
	Srid() (int, error)
	ReadWindow(band, x0, y0, w, h int, buf []float32) error
}

type datasetReader struct {
	g  *GdalToolbox
	ds *godal.Dataset
}

func (r datasetReader) Size() (w, h int) {
	st := r.ds.Structure()
	return st.SizeX, st.SizeY
}

func (r datasetReader) BandCount() int {
	return r.ds.Structure().NBands
}

func (r datasetReader) Transform() Affine {
	gt, err := r.ds.GeoTransform()
	if err != nil {
		return Affine{0, 1, 0, 0, 0, 1}
	}
	return Affine(gt)
}

func (r datasetReader) Srid() (int, error) {
	return r.g.rasterSrid(r.ds)
}

func (r datasetReader) ReadWindow(band, x0, y0, w, h int, buf []float32) error {
	return r.ds.Bands()[band].Read(x0, y0, buf, w, h)
}

type gridReader struct {
	grid *RasterGrid
}

func (r gridReader) Size() (w, h int) {
	return r.grid.Width, r.grid.Height
}

func (r gridReader) BandCount() int {
	return len(r.grid.Bands)
}

func (r gridReader) Transform() Affine {
	return r.grid.Transform
}

func (r gridReader) Srid() (srid int, err error) {
	if srid = r.grid.Srid; srid <= 0 {
		err = ErrVoidSrid
	}
	return
}

func (r gridReader) ReadWindow(band, x0, y0, w, h int, buf []float32) error {
	src := r.grid.Bands[band]
	if len(src) != r.grid.Width*r.grid.Height || len(buf) < w*h {
		return ErrWrongBufferSize
	}
	for row := 0; row < h; row++ {
		off := (y0+row)*r.grid.Width + x0
		copy(buf[row*w:(row+1)*w], src[off:off+w])
	}
	return nil
}

// 按多边形剪切磁盘上的栅格
func (g *GdalToolbox) ClipFile(path string, poly Polygon) (grid *RasterGrid, mask *ValidityMask, err error) {
	if err = CheckPolygon(poly.Geom); err != nil {
		return
	}
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		log.Error(g.logTag+"open raster failed", zap.String("path", path), zap.Error(err))
		err = fmt.Errorf("%w: %w: %v", ErrSourceAcquisition, ErrRasterOpen, err)
		return
	}
	defer ds.Close()
	return g.clip(datasetReader{g: g, ds: ds}, poly)
}

// 按多边形剪切内存中的栅格文件数据（GeoTIFF等GDAL可读格式）
func (g *GdalToolbox) ClipBytes(data []byte, poly Polygon) (grid *RasterGrid, mask *ValidityMask, err error) {
	if err = CheckPolygon(poly.Geom); err != nil {
		return
	}
	tmp, err := utils.WriteUniqFile(g.tmpDir, TMP_RASTER, data)
	if err != nil {
		log.Error(g.logTag+"write tmp raster failed", zap.Error(err))
		return
	}
	defer os.Remove(tmp)
	return g.ClipFile(tmp, poly)
}

// 按多边形剪切内存中已叠加的栅格
func (g *GdalToolbox) ClipGrid(src *RasterGrid, poly Polygon) (grid *RasterGrid, mask *ValidityMask, err error) {
	if err = CheckPolygon(poly.Geom); err != nil {
		return
	}
	return g.clip(gridReader{grid: src}, poly)
}

// 剪切场景：磁盘影像或内存影像
func (g *GdalToolbox) ClipScene(s *Scene, poly Polygon) (grid *RasterGrid, mask *ValidityMask, err error) {
	switch {
	case s == nil:
		err = fmt.Errorf("%w: %w", ErrSourceAcquisition, ErrEmptyScene)
	case s.Grid != nil:
		grid, mask, err = g.ClipGrid(s.Grid, poly)
	case s.Path != "":
		grid, mask, err = g.ClipFile(s.Path, poly)
	default:
		err = fmt.Errorf("%w: %w", ErrSourceAcquisition, ErrEmptyScene)
	}
	return
}

func (g *GdalToolbox) clip(r windowReader, poly Polygon) (grid *RasterGrid, mask *ValidityMask, err error) {
	srid, err := r.Srid()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSourceAcquisition, err)
		return
	}
	if poly, err = g.ReconcileCRS(poly, srid); err != nil {
		return
	}
	w, h := r.Size()
	gt := r.Transform()
	if !gt.IsRectilinear() {
		log.Debug(g.logTag+"rotated geotransform", zap.Float64s("transform", gt[:]))
	}
	rb := gt.Bounds(w, h)
	pb := poly.Geom.Bound()
	log.Info(g.logTag+"clip raster", zap.Int("srid", srid), zap.Int("width", w), zap.Int("height", h),
		zap.Any("rasterBounds", rb), zap.Any("polygonBounds", pb))
	if !pb.Intersects(rb.Bound()) {
		err = fmt.Errorf("%w: polygon does not overlap the raster", ErrNoOverlap)
		return
	}
	x0, y0, x1, y1, err := gt.Window(pb, w, h)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSourceAcquisition, err)
		return
	}
	if x1 <= x0 || y1 <= y0 {
		err = fmt.Errorf("%w: polygon does not overlap the raster", ErrNoOverlap)
		return
	}
	ww, wh := x1-x0, y1-y0
	grid = &RasterGrid{
		Bands:     make([][]float32, r.BandCount()),
		Width:     ww,
		Height:    wh,
		Transform: gt.Offset(x0, y0),
		Srid:      srid,
	}
	for i := range grid.Bands {
		grid.Bands[i] = make([]float32, ww*wh)
		if err = r.ReadWindow(i, x0, y0, ww, wh, grid.Bands[i]); err != nil {
			log.Error(g.logTag+"read raster window failed", zap.Int("band", i), zap.Error(err))
			err = fmt.Errorf("%w: %w: %v", ErrSourceAcquisition, ErrRasterRead, err)
			grid = nil
			return
		}
	}
	mask = maskOutside(grid, poly.Geom)
	if mask.Count() == 0 {
		log.Warn(g.logTag + "clipped raster has no valid pixel")
	}
	return
}

// 像元中心落在多边形外的像元各波段置0，并生成有效性掩膜（任一波段非0）
func maskOutside(grid *RasterGrid, geom orb.Geometry) (mask *ValidityMask) {
	mask = &ValidityMask{Width: grid.Width, Height: grid.Height, Valid: make([]bool, grid.PixelCount())}
	var mp orb.MultiPolygon
	switch v := geom.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{v}
	case orb.MultiPolygon:
		mp = v
	}
	for row := 0; row < grid.Height; row++ {
		for col := 0; col < grid.Width; col++ {
			i := row*grid.Width + col
			x, y := grid.Transform.Apply(float64(col)+0.5, float64(row)+0.5)
			if !planar.MultiPolygonContains(mp, orb.Point{x, y}) {
				for _, b := range grid.Bands {
					b[i] = CLIP_OUTSIDE
				}
				continue
			}
			for _, b := range grid.Bands {
				if b[i] != 0 {
					mask.Valid[i] = true
					break
				}
			}
		}
	}
	return
}

// 将栅格写为GeoTIFF（测试与调试用的中间结果）
func (g *GdalToolbox) WriteGrid(grid *RasterGrid, path string) (err error) {
	ds, err := g.gridToDataset(grid, godal.GTiff, path)
	if err != nil {
		return
	}
	return ds.Close()
}

// 由内存栅格创建GDAL数据集，driver为godal.Memory时path可为空
func (g *GdalToolbox) gridToDataset(grid *RasterGrid, driver godal.DriverName, path string) (ds *godal.Dataset, err error) {
	n := len(grid.Bands)
	if n == 0 {
		err = fmt.Errorf("%w: %w", ErrInputValidation, ErrWrongBandCount)
		return
	}
	for _, b := range grid.Bands {
		if len(b) != grid.PixelCount() {
			err = ErrWrongBufferSize
			return
		}
	}
	sr, err := godal.NewSpatialRefFromEPSG(grid.Srid)
	if err != nil {
		err = fmt.Errorf("%w: %w: EPSG:%d", ErrInputValidation, ErrInvalidCRS, grid.Srid)
		return
	}
	defer sr.Close()
	ds, err = godal.Create(driver, path, n, godal.Float32, grid.Width, grid.Height)
	if err != nil {
		log.Error(g.logTag+"create dataset failed", zap.String("path", path), zap.Error(err))
		err = fmt.Errorf("%w: %v", ErrRasterWrite, err)
		return
	}
	defer func() {
		if err != nil {
			ds.Close()
			ds = nil
		}
	}()
	if err = ds.SetGeoTransform([6]float64(grid.Transform)); err != nil {
		return
	}
	if err = ds.SetSpatialRef(sr); err != nil {
		return
	}
	for i, band := range ds.Bands() {
		if grid.NoData != 0 {
			if err = band.SetNoData(grid.NoData); err != nil {
				return
			}
		}
		if err = band.Write(0, 0, grid.Bands[i], grid.Width, grid.Height); err != nil {
			err = fmt.Errorf("%w: %v", ErrRasterWrite, err)
			return
		}
	}
	return
}
