package tillermap

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/wgdzlh/tillermap/log"

	"github.com/airbusgeo/godal"
	"go.uber.org/zap"
)

// 输出栅格信息
type OutputInfo struct {
	Path   string
	Bounds Bounds
	CRS    string
}

// 由预测结果构造与剪切栅格同尺寸、同坐标的单波段栅格
func PredictionGrid(clipped *RasterGrid, preds []float32) (grid *RasterGrid, err error) {
	if len(preds) != clipped.PixelCount() {
		err = fmt.Errorf("%w: %w: got %d, expect %d", ErrPredictor, ErrPredictionCount, len(preds), clipped.PixelCount())
		return
	}
	grid = &RasterGrid{
		Bands:     [][]float32{preds},
		Width:     clipped.Width,
		Height:    clipped.Height,
		Transform: clipped.Transform,
		Srid:      clipped.Srid,
		NoData:    OUTPUT_NODATA,
	}
	return
}

// 掩膜外及非有限值的像元置为OUTPUT_NODATA
func ApplyMask(grid *RasterGrid, mask *ValidityMask) (masked int, err error) {
	if mask == nil || mask.Width != grid.Width || mask.Height != grid.Height || len(mask.Valid) != grid.PixelCount() {
		err = ErrMaskSize
		return
	}
	grid.NoData = OUTPUT_NODATA
	for _, b := range grid.Bands {
		for i, v := range b {
			if !mask.Valid[i] || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				b[i] = OUTPUT_NODATA
				masked++
			}
		}
	}
	return
}

// 将单波段预测栅格以最近邻重投影到tSrid，写为LZW压缩、分块的COG
func (g *GdalToolbox) Rasterize(grid *RasterGrid, tSrid int, out string) (info *OutputInfo, err error) {
	if grid.BandCount() != 1 {
		err = fmt.Errorf("%w: %w: got %d, expect 1", ErrInputValidation, ErrWrongBandCount, grid.BandCount())
		return
	}
	same, err := g.SameCRS(grid.Srid, tSrid)
	if err != nil {
		return
	}
	grid.NoData = OUTPUT_NODATA
	src, err := g.gridToDataset(grid, godal.Memory, "")
	if err != nil {
		return
	}
	nd := strconv.FormatFloat(OUTPUT_NODATA, 'f', -1, 64)
	gc := []*godal.Dataset{src}
	defer func() {
		for i := len(gc) - 1; i >= 0; i-- {
			gc[i].Close()
		}
		if err != nil {
			os.Remove(out)
		}
	}()
	work := src
	if !same {
		log.Info(g.logTag+"warp prediction grid", zap.Int("srid", grid.Srid), zap.Int("tSrid", tSrid),
			zap.Int("width", grid.Width), zap.Int("height", grid.Height))
		if work, err = src.Warp("", []string{
			"-of", "MEM",
			"-t_srs", FormatEpsg(tSrid),
			"-r", "near",
			"-srcnodata", nd,
			"-dstnodata", nd,
			"-wo", "INIT_DEST=NO_DATA",
		}); err != nil {
			log.Error(g.logTag+"warp failed", zap.Error(err))
			err = fmt.Errorf("%w: %v", ErrRasterWrite, err)
			return
		}
		gc = append(gc, work)
	}
	cog, err := work.Translate(out, []string{
		"-of", "COG",
		"-a_nodata", nd,
		"-co", "COMPRESS=LZW",
		"-co", "BLOCKSIZE=" + COG_BLOCK_SIZE,
	})
	if err != nil {
		log.Error(g.logTag+"write cog failed", zap.String("out", out), zap.Error(err))
		err = fmt.Errorf("%w: %v", ErrRasterWrite, err)
		return
	}
	gc = append(gc, cog)
	gt, err := cog.GeoTransform()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRasterWrite, err)
		return
	}
	st := cog.Structure()
	info = &OutputInfo{
		Path:   out,
		Bounds: Affine(gt).Bounds(st.SizeX, st.SizeY),
		CRS:    FormatEpsg(tSrid),
	}
	log.Info(g.logTag+"output raster written", zap.String("out", out), zap.Int("width", st.SizeX), zap.Int("height", st.SizeY))
	return
}

// 读取单波段栅格（校验输出用）
func (g *GdalToolbox) ReadGrid(path string) (grid *RasterGrid, err error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRasterOpen, err)
		return
	}
	defer ds.Close()
	r := datasetReader{g: g, ds: ds}
	w, h := r.Size()
	srid, err := r.Srid()
	if err != nil {
		return
	}
	grid = &RasterGrid{
		Bands:     make([][]float32, r.BandCount()),
		Width:     w,
		Height:    h,
		Transform: r.Transform(),
		Srid:      srid,
	}
	for i, band := range ds.Bands() {
		if nd, ok := band.NoData(); ok {
			grid.NoData = nd
		}
		grid.Bands[i] = make([]float32, w*h)
		if err = r.ReadWindow(i, 0, 0, w, h, grid.Bands[i]); err != nil {
			err = fmt.Errorf("%w: %v", ErrRasterRead, err)
			return
		}
	}
	return
}
