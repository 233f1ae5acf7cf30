package tillermap

import (
	"fmt"
	"math"

	"github.com/wgdzlh/tillermap/log"

	"go.uber.org/zap"
)

// 单像元的6个原始波段反射率
type pixel struct {
	b, g, r, nir, swir1, swir2 float64
}

type feature struct {
	name string
	calc func(p pixel) float64
}

// 特征定义，次序即输出列序
var features = []feature{
	{"B", func(p pixel) float64 { return p.b }},
	{"G1", func(p pixel) float64 { return p.swir1 }},
	{"G", func(p pixel) float64 { return p.g }},
	{"Y", func(p pixel) float64 { return p.swir2 }},
	{"R", func(p pixel) float64 { return p.r }},
	{"RE", func(p pixel) float64 { return p.nir * sanitize(ndvi(p)) }},
	{"NIR", func(p pixel) float64 { return p.nir }},
	{"NDVI", ndvi},
	{"EVI", func(p pixel) float64 { return 2.5 * (p.nir - p.r) / (p.nir + 6*p.r - 7.5*p.b + 1) }},
	{"GNDVI", func(p pixel) float64 { return (p.nir - p.g) / (p.nir + p.g) }},
	{"SAVI", func(p pixel) float64 { return (p.nir - p.r) / (p.nir + p.r + 0.5) * 1.5 }},
	{"NDRE", func(p pixel) float64 { return (p.nir - p.swir1) / (p.nir + p.swir1) }},
	{"MSAVI", func(p pixel) float64 {
		n2 := 2*p.nir + 1
		return 0.5 * (n2 - math.Sqrt(n2*n2-8*(p.nir-p.r)))
	}},
	{"GCI", func(p pixel) float64 { return p.nir/p.g - 1 }},
	{"RVI_1", func(p pixel) float64 { return p.nir / p.r }},
	{"RGVI", func(p pixel) float64 { return p.r / p.g }},
	{"NDWI", func(p pixel) float64 { return (p.g - p.nir) / (p.g + p.nir) }},
	{"RVI_2", func(p pixel) float64 { return p.nir / p.g }},
	{"SIPI", func(p pixel) float64 { return (p.nir - p.b) / (p.nir + p.r) }},
	{"NEXG", func(p pixel) float64 { return (2*p.g - p.r - p.b) / (p.g + p.r + p.b) }},
	{"NGRDI", func(p pixel) float64 { return (p.g - p.r) / (p.g + p.r) }},
}

func ndvi(p pixel) float64 {
	return (p.nir - p.r) / (p.nir + p.r)
}

// 非有限值（含转float32后溢出）替换为FILL_VALUE
func sanitize(v float64) float64 {
	f := float32(v)
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return FILL_VALUE
	}
	return float64(f)
}

func checkFeatureOrder(names []string) (err error) {
	if len(names) != FEATURE_COUNT {
		err = fmt.Errorf("%w: %w: %d features", ErrShapeMismatch, ErrFeatureOrder, len(names))
		return
	}
	for i, n := range names {
		if n != FeatureOrder[i] {
			err = fmt.Errorf("%w: %w: slot %d is %s, expect %s", ErrShapeMismatch, ErrFeatureOrder, i, n, FeatureOrder[i])
			return
		}
	}
	return
}

// 由6波段栅格（B,G,R,NIR,SWIR1,SWIR2）计算逐像元的21个特征
func ComputeFeatures(grid *RasterGrid) (fm *FeatureMatrix, err error) {
	if n := grid.BandCount(); n != RAW_BAND_COUNT {
		err = fmt.Errorf("%w: %w: got %d, expect %d", ErrInputValidation, ErrWrongBandCount, n, RAW_BAND_COUNT)
		return
	}
	names := make([]string, len(features))
	for i, f := range features {
		names[i] = f.name
	}
	if err = checkFeatureOrder(names); err != nil {
		log.Error("feature order drift", zap.Strings("names", names))
		return
	}
	rows := grid.PixelCount()
	fm = &FeatureMatrix{
		Names: names,
		Rows:  rows,
		Cols:  len(features),
		Data:  make([]float32, rows*len(features)),
	}
	bs := grid.Bands
	for i := 0; i < rows; i++ {
		p := pixel{
			b:     float64(bs[0][i]),
			g:     float64(bs[1][i]),
			r:     float64(bs[2][i]),
			nir:   float64(bs[3][i]),
			swir1: float64(bs[4][i]),
			swir2: float64(bs[5][i]),
		}
		row := fm.Data[i*fm.Cols : (i+1)*fm.Cols]
		for j, f := range features {
			row[j] = float32(sanitize(f.calc(p)))
		}
	}
	log.Debug("computed features", zap.Int("pixels", rows), zap.Int("features", fm.Cols))
	return
}
