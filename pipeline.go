package tillermap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wgdzlh/tillermap/log"
	"github.com/wgdzlh/tillermap/utils"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	StageReconcile = "reconcile"
	StageFetch     = "fetch"
	StageClip      = "clip"
	StageFeatures  = "features"
	StagePredict   = "predict"
	StageRasterize = "rasterize"
)

// 分蘖密度图请求
type Request struct {
	Polygon json.RawMessage `json:"polygon"`
	CRS     string          `json:"crs"`
	Date    string          `json:"date"`
}

// 分蘖密度图结果
type Result struct {
	Filename string
	Path     string
	Bounds   Bounds
	CRS      string
	Pixels   int
	Masked   int
}

type PipelineConfig struct {
	OutDir         string
	SourceTimeout  time.Duration
	PredictTimeout time.Duration
}

type Pipeline struct {
	tb        *GdalToolbox
	source    RasterSource
	predictor Predictor
	metrics   *Metrics
	clock     clockwork.Clock
	cfg       PipelineConfig
	logTag    string
}

type PipelineOption func(*Pipeline)

// 替换时间源（输出文件名中的时间标签）
func WithClock(c clockwork.Clock) PipelineOption {
	return func(p *Pipeline) {
		p.clock = c
	}
}

func NewPipeline(tb *GdalToolbox, source RasterSource, predictor Predictor, metrics *Metrics, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		tb:        tb,
		source:    source,
		predictor: predictor,
		metrics:   metrics,
		clock:     clockwork.NewRealClock(),
		cfg:       cfg,
		logTag:    "Pipeline:",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// 校验请求，返回多边形与日期
func (p *Pipeline) parseRequest(req Request) (poly Polygon, date string, err error) {
	crs := req.CRS
	if crs == "" {
		crs = FormatEpsg(UNIVERSAL_SRID)
	}
	if len(req.Polygon) == 0 || string(req.Polygon) == "null" {
		err = fmt.Errorf("%w: %w", ErrInputValidation, ErrMissingPolygon)
		return
	}
	if date = strings.TrimSpace(req.Date); date == "" {
		err = fmt.Errorf("%w: %w", ErrInputValidation, ErrMissingDate)
		return
	}
	if _, e := time.Parse(DATE_LAYOUT, date); e != nil {
		err = fmt.Errorf("%w: %w: %q", ErrInputValidation, ErrInvalidDate, date)
		return
	}
	epsg, err := ParseEpsg(crs)
	if err != nil {
		return
	}
	poly, err = ParsePolygon(req.Polygon, epsg)
	return
}

// 生成分蘖密度图：校验→转WGS84→确定UTM分带→获取影像→剪切→计算特征→适配形状→预测→掩膜→输出COG
func (p *Pipeline) Run(ctx context.Context, req Request) (res *Result, err error) {
	p.metrics.InFlight.Inc()
	defer p.metrics.InFlight.Dec()
	defer func() {
		if err != nil {
			kind := KindOf(err)
			p.metrics.Requests.WithLabelValues("error", kind).Inc()
			log.Error(p.logTag+"request failed", zap.String("kind", kind), zap.Error(err))
			return
		}
		p.metrics.Requests.WithLabelValues("success", "").Inc()
	}()

	poly, date, err := p.parseRequest(req)
	if err != nil {
		return
	}
	log.Info(p.logTag+"start request", zap.Int("srid", poly.Srid), zap.String("date", date))

	start := p.clock.Now()
	wgs, err := p.tb.ReconcileCRS(poly, UNIVERSAL_SRID)
	if err != nil {
		return
	}
	var (
		utm     int
		clipped = poly
	)
	if IsUtmEpsg(poly.Srid) {
		utm = poly.Srid
	} else {
		if utm, err = p.tb.UtmEpsgFor(wgs); err != nil {
			return
		}
		if clipped, err = p.tb.ReconcileCRS(wgs, utm); err != nil {
			return
		}
	}
	p.observe(StageReconcile, start)

	start = p.clock.Now()
	scene, err := p.fetch(ctx, SceneQuery{Polygon: wgs, Date: date, DownloadEPSG: utm})
	if err != nil {
		return
	}
	defer scene.Release()
	p.observe(StageFetch, start)

	start = p.clock.Now()
	grid, mask, err := p.tb.ClipScene(scene, clipped)
	if err != nil {
		return
	}
	p.metrics.ClippedPixels.Observe(float64(grid.PixelCount()))
	if mask.Count() == 0 {
		err = fmt.Errorf("%w: source raster has no valid pixel inside the polygon", ErrSourceAcquisition)
		return
	}
	p.observe(StageClip, start)

	start = p.clock.Now()
	fm, err := ComputeFeatures(grid)
	if err != nil {
		return
	}
	p.observe(StageFeatures, start)

	start = p.clock.Now()
	preds, err := p.predict(ctx, fm)
	if err != nil {
		return
	}
	p.observe(StagePredict, start)

	start = p.clock.Now()
	pg, err := PredictionGrid(grid, preds)
	if err != nil {
		return
	}
	masked, err := ApplyMask(pg, mask)
	if err != nil {
		return
	}
	p.metrics.MaskedPixels.Add(float64(masked))
	name := OUTPUT_PREFIX + utils.GetTimeTag(p.clock.Now()) + "_" + utils.ShortUUID() + FILE_EXT_TIF
	if err = os.MkdirAll(p.cfg.OutDir, os.ModePerm); err != nil {
		return
	}
	out := filepath.Join(p.cfg.OutDir, name)
	info, err := p.tb.Rasterize(pg, OUTPUT_SRID, out)
	if err != nil {
		return
	}
	p.observe(StageRasterize, start)

	res = &Result{
		Filename: name,
		Path:     info.Path,
		Bounds:   info.Bounds,
		CRS:      info.CRS,
		Pixels:   pg.PixelCount(),
		Masked:   masked,
	}
	log.Info(p.logTag+"request done", zap.String("out", name), zap.Int("pixels", res.Pixels), zap.Int("masked", masked))
	return
}

func (p *Pipeline) fetch(ctx context.Context, q SceneQuery) (scene *Scene, err error) {
	if p.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SourceTimeout)
		defer cancel()
	}
	scene, err = p.source.Fetch(ctx, q)
	if err != nil {
		err = ensureKind(err, ErrSourceAcquisition)
		return
	}
	if scene == nil || (scene.Path == "" && scene.Grid == nil) {
		scene.Release()
		err = fmt.Errorf("%w: %w", ErrSourceAcquisition, ErrEmptyScene)
	}
	return
}

func (p *Pipeline) predict(ctx context.Context, fm *FeatureMatrix) (preds []float32, err error) {
	shape := p.predictor.InputShape()
	t, err := AdaptFeatures(fm, shape)
	if err != nil {
		return
	}
	if p.cfg.PredictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PredictTimeout)
		defer cancel()
	}
	log.Info(p.logTag+"predict", zap.Stringer("shape", shape), zap.Int("batch", t.Batch))
	if preds, err = p.predictor.Predict(ctx, t); err != nil {
		err = ensureKind(err, ErrPredictor)
		return
	}
	if len(preds) != t.Batch {
		err = fmt.Errorf("%w: %w: got %d, expect %d", ErrPredictor, ErrPredictionCount, len(preds), t.Batch)
	}
	return
}

func (p *Pipeline) observe(stage string, start time.Time) {
	p.metrics.StageDuration.WithLabelValues(stage).Observe(p.clock.Since(start).Seconds())
}

// 无类别的错误归入kind，超时附加说明
func ensureKind(err, kind error) error {
	if KindOf(err) != "InternalError" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out: %w", kind, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}
