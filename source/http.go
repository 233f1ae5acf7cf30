package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/wgdzlh/tillermap"
	"github.com/wgdzlh/tillermap/log"
	"github.com/wgdzlh/tillermap/utils"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

var (
	ErrUnmappedBand  = errors.New("band has no slot mapping")
	ErrDuplicateBand = errors.New("band slot filled twice")
	ErrMissingBand   = errors.New("band slot not filled")
	ErrBandMismatch  = errors.New("single-band rasters are not aligned")
	ErrAllZero       = errors.New("stacked raster has no non-zero pixel")
)

type Config struct {
	URL        string
	WindowDays int
	TmpDir     string
	// 单波段文件名（大小写折叠后）→ 波段槽位（B,G,R,NIR,SWIR1,SWIR2）
	BandMap map[string]string
}

type fetchRequest struct {
	Polygon    *geojson.Geometry `json:"polygon"`
	Date       string            `json:"date"`
	WindowDays int               `json:"window_days"`
	CRS        string            `json:"crs"`
	Bands      []string          `json:"bands"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// 影像数据源HTTP客户端：返回6波段GeoTIFF，或单波段GeoTIFF的zip包
type HTTP struct {
	cfg    Config
	client *http.Client
	tb     *tillermap.GdalToolbox
	slots  map[string]int
	logTag string
}

func NewHTTP(cfg Config, tb *tillermap.GdalToolbox, client *http.Client) (s *HTTP, err error) {
	if client == nil {
		client = http.DefaultClient
	}
	s = &HTTP{
		cfg:    cfg,
		client: client,
		tb:     tb,
		slots:  map[string]int{},
		logTag: "HTTPSource:",
	}
	for i, b := range tillermap.BandOrder {
		s.slots[b] = i
	}
	mapped := make([]string, 0, len(cfg.BandMap))
	for name, slot := range cfg.BandMap {
		if _, ok := s.slots[slot]; !ok {
			err = fmt.Errorf("band %s maps to unknown slot %s", name, slot)
			return
		}
		mapped = append(mapped, slot)
	}
	if len(cfg.BandMap) > 0 && !utils.ContainsAll(mapped, tillermap.BandOrder[:]) {
		err = fmt.Errorf("band mapping must cover all of %v", tillermap.BandOrder)
	}
	return
}

func (s *HTTP) Fetch(ctx context.Context, q tillermap.SceneQuery) (scene *tillermap.Scene, err error) {
	payload, err := json.Marshal(fetchRequest{
		Polygon:    geojson.NewGeometry(q.Polygon.Geom),
		Date:       q.Date,
		WindowDays: s.cfg.WindowDays,
		CRS:        tillermap.FormatEpsg(q.DownloadEPSG),
		Bands:      tillermap.BandOrder[:],
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		err = fmt.Errorf("%w: %w", tillermap.ErrSourceAcquisition, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	log.Info(s.logTag+"fetch scene", zap.String("date", q.Date), zap.Int("epsg", q.DownloadEPSG))
	resp, err := s.client.Do(req)
	if err != nil {
		err = fmt.Errorf("%w: failed to fetch satellite image: %w", tillermap.ErrSourceAcquisition, err)
		return
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%w: read image: %w", tillermap.ErrSourceAcquisition, err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		var body errorResponse
		msg := strings.TrimSpace(utils.B2S(data))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		err = fmt.Errorf("%w: source status %d: %s", tillermap.ErrSourceAcquisition, resp.StatusCode, msg)
		return
	}
	if utils.IsZip(data) {
		return s.stackZip(data)
	}
	return s.saveTif(data)
}

func (s *HTTP) saveTif(data []byte) (scene *tillermap.Scene, err error) {
	path, err := utils.WriteUniqFile(s.cfg.TmpDir, tillermap.TMP_RASTER, data)
	if err != nil {
		err = fmt.Errorf("%w: save image: %w", tillermap.ErrSourceAcquisition, err)
		return
	}
	log.Info(s.logTag+"scene saved", zap.String("path", path), zap.Int("bytes", len(data)))
	scene = &tillermap.Scene{
		Path:    path,
		Cleanup: func() { os.Remove(path) },
	}
	return
}

// 解压单波段影像，按波段映射叠加为内存中的6波段栅格
func (s *HTTP) stackZip(data []byte) (scene *tillermap.Scene, err error) {
	dir, err := utils.GetUniqSubDir(s.cfg.TmpDir)
	if err != nil {
		err = fmt.Errorf("%w: %w", tillermap.ErrSourceAcquisition, err)
		return
	}
	defer os.RemoveAll(dir)
	tifs, err := utils.GetTifsInZip(data, dir)
	if err != nil {
		err = fmt.Errorf("%w: %w", tillermap.ErrSourceAcquisition, err)
		return
	}
	var grid *tillermap.RasterGrid
	if len(tifs) == 1 {
		if grid, err = s.tb.ReadGrid(tifs[0]); err != nil {
			err = fmt.Errorf("%w: %w", tillermap.ErrSourceAcquisition, err)
			return
		}
	} else if grid, err = s.stack(tifs); err != nil {
		return
	}
	if allZero(grid) {
		err = fmt.Errorf("%w: %w", tillermap.ErrSourceAcquisition, ErrAllZero)
		return
	}
	log.Info(s.logTag+"stacked scene", zap.Int("bands", grid.BandCount()), zap.Int("width", grid.Width), zap.Int("height", grid.Height), zap.Int("srid", grid.Srid))
	scene = &tillermap.Scene{Grid: grid}
	return
}

func allZero(grid *tillermap.RasterGrid) bool {
	for _, b := range grid.Bands {
		for _, v := range b {
			if v != 0 {
				return false
			}
		}
	}
	return true
}

// 获取单波段文件对应的槽位：先按完整文件名，再按最后一个"."后的部分
func (s *HTTP) slotOf(path string) (slot int, err error) {
	name := utils.GetFilenameWithoutExt(path)
	keys := []string{utils.FoldBandName(name)}
	if i := strings.LastIndex(name, "."); i >= 0 {
		keys = append(keys, utils.FoldBandName(name[i+1:]))
	}
	for _, k := range keys {
		if b, ok := s.cfg.BandMap[k]; ok {
			slot = s.slots[b]
			return
		}
	}
	err = fmt.Errorf("%w: %w: %s", tillermap.ErrSourceAcquisition, ErrUnmappedBand, name)
	return
}

func (s *HTTP) stack(tifs []string) (grid *tillermap.RasterGrid, err error) {
	grid = &tillermap.RasterGrid{Bands: make([][]float32, tillermap.RAW_BAND_COUNT)}
	var ref *tillermap.RasterGrid
	for _, tif := range tifs {
		slot, e := s.slotOf(tif)
		if e != nil {
			err = e
			return
		}
		if grid.Bands[slot] != nil {
			err = fmt.Errorf("%w: %w: %s", tillermap.ErrSourceAcquisition, ErrDuplicateBand, tillermap.BandOrder[slot])
			return
		}
		band, e := s.tb.ReadGrid(tif)
		if e != nil {
			err = fmt.Errorf("%w: %w", tillermap.ErrSourceAcquisition, e)
			return
		}
		if band.BandCount() != 1 {
			err = fmt.Errorf("%w: %w: %s has %d bands", tillermap.ErrSourceAcquisition, tillermap.ErrWrongBandCount, tif, band.BandCount())
			return
		}
		if ref == nil {
			ref = band
			grid.Width, grid.Height = band.Width, band.Height
			grid.Transform, grid.Srid = band.Transform, band.Srid
		} else if band.Width != ref.Width || band.Height != ref.Height || band.Transform != ref.Transform || band.Srid != ref.Srid {
			err = fmt.Errorf("%w: %w: %s", tillermap.ErrSourceAcquisition, ErrBandMismatch, tif)
			return
		}
		grid.Bands[slot] = band.Bands[0]
		log.Debug(s.logTag+"stacked band", zap.String("file", tif), zap.String("slot", tillermap.BandOrder[slot]))
	}
	for i, b := range grid.Bands {
		if b == nil {
			err = fmt.Errorf("%w: %w: %s", tillermap.ErrSourceAcquisition, ErrMissingBand, tillermap.BandOrder[i])
			return
		}
	}
	return
}
