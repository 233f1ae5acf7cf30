package tillermap

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/wgdzlh/tillermap/log"

	"github.com/airbusgeo/godal"
	"github.com/lukeroth/gdal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"
)

type GdalToolbox struct {
	refMap map[int]gdal.SpatialReference
	rLock  sync.Mutex
	tmpDir string
	logTag string
}

// 由GDAL库C语言创建的内存对象，需要手动调用Destroy回收
type destroyable interface {
	Destroy()
}

var registerOnce sync.Once

// 初始化GDAL工具箱，tmpDir为可选的临时目录路径（未提供的话为当前目录）
func NewGdalToolbox(tmpDir ...string) *GdalToolbox {
	registerOnce.Do(godal.RegisterAll)
	g := &GdalToolbox{
		refMap: map[int]gdal.SpatialReference{},
		logTag: "GdalToolbox:",
	}
	if len(tmpDir) > 0 && tmpDir[0] != "" {
		g.tmpDir = tmpDir[0]
	}
	return g
}

// 获取srid对应的坐标系（可复用，故无需回收）
func (g *GdalToolbox) getSridRef(srid int) (ref gdal.SpatialReference, err error) {
	g.rLock.Lock()
	defer g.rLock.Unlock()
	ref, ok := g.refMap[srid]
	if ok {
		return
	}
	ref = gdal.CreateSpatialReference("")
	if err = ref.FromEPSG(srid); err != nil {
		log.Error(g.logTag+"set ref srid failed", zap.Int("srid", srid), zap.Error(err))
		ref.Destroy()
		err = fmt.Errorf("%w: %w: EPSG:%d", ErrInputValidation, ErrInvalidCRS, srid)
		return
	}
	// 坐标轴次序固定为(经度,纬度)，与输入GeoJSON一致
	ref.SetAxisMappingStrategy(gdal.OAMS_TraditionalGisOrder)
	g.refMap[srid] = ref
	return
}

// 判断两个srid是否为同一坐标系
func (g *GdalToolbox) SameCRS(srid, tSrid int) (same bool, err error) {
	if srid == tSrid {
		same = true
		return
	}
	ref, err := g.getSridRef(srid)
	if err != nil {
		return
	}
	tRef, err := g.getSridRef(tSrid)
	if err != nil {
		return
	}
	same = ref.IsSame(tRef)
	return
}

func (g *GdalToolbox) isGeographic(srid int) bool {
	ref, err := g.getSridRef(srid)
	if err != nil {
		return false
	}
	return ref.IsGeographic()
}

func (g *GdalToolbox) toGdal(geom orb.Geometry, ref gdal.SpatialReference) (ret gdal.Geometry, err error) {
	raw, err := wkb.Marshal(geom)
	if err != nil {
		return
	}
	ret, err = gdal.CreateFromWKB(raw, ref, len(raw))
	if err != nil {
		log.Error(g.logTag+"parse wkb failed", zap.Error(err))
	}
	return
}

func (g *GdalToolbox) fromGdal(geo gdal.Geometry) (ret orb.Geometry, err error) {
	raw, err := geo.ToWKB()
	if err != nil {
		return
	}
	if ret, err = wkb.Unmarshal(raw); err != nil {
		log.Error(g.logTag+"unmarshal wkb failed", zap.Error(err))
	}
	return
}

// 转换多边形坐标系：同一坐标系时原样返回；否则校验修复、投影、（地理坐标系下）沿180度经线切分、保留6位小数后再校验修复
func (g *GdalToolbox) ReconcileCRS(poly Polygon, tSrid int) (out Polygon, err error) {
	same, err := g.SameCRS(poly.Srid, tSrid)
	if err != nil {
		return
	}
	if same {
		out = poly
		return
	}
	if err = CheckPolygon(poly.Geom); err != nil {
		return
	}
	log.Debug(g.logTag+"reconcile polygon crs", zap.Int("srid", poly.Srid), zap.Int("tSrid", tSrid))
	geom, err := g.Repair(poly.Geom, poly.Srid)
	if err != nil {
		return
	}
	if geom, err = g.transform(geom, poly.Srid, tSrid); err != nil {
		return
	}
	if g.isGeographic(tSrid) {
		geom = SplitAntimeridian(geom)
	}
	geom = orb.Round(geom, COORD_PRECISION)
	if geom, err = g.Repair(geom, tSrid); err != nil {
		return
	}
	out = Polygon{Geom: geom, Srid: tSrid}
	return
}

func (g *GdalToolbox) transform(geom orb.Geometry, srid, tSrid int) (ret orb.Geometry, err error) {
	ref, err := g.getSridRef(srid)
	if err != nil {
		return
	}
	tRef, err := g.getSridRef(tSrid)
	if err != nil {
		return
	}
	geo, err := g.toGdal(geom, ref)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInputValidation, err)
		return
	}
	defer geo.Destroy()
	if err = geo.TransformTo(tRef); err != nil {
		log.Error(g.logTag+"geo transform failed", zap.Int("srid", srid), zap.Int("tSrid", tSrid), zap.Error(err))
		err = fmt.Errorf("%w: reproject EPSG:%d to EPSG:%d: %v", ErrInputValidation, srid, tSrid, err)
		return
	}
	ret, err = g.fromGdal(geo)
	return
}

// 按多边形质心计算UTM分带的EPSG代码（多边形须为EPSG:4326）
func (g *GdalToolbox) UtmEpsgFor(poly Polygon) (epsg int, err error) {
	geom, err := g.Repair(poly.Geom, UNIVERSAL_SRID)
	if err != nil {
		return
	}
	c, _ := planar.CentroidArea(geom)
	epsg, err = UtmEpsgAt(c.Lon(), c.Lat())
	if err == nil {
		log.Info(g.logTag+"computed utm epsg from centroid", zap.Int("epsg", epsg), zap.Float64("lon", c.Lon()), zap.Float64("lat", c.Lat()))
	}
	return
}

func UtmEpsgAt(lon, lat float64) (epsg int, err error) {
	if lat > UTM_MAX_LAT || lat < UTM_MIN_LAT {
		err = fmt.Errorf("%w: %w", ErrInputValidation, ErrUtmUndefined)
		return
	}
	zone := int(math.Floor((lon+180)/6)) + 1
	zone = max(1, min(zone, 60))
	if lat >= 0 {
		epsg = UTM_NORTH_BASE + zone
	} else {
		epsg = UTM_SOUTH_BASE + zone
	}
	return
}

func IsUtmEpsg(epsg int) bool {
	return (epsg > UTM_NORTH_BASE && epsg <= UTM_NORTH_BASE+60) || (epsg > UTM_SOUTH_BASE && epsg <= UTM_SOUTH_BASE+60)
}

// 解析"EPSG:n"格式的坐标系
func ParseEpsg(crs string) (epsg int, err error) {
	code, ok := strings.CutPrefix(strings.TrimSpace(crs), EPSG_PREFIX)
	if !ok {
		err = fmt.Errorf("%w: %w: %q", ErrInputValidation, ErrInvalidCRS, crs)
		return
	}
	if epsg, err = strconv.Atoi(code); err != nil || epsg <= 0 {
		err = fmt.Errorf("%w: %w: %q", ErrInputValidation, ErrInvalidCRS, crs)
	}
	return
}

func FormatEpsg(epsg int) string {
	return EPSG_PREFIX + strconv.Itoa(epsg)
}

// 获取栅格坐标系对应的srid
func (g *GdalToolbox) rasterSrid(ds *godal.Dataset) (srid int, err error) {
	sr := ds.SpatialRef()
	if sr == nil {
		err = ErrVoidSrid
		return
	}
	defer sr.Close()
	code := sr.AuthorityCode("")
	if code == "" {
		if e := sr.AutoIdentifyEPSG(); e == nil {
			code = sr.AuthorityCode("")
		}
	}
	if code == "" {
		err = ErrVoidSrid
		return
	}
	srid, err = strconv.Atoi(code)
	return
}
