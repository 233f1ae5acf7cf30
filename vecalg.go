package tillermap

import (
	"fmt"
	"math"

	"github.com/wgdzlh/tillermap/log"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

var (
	westHemisphere = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
	eastWrapped    = orb.Bound{Min: orb.Point{180, -90}, Max: orb.Point{540, 90}}
)

// 解析GeoJSON几何（或Feature）为多边形
func ParsePolygon(raw []byte, srid int) (poly Polygon, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		err = fmt.Errorf("%w: %w", ErrInputValidation, ErrMissingPolygon)
		return
	}
	var geom orb.Geometry
	if gj, e := geojson.UnmarshalGeometry(raw); e == nil && gj.Coordinates != nil {
		geom = gj.Coordinates
	} else if f, e2 := geojson.UnmarshalFeature(raw); e2 == nil && f.Geometry != nil {
		geom = f.Geometry
	} else {
		err = fmt.Errorf("%w: invalid polygon GeoJSON: %v", ErrInputValidation, e)
		return
	}
	if err = CheckPolygon(geom); err != nil {
		return
	}
	poly = Polygon{Geom: geom, Srid: srid}
	return
}

// 检查几何类型为Polygon/MultiPolygon，且所有坐标有限、非空
func CheckPolygon(geom orb.Geometry) (err error) {
	var polys []orb.Polygon
	switch v := geom.(type) {
	case orb.Polygon:
		polys = []orb.Polygon{v}
	case orb.MultiPolygon:
		polys = v
	default:
		err = fmt.Errorf("%w: %w: %T", ErrInputValidation, ErrGdalWrongGeoType, geom)
		return
	}
	n := 0
	for _, p := range polys {
		for _, ring := range p {
			for _, pt := range ring {
				if !isFinite(pt[0]) || !isFinite(pt[1]) {
					err = fmt.Errorf("%w: %w", ErrInputValidation, ErrNonFiniteCoord)
					return
				}
				n++
			}
		}
	}
	if n == 0 {
		err = fmt.Errorf("%w: %w", ErrInputValidation, ErrEmptyPolygon)
	}
	return
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// 校验多边形，无效时以0宽度缓冲区修复，修复失败返回ErrGeometryRepair
func (g *GdalToolbox) Repair(geom orb.Geometry, srid int) (ret orb.Geometry, err error) {
	ref, err := g.getSridRef(srid)
	if err != nil {
		return
	}
	geo, err := g.toGdal(geom, ref)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrGeometryRepair, err)
		return
	}
	gc := []destroyable{geo}
	defer func() {
		for _, v := range gc {
			v.Destroy()
		}
	}()
	if !geo.IsValid() {
		log.Warn(g.logTag+"invalid polygon, repair with zero buffer", zap.Int("srid", srid))
		fixed := geo.Buffer(0, RepairBufferSegs)
		gc = append(gc, fixed)
		if fixed.IsEmpty() || !fixed.IsValid() {
			err = fmt.Errorf("%w: polygon is invalid and could not be fixed", ErrGeometryRepair)
			return
		}
		geo = fixed
	}
	if ret, err = g.fromGdal(geo); err != nil {
		err = fmt.Errorf("%w: %v", ErrGeometryRepair, err)
		return
	}
	ret, err = polygonal(ret)
	return
}

// 只保留面要素，缓冲区修复后的GeometryCollection中的面合并为MultiPolygon
func polygonal(geom orb.Geometry) (ret orb.Geometry, err error) {
	switch v := geom.(type) {
	case orb.Polygon, orb.MultiPolygon:
		ret = v
		return
	case orb.Collection:
		var mp orb.MultiPolygon
		for _, sub := range v {
			switch s := sub.(type) {
			case orb.Polygon:
				mp = append(mp, s)
			case orb.MultiPolygon:
				mp = append(mp, s...)
			}
		}
		if len(mp) > 0 {
			ret = collapse(mp)
			return
		}
	}
	err = fmt.Errorf("%w: %w: %T", ErrGeometryRepair, ErrGdalWrongGeoType, geom)
	return
}

func collapse(mp orb.MultiPolygon) orb.Geometry {
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}

// 沿180度经线切分跨越该经线的多边形（经度跨度超过180度视为跨越）
func SplitAntimeridian(geom orb.Geometry) orb.Geometry {
	var polys []orb.Polygon
	switch v := geom.(type) {
	case orb.Polygon:
		polys = []orb.Polygon{v}
	case orb.MultiPolygon:
		polys = v
	default:
		return geom
	}
	var (
		out   orb.MultiPolygon
		split bool
	)
	for _, p := range polys {
		b := p.Bound()
		if b.Max[0]-b.Min[0] <= 180 {
			out = append(out, p)
			continue
		}
		split = true
		shifted := shiftPolygon(p, func(lon float64) float64 {
			if lon < 0 {
				return lon + 360
			}
			return lon
		})
		if w := clip.Polygon(westHemisphere, shifted.Clone()); len(w) > 0 {
			out = append(out, w)
		}
		if e := clip.Polygon(eastWrapped, shifted.Clone()); len(e) > 0 {
			out = append(out, shiftPolygon(e, func(lon float64) float64 { return lon - 360 }))
		}
	}
	if !split {
		return geom
	}
	return collapse(out)
}

func shiftPolygon(p orb.Polygon, f func(float64) float64) orb.Polygon {
	ret := make(orb.Polygon, len(p))
	for i, ring := range p {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = orb.Point{f(pt[0]), pt[1]}
		}
		ret[i] = r
	}
	return ret
}
