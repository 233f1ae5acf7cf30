package tillermap

import (
	"math"

	"github.com/paulmach/orb"
)

const (
	degToRad = math.Pi / 180

	xr = 20037508.34 / 180
	yr = xr / degToRad
	tr = degToRad / 2
)

// 仿射变换，系数次序同GDAL：x = a0 + col*a1 + row*a2，y = a3 + col*a4 + row*a5
type Affine [6]float64

func (a Affine) Apply(col, row float64) (x, y float64) {
	x = a[0] + col*a[1] + row*a[2]
	y = a[3] + col*a[4] + row*a[5]
	return
}

// 无旋转项
func (a Affine) IsRectilinear() bool {
	return a[2] == 0 && a[4] == 0
}

// 逆变换：地理坐标 → 像元坐标
func (a Affine) Invert() (inv Affine, err error) {
	det := a[1]*a[5] - a[2]*a[4]
	if det == 0 || !isFinite(det) {
		err = ErrNotInvertible
		return
	}
	inv[1] = a[5] / det
	inv[2] = -a[2] / det
	inv[4] = -a[4] / det
	inv[5] = a[1] / det
	inv[0] = -a[0]*inv[1] - a[3]*inv[2]
	inv[3] = -a[0]*inv[4] - a[3]*inv[5]
	return
}

// 窗口左上角平移到(col, row)后的仿射变换
func (a Affine) Offset(col, row int) Affine {
	x, y := a.Apply(float64(col), float64(row))
	return Affine{x, a[1], a[2], y, a[4], a[5]}
}

// w*h像元范围的四角外包
func (a Affine) Bounds(w, h int) (b Bounds) {
	fw, fh := float64(w), float64(h)
	b.Left, b.Top = math.Inf(1), math.Inf(-1)
	b.Right, b.Bottom = math.Inf(-1), math.Inf(1)
	for _, c := range [4][2]float64{{0, 0}, {fw, 0}, {0, fh}, {fw, fh}} {
		x, y := a.Apply(c[0], c[1])
		b.Left = min(b.Left, x)
		b.Right = max(b.Right, x)
		b.Bottom = min(b.Bottom, y)
		b.Top = max(b.Top, y)
	}
	return
}

// 外包范围在像元空间中的窗口（向下/向上取整），已截断至栅格大小
func (a Affine) Window(bound orb.Bound, w, h int) (x0, y0, x1, y1 int, err error) {
	inv, err := a.Invert()
	if err != nil {
		return
	}
	minC, minR := math.Inf(1), math.Inf(1)
	maxC, maxR := math.Inf(-1), math.Inf(-1)
	for _, p := range []orb.Point{bound.Min, bound.Max, {bound.Min[0], bound.Max[1]}, {bound.Max[0], bound.Min[1]}} {
		c, r := inv.Apply(p[0], p[1])
		minC, maxC = min(minC, c), max(maxC, c)
		minR, maxR = min(minR, r), max(maxR, r)
	}
	x0 = max(0, int(math.Floor(snap(minC))))
	y0 = max(0, int(math.Floor(snap(minR))))
	x1 = min(w, int(math.Ceil(snap(maxC))))
	y1 = min(h, int(math.Ceil(snap(maxR))))
	return
}

// 与整数相差不足1e-9的像元坐标取整
func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < 1e-9 {
		return r
	}
	return v
}

func (b Bounds) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.Left, b.Bottom}, Max: orb.Point{b.Right, b.Top}}
}

func Convert4326To3857(lon, lat float64) (lonIn3857, latIn3857 float64) {
	lonIn3857 = lon * xr
	latIn3857 = math.Log(math.Tan((90+lat)*tr)) * yr
	return
}

func Convert3857To4326(lonIn3857, latIn3857 float64) (lon, lat float64) {
	lon = lonIn3857 / xr
	lat = math.Atan(math.Pow(math.E, latIn3857/yr))/tr - 90
	return
}
