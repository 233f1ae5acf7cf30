package tillermap

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
)

// 多边形及其坐标系，Geom只能是orb.Polygon或orb.MultiPolygon
type Polygon struct {
	Geom orb.Geometry
	Srid int
}

// 多波段栅格，Bands[i]按行优先存放Height*Width个像元
type RasterGrid struct {
	Bands     [][]float32
	Width     int
	Height    int
	Transform Affine
	Srid      int
	NoData    float64
}

// 像元有效性掩膜，Valid按行优先存放
type ValidityMask struct {
	Width  int
	Height int
	Valid  []bool
}

// 逐像元特征矩阵，Data按行优先存放Rows*Cols个值，列名为Names
type FeatureMatrix struct {
	Names []string
	Rows  int
	Cols  int
	Data  []float32
}

// 模型输入形状 (steps, channels)
type InputShape struct {
	Steps    int
	Channels int
}

// 模型输入张量 [batch, steps, channels]，Features为原始特征数
type Tensor struct {
	Batch    int
	Steps    int
	Channels int
	Features int
	Data     []float32
}

// 范围（left, bottom, right, top）
type Bounds struct {
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
	Top    float64 `json:"top"`
}

// 数据源返回的影像：Path为磁盘上的6波段影像，或Grid为内存中已按波段顺序叠加的影像
type Scene struct {
	Path    string
	Grid    *RasterGrid
	Cleanup func() // 释放数据源产生的临时文件，可为空
}

// 影像查询条件
type SceneQuery struct {
	Polygon      Polygon // EPSG:4326
	Date         string
	DownloadEPSG int
}

// 上游影像数据源
type RasterSource interface {
	Fetch(ctx context.Context, q SceneQuery) (*Scene, error)
}

// 预测模型：声明输入形状，并对每个样本输出一个标量
type Predictor interface {
	InputShape() InputShape
	Predict(ctx context.Context, t *Tensor) ([]float32, error)
}

func (s *Scene) Release() {
	if s != nil && s.Cleanup != nil {
		s.Cleanup()
	}
}

func (s InputShape) String() string {
	return fmt.Sprintf("(%d, %d)", s.Steps, s.Channels)
}

func (g *RasterGrid) BandCount() int {
	return len(g.Bands)
}

func (g *RasterGrid) PixelCount() int {
	return g.Width * g.Height
}

func (g *RasterGrid) Bounds() Bounds {
	return g.Transform.Bounds(g.Width, g.Height)
}

func (m *ValidityMask) At(row, col int) bool {
	return m.Valid[row*m.Width+col]
}

func (m *ValidityMask) Count() (n int) {
	for _, v := range m.Valid {
		if v {
			n++
		}
	}
	return
}

func (fm *FeatureMatrix) At(row, col int) float32 {
	return fm.Data[row*fm.Cols+col]
}

func (fm *FeatureMatrix) Row(row int) []float32 {
	return fm.Data[row*fm.Cols : (row+1)*fm.Cols]
}

// 获取列名对应的列号，不存在返回-1
func (fm *FeatureMatrix) Index(name string) int {
	for i, n := range fm.Names {
		if n == name {
			return i
		}
	}
	return -1
}

func (fm *FeatureMatrix) Column(name string) (col []float32, ok bool) {
	idx := fm.Index(name)
	if idx < 0 {
		return
	}
	col = make([]float32, fm.Rows)
	for r := 0; r < fm.Rows; r++ {
		col[r] = fm.Data[r*fm.Cols+idx]
	}
	ok = true
	return
}

func (t *Tensor) Sample(i int) []float32 {
	n := t.Steps * t.Channels
	return t.Data[i*n : (i+1)*n]
}

// 还原每个样本的原始特征行（重复的时间步只取第一个）
func (t *Tensor) FeatureRows() [][]float32 {
	rows := make([][]float32, t.Batch)
	for i := range rows {
		rows[i] = t.Sample(i)[:t.Features]
	}
	return rows
}
