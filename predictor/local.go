package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wgdzlh/tillermap"
	"github.com/wgdzlh/tillermap/log"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// 线性模型文件格式
type linearModel struct {
	InputShape [2]int    `json:"input_shape"`
	Weights    []float64 `json:"weights"`
	Bias       float64   `json:"bias"`
}

// 进程内线性模型：对批次内每个输入位置做标准化（总体标准差，为0时取1）后加权求和
type Local struct {
	path   string
	once   sync.Once
	model  *linearModel
	err    error
	logTag string
}

func NewLocal(path string) *Local {
	return &Local{path: path, logTag: "LocalPredictor:"}
}

// 加载模型，只执行一次，之后只读
func (l *Local) Load() error {
	l.once.Do(func() {
		l.model, l.err = loadLinearModel(l.path)
		if l.err != nil {
			log.Error(l.logTag+"load model failed", zap.String("path", l.path), zap.Error(l.err))
			return
		}
		log.Info(l.logTag+"model loaded", zap.String("path", l.path), zap.Ints("inputShape", l.model.InputShape[:]))
	})
	return l.err
}

func loadLinearModel(path string) (m *linearModel, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("%w: read model: %w", tillermap.ErrPredictor, err)
		return
	}
	m = &linearModel{}
	if err = json.Unmarshal(raw, m); err != nil {
		err = fmt.Errorf("%w: parse model: %w", tillermap.ErrPredictor, err)
		return
	}
	if n := m.InputShape[0] * m.InputShape[1]; n <= 0 || len(m.Weights) != n {
		err = fmt.Errorf("%w: model has %d weights for input shape %v", tillermap.ErrPredictor, len(m.Weights), m.InputShape)
		m = nil
	}
	return
}

// 模型未加载成功时返回零值形状，Reshape会据此报错
func (l *Local) InputShape() tillermap.InputShape {
	if l.Load() != nil {
		return tillermap.InputShape{}
	}
	return tillermap.InputShape{Steps: l.model.InputShape[0], Channels: l.model.InputShape[1]}
}

func (l *Local) Predict(ctx context.Context, t *tillermap.Tensor) (preds []float32, err error) {
	if err = l.Load(); err != nil {
		return
	}
	n := t.Steps * t.Channels
	if n != len(l.model.Weights) {
		err = fmt.Errorf("%w: %w: tensor (%d, %d), model %v", tillermap.ErrPredictor, tillermap.ErrUnsupportedShape, t.Steps, t.Channels, l.model.InputShape)
		return
	}
	x := standardize(t)
	if err = ctx.Err(); err != nil {
		err = fmt.Errorf("%w: %w", tillermap.ErrPredictor, err)
		return
	}
	preds = make([]float32, t.Batch)
	for i := range preds {
		preds[i] = float32(floats.Dot(x[i*n:(i+1)*n], l.model.Weights) + l.model.Bias)
	}
	return
}

// 逐输入位置在批次内标准化
func standardize(t *tillermap.Tensor) []float64 {
	n := t.Steps * t.Channels
	x := make([]float64, t.Batch*n)
	for i, v := range t.Data[:t.Batch*n] {
		x[i] = float64(v)
	}
	col := make([]float64, t.Batch)
	for j := 0; j < n; j++ {
		for i := 0; i < t.Batch; i++ {
			col[i] = x[i*n+j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		for i := 0; i < t.Batch; i++ {
			x[i*n+j] = (x[i*n+j] - mean) / std
		}
	}
	return x
}
