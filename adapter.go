package tillermap

import (
	"fmt"
)

var (
	SequenceShape = InputShape{Steps: FEATURE_COUNT, Channels: 1}
	ChannelShape  = InputShape{Steps: 1, Channels: FEATURE_COUNT}
	LegacyShape   = InputShape{Steps: 4, Channels: RAW_BAND_COUNT}
)

// 按列名选取子矩阵，列序同names
func (fm *FeatureMatrix) Select(names ...string) (sub *FeatureMatrix, err error) {
	idx := make([]int, len(names))
	for i, n := range names {
		if idx[i] = fm.Index(n); idx[i] < 0 {
			err = fmt.Errorf("%w: feature %s not found", ErrShapeMismatch, n)
			return
		}
	}
	sub = &FeatureMatrix{
		Names: append([]string(nil), names...),
		Rows:  fm.Rows,
		Cols:  len(names),
		Data:  make([]float32, fm.Rows*len(names)),
	}
	for r := 0; r < fm.Rows; r++ {
		src := fm.Row(r)
		dst := sub.Row(r)
		for i, j := range idx {
			dst[i] = src[j]
		}
	}
	return
}

// 原始波段槽位 B,G,R,NIR,G1,Y
func (fm *FeatureMatrix) PhysicalBands() (*FeatureMatrix, error) {
	return fm.Select(PhysicalBandSlots[:]...)
}

// 按模型声明的输入形状重排特征矩阵：(21,1)、(1,21)、或6特征时的(4,6)
func Reshape(fm *FeatureMatrix, shape InputShape) (t *Tensor, err error) {
	t = &Tensor{Batch: fm.Rows, Steps: shape.Steps, Channels: shape.Channels, Features: fm.Cols}
	switch {
	case shape == SequenceShape && fm.Cols == FEATURE_COUNT,
		shape == ChannelShape && fm.Cols == FEATURE_COUNT:
		t.Data = append([]float32(nil), fm.Data...)
	case shape == LegacyShape && fm.Cols == RAW_BAND_COUNT:
		t.Data = make([]float32, fm.Rows*shape.Steps*shape.Channels)
		for r := 0; r < fm.Rows; r++ {
			sample := t.Sample(r)
			for s := 0; s < shape.Steps; s++ {
				copy(sample[s*shape.Channels:(s+1)*shape.Channels], fm.Row(r))
			}
		}
	default:
		t = nil
		err = fmt.Errorf("%w: %w: expected %s, provided (%d features)", ErrShapeMismatch, ErrUnsupportedShape, shape, fm.Cols)
	}
	return
}

// 将21特征矩阵适配到模型输入形状，(4,6)模型只取原始波段槽位
func AdaptFeatures(fm *FeatureMatrix, shape InputShape) (t *Tensor, err error) {
	if shape == LegacyShape && fm.Cols == FEATURE_COUNT {
		if fm, err = fm.PhysicalBands(); err != nil {
			return
		}
	}
	return Reshape(fm, shape)
}
