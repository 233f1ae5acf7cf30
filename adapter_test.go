package tillermap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 两个像元的特征矩阵，第i行第j列为 i*100+j
func sampleFeatures(t *testing.T) *FeatureMatrix {
	t.Helper()
	fm := &FeatureMatrix{Names: FeatureOrder[:], Rows: 2, Cols: FEATURE_COUNT, Data: make([]float32, 2*FEATURE_COUNT)}
	for i := 0; i < fm.Rows; i++ {
		for j := 0; j < fm.Cols; j++ {
			fm.Data[i*fm.Cols+j] = float32(i*100 + j)
		}
	}
	return fm
}

func TestReshapeSequence(t *testing.T) {
	fm := sampleFeatures(t)
	for _, shape := range []InputShape{SequenceShape, ChannelShape} {
		tensor, err := Reshape(fm, shape)
		require.NoError(t, err, shape.String())
		assert.Equal(t, 2, tensor.Batch)
		assert.Equal(t, shape.Steps, tensor.Steps)
		assert.Equal(t, shape.Channels, tensor.Channels)
		assert.Equal(t, fm.Data, tensor.Data)
		assert.Equal(t, fm.Row(1), tensor.Sample(1))
	}
}

func TestAdaptFeaturesLegacy(t *testing.T) {
	fm := sampleFeatures(t)
	_, err := Reshape(fm, LegacyShape)
	require.Error(t, err)

	tensor, err := AdaptFeatures(fm, LegacyShape)
	require.NoError(t, err)
	assert.Equal(t, 2, tensor.Batch)
	assert.Equal(t, RAW_BAND_COUNT, tensor.Features)
	// B,G,R,NIR,G1,Y 对应的列号
	bands := []float32{100, 102, 104, 106, 101, 103}
	sample := tensor.Sample(1)
	require.Len(t, sample, 4*RAW_BAND_COUNT)
	for s := 0; s < 4; s++ {
		assert.Equal(t, bands, sample[s*RAW_BAND_COUNT:(s+1)*RAW_BAND_COUNT])
	}
	assert.Equal(t, [][]float32{{0, 2, 4, 6, 1, 3}, bands}, tensor.FeatureRows())
}

func TestReshapeUnsupported(t *testing.T) {
	fm := sampleFeatures(t)
	_, err := AdaptFeatures(fm, InputShape{Steps: 3, Channels: 7})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.ErrorIs(t, err, ErrUnsupportedShape)
	assert.Contains(t, err.Error(), "expected (3, 7)")
	assert.Contains(t, err.Error(), "provided (21 features)")

	_, err = AdaptFeatures(fm, InputShape{})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSelect(t *testing.T) {
	fm := sampleFeatures(t)
	sub, err := fm.Select("NIR", "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"NIR", "B"}, sub.Names)
	assert.Equal(t, []float32{6, 0, 106, 100}, sub.Data)
	assert.Equal(t, float32(106), sub.At(1, 0))

	_, err = fm.Select("NOPE")
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
