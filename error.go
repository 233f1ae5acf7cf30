package tillermap

import "errors"

// 错误类别，具体错误均以 fmt.Errorf("%w: ...") 包装这些类别
var (
	ErrInputValidation   = errors.New("input validation error")
	ErrGeometryRepair    = errors.New("geometry repair error")
	ErrNoOverlap         = errors.New("no overlap error")
	ErrSourceAcquisition = errors.New("source acquisition error")
	ErrShapeMismatch     = errors.New("shape mismatch error")
	ErrPredictor         = errors.New("predictor error")
)

var (
	ErrGdalWrongGeoType  = errors.New("unsupported geometry type")
	ErrNonFiniteCoord    = errors.New("polygon coordinates are not finite")
	ErrEmptyPolygon      = errors.New("polygon is empty")
	ErrVoidSrid          = errors.New("raster with void srid")
	ErrWrongBandCount    = errors.New("wrong band count")
	ErrWrongBufferSize   = errors.New("wrong buffer size")
	ErrUtmUndefined      = errors.New("UTM is undefined for latitudes beyond 84N/80S")
	ErrFeatureOrder      = errors.New("feature order mismatch")
	ErrUnsupportedShape  = errors.New("unsupported model input shape")
	ErrPredictionCount   = errors.New("unexpected prediction count")
	ErrEmptyScene        = errors.New("scene has neither path nor grid")
	ErrMaskSize          = errors.New("mask size does not match grid")
	ErrInvalidDate       = errors.New("invalid date")
	ErrInvalidCRS        = errors.New("invalid CRS format")
	ErrMissingPolygon    = errors.New("polygon data is missing")
	ErrMissingDate       = errors.New("date is missing")
	ErrRasterOpen        = errors.New("open raster failed")
	ErrRasterRead        = errors.New("read raster failed")
	ErrRasterWrite       = errors.New("write raster failed")
	ErrNotInvertible     = errors.New("geotransform is not invertible")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInputValidation, "InputValidationError"},
	{ErrGeometryRepair, "GeometryRepairError"},
	{ErrNoOverlap, "NoOverlapError"},
	{ErrSourceAcquisition, "SourceAcquisitionError"},
	{ErrShapeMismatch, "ShapeMismatchError"},
	{ErrPredictor, "PredictorError"},
}

// 获取错误类别名，无法归类的返回InternalError
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}
