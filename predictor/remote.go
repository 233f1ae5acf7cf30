package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wgdzlh/tillermap"
	"github.com/wgdzlh/tillermap/log"
	"github.com/wgdzlh/tillermap/utils"

	"go.uber.org/zap"
)

const (
	statusSuccess = "success"
	healthPath    = "/health"
	maxErrBody    = 512
)

type predictRequest struct {
	FeatureInput [][]float32 `json:"feature_input"`
}

type predictResponse struct {
	Status      string    `json:"status"`
	Predictions []float32 `json:"predictions"`
	Error       string    `json:"error"`
}

type healthResponse struct {
	Status          string `json:"status"`
	ModelInputShape []*int `json:"model_input_shape"`
	Error           string `json:"error"`
}

// 远程推理服务：POST {"feature_input": 样本特征行} → {"status":"success","predictions":[...]}
type Remote struct {
	url    string
	client *http.Client
	shape  tillermap.InputShape
	logTag string
}

// url为推理接口地址，fallback为健康检查不可用时使用的输入形状
func NewRemote(ctx context.Context, url string, timeout time.Duration, fallback tillermap.InputShape) *Remote {
	r := &Remote{
		url:    url,
		client: &http.Client{Timeout: timeout},
		shape:  fallback,
		logTag: "RemotePredictor:",
	}
	if shape, err := r.probe(ctx); err != nil {
		log.Warn(r.logTag+"probe model input shape failed, use fallback", zap.Stringer("shape", fallback), zap.Error(err))
	} else {
		r.shape = shape
		log.Info(r.logTag+"probed model input shape", zap.Stringer("shape", shape))
	}
	return r
}

func (r *Remote) InputShape() tillermap.InputShape {
	return r.shape
}

// 健康检查地址：推理地址的上级路径加/health
func (r *Remote) healthURL() string {
	base := strings.TrimRight(r.url, "/")
	if i := strings.LastIndex(base, "/"); i > len("https://") {
		base = base[:i]
	}
	return base + healthPath
}

func (r *Remote) probe(ctx context.Context) (shape tillermap.InputShape, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.healthURL(), nil)
	if err != nil {
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	var body healthResponse
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("health status %d: %s", resp.StatusCode, body.Error)
		return
	}
	return ParseShape(body.ModelInputShape)
}

// 解析Keras风格的输入形状 [null, steps, channels]
func ParseShape(dims []*int) (shape tillermap.InputShape, err error) {
	if len(dims) != 3 || dims[1] == nil || dims[2] == nil {
		err = fmt.Errorf("%w: %w: %s", tillermap.ErrShapeMismatch, tillermap.ErrUnsupportedShape, formatDims(dims))
		return
	}
	shape = tillermap.InputShape{Steps: *dims[1], Channels: *dims[2]}
	return
}

func formatDims(dims []*int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		if d == nil {
			parts[i] = "None"
		} else {
			parts[i] = fmt.Sprint(*d)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (r *Remote) Predict(ctx context.Context, t *tillermap.Tensor) (preds []float32, err error) {
	payload, err := json.Marshal(predictRequest{FeatureInput: t.FeatureRows()})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	log.Info(r.logTag+"request inference", zap.String("url", r.url), zap.Int("samples", t.Batch), zap.Int("features", t.Features))
	resp, err := r.client.Do(req)
	if err != nil {
		err = fmt.Errorf("%w: inference request failed: %w", tillermap.ErrPredictor, err)
		return
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%w: read inference response: %w", tillermap.ErrPredictor, err)
		return
	}
	var body predictResponse
	if e := json.Unmarshal(raw, &body); e != nil {
		err = fmt.Errorf("%w: inference status %d: %s", tillermap.ErrPredictor, resp.StatusCode, truncate(raw))
		return
	}
	if resp.StatusCode != http.StatusOK || body.Status != statusSuccess {
		msg := body.Error
		if msg == "" {
			msg = "unknown"
		}
		err = fmt.Errorf("%w: inference error (status %d): %s", tillermap.ErrPredictor, resp.StatusCode, msg)
		return
	}
	if len(body.Predictions) != t.Batch {
		err = fmt.Errorf("%w: %w: got %d, expect %d", tillermap.ErrPredictor, tillermap.ErrPredictionCount, len(body.Predictions), t.Batch)
		return
	}
	preds = body.Predictions
	return
}

func truncate(raw []byte) string {
	if len(raw) > maxErrBody {
		raw = raw[:maxErrBody]
	}
	return utils.B2S(raw)
}
