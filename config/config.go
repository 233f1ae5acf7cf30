package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wgdzlh/tillermap"
	"github.com/wgdzlh/tillermap/utils"

	"github.com/joho/godotenv"
)

const (
	PredictorRemote = "remote"
	PredictorLocal  = "local"

	// GEE下载的zip中单波段文件名形如 hls_roi.NIR.tif
	DefaultBandMap = "b:B,g:G,r:R,nir:NIR,swir1:SWIR1,swir2:SWIR2"
)

// 服务配置，来自环境变量（可由.env文件提供）
type Config struct {
	HTTPAddr        string
	PublicBaseURL   string
	MediaRoot       string
	TmpDir          string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	Predictor          string
	LegacyInferURL     string
	LegacyInferTimeout time.Duration
	LegacyInputShape   tillermap.InputShape
	ModelPath          string

	SourceURL     string
	SourceTimeout time.Duration
	WindowDays    int
	BandMap       map[string]string
}

func EnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseDuration(key, def string) (d time.Duration, err error) {
	raw := EnvOrDefault(key, def)
	// 纯数字按秒计
	if n, e := strconv.Atoi(raw); e == nil {
		raw = strconv.Itoa(n) + "s"
	}
	if d, err = time.ParseDuration(raw); err != nil || d <= 0 {
		err = fmt.Errorf("invalid %s: %q", key, raw)
	}
	return
}

func parseShape(key, def string) (shape tillermap.InputShape, err error) {
	raw := EnvOrDefault(key, def)
	steps, channels, ok := strings.Cut(raw, ",")
	if ok {
		shape.Steps, err = strconv.Atoi(strings.TrimSpace(steps))
		if err == nil {
			shape.Channels, err = strconv.Atoi(strings.TrimSpace(channels))
		}
	}
	if !ok || err != nil || shape.Steps <= 0 || shape.Channels <= 0 {
		err = fmt.Errorf("invalid %s: %q", key, raw)
	}
	return
}

// 加载配置；envFiles中存在的文件会先载入环境变量（不覆盖已有值）
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	inferTimeout, err := parseDuration("LEGACY_INFER_TIMEOUT", "120")
	if err != nil {
		return nil, err
	}
	sourceTimeout, err := parseDuration("SOURCE_TIMEOUT", "300s")
	if err != nil {
		return nil, err
	}
	inputShape, err := parseShape("LEGACY_INPUT_SHAPE", "21,1")
	if err != nil {
		return nil, err
	}
	windowDays, err := strconv.Atoi(EnvOrDefault("HLS_SEARCH_WINDOW_DAYS", "7"))
	if err != nil || windowDays < 0 {
		return nil, errors.New("invalid HLS_SEARCH_WINDOW_DAYS")
	}
	bandMap, err := utils.ParseBandMap(EnvOrDefault("BAND_MAP", DefaultBandMap))
	if err != nil {
		return nil, fmt.Errorf("invalid BAND_MAP: %w", err)
	}

	inferURL := EnvOrDefault("LEGACY_INFER_URL", "")
	predictor := PredictorLocal
	if inferURL != "" {
		predictor = PredictorRemote
	}

	cfg := &Config{
		HTTPAddr:        EnvOrDefault("HTTP_ADDR", ":8000"),
		PublicBaseURL:   strings.TrimRight(EnvOrDefault("PUBLIC_BASE_URL", ""), "/"),
		MediaRoot:       EnvOrDefault("MEDIA_ROOT", "media"),
		TmpDir:          EnvOrDefault("TMP_DIR", os.TempDir()),
		LogLevel:        EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		Predictor:          strings.ToLower(EnvOrDefault("PREDICTOR", predictor)),
		LegacyInferURL:     inferURL,
		LegacyInferTimeout: inferTimeout,
		LegacyInputShape:   inputShape,
		ModelPath:          EnvOrDefault("HLS_MODEL_PATH", "models/tiller_linear.json"),

		SourceURL:     EnvOrDefault("SOURCE_URL", ""),
		SourceTimeout: sourceTimeout,
		WindowDays:    windowDays,
		BandMap:       bandMap,
	}

	switch cfg.Predictor {
	case PredictorRemote:
		if cfg.LegacyInferURL == "" {
			return nil, errors.New("PREDICTOR is remote but LEGACY_INFER_URL is not set")
		}
	case PredictorLocal:
		if cfg.ModelPath == "" {
			return nil, errors.New("HLS_MODEL_PATH is required for the local predictor")
		}
	default:
		return nil, fmt.Errorf("invalid PREDICTOR: %q", cfg.Predictor)
	}
	if cfg.SourceURL == "" {
		return nil, errors.New("SOURCE_URL is required")
	}

	return cfg, nil
}
