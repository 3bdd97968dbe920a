package middleware

import (
	"bytes"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	AlgorithmGzip       = "gzip"
	AlgorithmDeflate    = "deflate"
	AlgorithmBrotli     = "br"
	DefaultLevel        = 6
	DefaultThreshold    = 1024
	MinCompressionRatio = 0.05
)

var defaultAllowedTypes = []string{
	"application/json",
	"application/javascript",
	"application/xml",
	"application/manifest+json",
	"image/svg+xml",
	"text/*",
}

// CompressionMiddleware compresses responses, including ones replayed from
// the cache, when the client accepts the configured algorithm.
type CompressionMiddleware struct {
	logger            types.Logger
	metrics           types.MetricsManager
	compressionConfig *CompressionConfig
	algorithm         []byte
	weight            int
	brotliWriterPool  sync.Pool
}

type CompressionConfig struct {
	Algorithm    string   `json:"algorithm"`
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

func NewCompressionMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) (*CompressionMiddleware, error) {
	compressionConfig := &CompressionConfig{
		Algorithm:    AlgorithmGzip,
		Level:        DefaultLevel,
		Threshold:    DefaultThreshold,
		AllowedTypes: defaultAllowedTypes,
	}

	if params := itemParams(item); params != nil {
		if err := utils.UnmarshalConfig(params, compressionConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal compression middleware config")
		}
	}

	if err := validateCompressionConfig(compressionConfig); err != nil {
		return nil, err
	}

	cm := &CompressionMiddleware{
		logger:            logger,
		metrics:           metrics,
		compressionConfig: compressionConfig,
		algorithm:         []byte(compressionConfig.Algorithm),
		weight:            itemWeight(item, 30),
	}

	cm.brotliWriterPool.New = func() interface{} {
		return brotli.NewWriterLevel(nil, cm.compressionConfig.Level)
	}

	return cm, nil
}

func validateCompressionConfig(config *CompressionConfig) error {
	switch config.Algorithm {
	case AlgorithmGzip, AlgorithmDeflate, AlgorithmBrotli:
	default:
		return types.Errorf(types.ErrInvalidParameter, "unsupported compression algorithm: %s", config.Algorithm)
	}

	if config.Level < 1 || config.Level > 9 {
		return types.Errorf(types.ErrInvalidParameter, "invalid compression level: %d (must be between 1 and 9)", config.Level)
	}

	if config.Threshold < 0 {
		return types.Errorf(types.ErrInvalidParameter, "invalid threshold: %d (must be >= 0)", config.Threshold)
	}

	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = defaultAllowedTypes
	}

	return nil
}

func (c *CompressionMiddleware) Name() string { return "compression" }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	next(ctx)

	if !bytes.Contains(ctx.Request.Header.Peek(fasthttp.HeaderAcceptEncoding), c.algorithm) {
		return
	}

	if ctx.IsHead() || len(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)) > 0 {
		return
	}

	body := ctx.Response.Body()
	if len(body) < c.compressionConfig.Threshold || !c.shouldCompress(ctx.Response.Header.ContentType()) {
		return
	}

	compressed, err := c.compress(body)
	if err != nil {
		c.logger.Warn("Compression failed", zap.String("algorithm", c.compressionConfig.Algorithm), zap.Error(err))
		return
	}

	if 1.0-float64(len(compressed))/float64(len(body)) < MinCompressionRatio {
		return
	}

	ctx.Response.SetBody(compressed)
	ctx.Response.Header.SetContentEncoding(c.compressionConfig.Algorithm)
	ctx.Response.Header.SetContentLength(len(compressed))
	c.addVary(ctx)

	if c.metrics != nil {
		c.metrics.Counter("http_compressed_bytes_saved_total", map[string]string{
			"algorithm": c.compressionConfig.Algorithm,
		}).Add(float64(len(body) - len(compressed)))
	}
}

func (c *CompressionMiddleware) compress(data []byte) ([]byte, error) {
	switch c.compressionConfig.Algorithm {
	case AlgorithmGzip:
		return fasthttp.AppendGzipBytesLevel(nil, data, c.compressionConfig.Level), nil
	case AlgorithmDeflate:
		return fasthttp.AppendDeflateBytesLevel(nil, data, c.compressionConfig.Level), nil
	default:
		return c.compressBrotli(data)
	}
}

func (c *CompressionMiddleware) compressBrotli(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 4)

	writer := c.brotliWriterPool.Get().(*brotli.Writer)
	writer.Reset(&buf)
	defer func() {
		writer.Reset(nil)
		c.brotliWriterPool.Put(writer)
	}()

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *CompressionMiddleware) shouldCompress(contentType []byte) bool {
	if len(contentType) == 0 {
		return false
	}

	ct := string(contentType)
	if semicolon := strings.IndexByte(ct, ';'); semicolon != -1 {
		ct = ct[:semicolon]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))

	for _, allowed := range c.compressionConfig.AllowedTypes {
		if allowed == ct {
			return true
		}
		if prefix, wildcard := strings.CutSuffix(allowed, "*"); wildcard && strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func (c *CompressionMiddleware) addVary(ctx *fasthttp.RequestCtx) {
	existing := ctx.Response.Header.Peek(fasthttp.HeaderVary)
	switch {
	case len(existing) == 0:
		ctx.Response.Header.Set(fasthttp.HeaderVary, fasthttp.HeaderAcceptEncoding)
	case !bytes.Contains(existing, []byte(fasthttp.HeaderAcceptEncoding)):
		ctx.Response.Header.Set(fasthttp.HeaderVary, string(existing)+", "+fasthttp.HeaderAcceptEncoding)
	}
}
