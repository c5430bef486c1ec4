package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hitushen/modelprobe/internal/classify"
	"github.com/hitushen/modelprobe/internal/logger"
	"github.com/hitushen/modelprobe/internal/models"
	"github.com/hitushen/modelprobe/internal/targets"
)

const (
	tagsPath     = "/api/tags"
	generatePath = "/api/generate"

	helloPrompt  = "Hello, please respond with a simple sentence."
	systemPrompt = "You are a geography expert. Keep responses very short."
	systemQuery  = "What's the capital of France?"
	maxTokens    = 50

	sampleLen = 50
)

// DefaultSmallModelMarkers 是按名称挑选小模型时使用的子串。
var DefaultSmallModelMarkers = []string{"tiny", "small", "mini", "135m", "1b", "1.5b", "3b", "7b", "8b"}

// Detector 对 tags 与 generate 响应给出蜜罐判定。
type Detector interface {
	Detect(tags *classify.TagsPayload, gen *classify.GeneratePayload) (classify.Verdict, error)
}

// Options 控制探测的超时和阈值。零值字段使用默认值。
type Options struct {
	TagsTimeout          time.Duration
	GenerateTimeout      time.Duration
	SystemPromptTimeout  time.Duration
	SystemPromptMaxWords int
	SmallModelMarkers    []string
}

// DefaultOptions 返回默认超时配置。
func DefaultOptions() Options {
	return Options{
		TagsTimeout:          15 * time.Second,
		GenerateTimeout:      30 * time.Second,
		SystemPromptTimeout:  25 * time.Second,
		SystemPromptMaxWords: 25,
		SmallModelMarkers:    DefaultSmallModelMarkers,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TagsTimeout <= 0 {
		o.TagsTimeout = def.TagsTimeout
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = def.GenerateTimeout
	}
	if o.SystemPromptTimeout <= 0 {
		o.SystemPromptTimeout = def.SystemPromptTimeout
	}
	if o.SystemPromptMaxWords <= 0 {
		o.SystemPromptMaxWords = def.SystemPromptMaxWords
	}
	if len(o.SmallModelMarkers) == 0 {
		o.SmallModelMarkers = def.SmallModelMarkers
	}
	return o
}

// Prober 对单个端点执行完整的多步校验。
type Prober struct {
	responder *Responder
	detector  Detector
	opts      Options
	log       logger.Logger
}

// NewProber 创建 Prober。detector 为 nil 时跳过蜜罐识别。
func NewProber(responder *Responder, detector Detector, opts Options, log logger.Logger) *Prober {
	if log == nil {
		log = logger.Nop()
	}
	if responder == nil {
		responder = NewResponder(log)
	}
	return &Prober{
		responder: responder,
		detector:  detector,
		opts:      opts.withDefaults(),
		log:       log.With(logger.Component("prober")),
	}
}

type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens"`
}

// Probe 依次执行：列出模型、选择模型、生成、有效性检查、蜜罐识别、系统提示词遵从检查。
// 结果总是带有耗时；上下文被取消时返回的失败结果不会要求作废端点。
func (p *Prober) Probe(ctx context.Context, ep models.Endpoint) (res models.ProbeResult) {
	start := time.Now()
	res = models.ProbeResult{
		Endpoint:         ep,
		Status:           models.ProbeFailed,
		ShouldInvalidate: true,
		Reason:           "unknown error",
	}
	log := p.log.With(logger.String("endpoint", targets.Key(ep.Host, ep.Port)))
	cancelled := false

	defer func() {
		if r := recover(); r != nil {
			res.Status = models.ProbeFailed
			res.ShouldInvalidate = true
			res.IsHoneypot = false
			res.Reason = fmt.Sprintf("error checking endpoint: %v (after %.2fs)", r, time.Since(start).Seconds())
			log.Error("probe panicked", logger.String("panic", fmt.Sprint(r)))
		}
		res.Duration = time.Since(start)
		if cancelled && res.Status == models.ProbeFailed {
			res.ShouldInvalidate = false
			res.Unreachable = false
			res.Reason = "probe cancelled: " + res.Reason
		}
	}()

	base := targets.BaseURL(ep.Host, ep.Port)

	stepStart := time.Now()
	status, body, err := p.responder.Call(ctx, http.MethodGet, base+tagsPath, nil, p.opts.TagsTimeout)
	elapsed := time.Since(stepStart).Seconds()
	if err != nil {
		cancelled = causedByCancel(ctx, err)
		res.Unreachable = IsTransport(err)
		res.Reason = fmt.Sprintf("connection error: %v (after %.2fs)", unwrapTransport(err), elapsed)
		return res
	}
	if status != http.StatusOK {
		res.Reason = fmt.Sprintf("failed to list models: HTTP %d (after %.2fs)", status, elapsed)
		return res
	}
	tags, err := classify.ParseTags(body)
	if err != nil {
		res.Reason = fmt.Sprintf("failed to list models: invalid payload (after %.2fs)", elapsed)
		return res
	}
	if len(tags.Models) == 0 {
		res.Reason = fmt.Sprintf("no models available (after %.2fs)", elapsed)
		return res
	}
	res.Models = toModels(ep.ID, tags.Models)
	log.Debug("tags fetched", logger.Int("models", len(tags.Models)), logger.Float64("seconds", elapsed))

	stepStart = time.Now()
	model := SelectModel(tags.Models, p.opts.SmallModelMarkers)
	if model == "" {
		res.Reason = fmt.Sprintf("no valid model name found (after %.2fs)", time.Since(stepStart).Seconds())
		return res
	}
	res.Model = model

	stepStart = time.Now()
	req := generateRequest{Model: model, Prompt: helloPrompt, MaxTokens: maxTokens}
	status, body, err = p.responder.Call(ctx, http.MethodPost, base+generatePath, req, p.opts.GenerateTimeout)
	elapsed = time.Since(stepStart).Seconds()
	if err != nil {
		cancelled = causedByCancel(ctx, err)
		res.Reason = fmt.Sprintf("generate API error: %v (after %.2fs)", unwrapTransport(err), elapsed)
		return res
	}
	if status != http.StatusOK {
		res.Reason = fmt.Sprintf("failed to generate response: HTTP %d (after %.2fs)", status, elapsed)
		return res
	}
	gen, err := classify.ParseGenerate(body)
	if err != nil {
		res.Reason = fmt.Sprintf("failed to generate response: invalid payload (after %.2fs)", elapsed)
		return res
	}
	res.ResponseSample = gen.Response

	if !classify.IsValidResponse(gen.Response) {
		res.Reason = fmt.Sprintf("nonsensical response: %s... (after %.2fs)", snippet(gen.Response, sampleLen), elapsed)
		return res
	}

	if verdict := p.detect(log, tags, gen); verdict.Honeypot {
		log.Warn("honeypot detected", logger.String("signal", verdict.Signal), logger.String("reason", verdict.Reason))
		res.Status = models.ProbeHoneypot
		res.IsHoneypot = true
		res.Reason = verdict.Reason
		return res
	}

	if p.ignoresSystemPrompt(ctx, log, base, model) {
		res.Status = models.ProbeHoneypot
		res.IsHoneypot = true
		res.Reason = "likely honeypot: ignores system prompt constraint"
		return res
	}

	res.Status = models.ProbeSuccess
	res.ShouldInvalidate = false
	res.Reason = "valid endpoint"
	log.Info("endpoint valid",
		logger.String("model", model),
		logger.Float64("seconds", time.Since(start).Seconds()),
		logger.String("sample", snippet(gen.Response, sampleLen)),
	)
	return res
}

// detect 包装蜜罐识别：任何错误或 panic 都视为未命中。
func (p *Prober) detect(log logger.Logger, tags *classify.TagsPayload, gen *classify.GeneratePayload) (v classify.Verdict) {
	if p.detector == nil {
		return classify.Verdict{}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("honeypot detection panicked", logger.String("panic", fmt.Sprint(r)))
			v = classify.Verdict{}
		}
	}()
	verdict, err := p.detector.Detect(tags, gen)
	if err != nil {
		log.Warn("honeypot detection failed", logger.Error(err))
		return classify.Verdict{}
	}
	return verdict
}

// ignoresSystemPrompt 发送带简短要求的系统提示词。该步骤出错时不影响整体结论。
func (p *Prober) ignoresSystemPrompt(ctx context.Context, log logger.Logger, base, model string) bool {
	stepStart := time.Now()
	req := generateRequest{Model: model, Prompt: systemQuery, System: systemPrompt, MaxTokens: maxTokens}
	status, body, err := p.responder.Call(ctx, http.MethodPost, base+generatePath, req, p.opts.SystemPromptTimeout)
	if err != nil {
		log.Warn("system prompt check failed", logger.Error(err))
		return false
	}
	log.Debug("system prompt check completed", logger.Duration("elapsed", time.Since(stepStart)))
	if status != http.StatusOK {
		return false
	}
	gen, err := classify.ParseGenerate(body)
	if err != nil {
		return false
	}
	return classify.SystemPromptViolated(gen.Response, p.opts.SystemPromptMaxWords)
}

// SelectModel 选出用于探测的模型：优先最小体积，其次名称带小模型标记，最后取第一个。
func SelectModel(list []classify.TagModel, markers []string) string {
	var (
		best     string
		bestSize int64
	)
	for _, m := range list {
		if m.Size > 0 && m.Name != "" && (best == "" || m.Size < bestSize) {
			best, bestSize = m.Name, m.Size
		}
	}
	if best != "" {
		return best
	}
	for _, m := range list {
		name := strings.ToLower(m.Name)
		for _, marker := range markers {
			if strings.Contains(name, marker) {
				return m.Name
			}
		}
	}
	for _, m := range list {
		if m.Name != "" {
			return m.Name
		}
	}
	return ""
}

func toModels(endpointID int64, list []classify.TagModel) []models.Model {
	out := make([]models.Model, 0, len(list))
	for _, m := range list {
		mm := models.Model{EndpointID: endpointID, Name: m.Name, Size: m.Size}
		if m.Details != nil {
			mm.ParameterSize = m.Details.ParameterSize
			mm.QuantizationLevel = m.Details.QuantizationLevel
		}
		out = append(out, mm)
	}
	return out
}

func unwrapTransport(err error) error {
	var te *TransportError
	if errors.As(err, &te) && te.Err != nil {
		return te.Err
	}
	return err
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// causedByCancel 判断步骤失败是否由调用方取消上下文引起，单次请求超时不算。
func causedByCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}
