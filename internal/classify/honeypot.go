package classify

import (
	"errors"
	"fmt"
	"strings"
)

// Tunables 是蜜罐识别信号的可调参数。
type Tunables struct {
	DecoyMarkers         []string `yaml:"decoy_markers"`
	DecoyFraction        float64  `yaml:"decoy_fraction"`
	MaxTokensPerSecond   float64  `yaml:"max_tokens_per_second"`
	UniformSizeCheck     bool     `yaml:"uniform_size_check"`
	UniformSizeMinModels int      `yaml:"uniform_size_min_models"`
	SystemPromptMaxWords int      `yaml:"system_prompt_max_words"`
}

// DefaultTunables 返回默认阈值。decoy 标记对应 fake-ollama 的模型目录。
func DefaultTunables() Tunables {
	return Tunables{
		DecoyMarkers:         []string{"deepseek", "r1"},
		DecoyFraction:        0.8,
		MaxTokensPerSecond:   1000,
		UniformSizeCheck:     true,
		UniformSizeMinModels: 3,
		SystemPromptMaxWords: 25,
	}
}

// Validate 检查参数是否合理。
func (t Tunables) Validate() error {
	if t.DecoyFraction <= 0 || t.DecoyFraction > 1 {
		return fmt.Errorf("decoy_fraction must be in (0, 1], got %v", t.DecoyFraction)
	}
	if t.MaxTokensPerSecond <= 0 {
		return fmt.Errorf("max_tokens_per_second must be positive, got %v", t.MaxTokensPerSecond)
	}
	if t.UniformSizeMinModels < 1 {
		return fmt.Errorf("uniform_size_min_models must be >= 1, got %d", t.UniformSizeMinModels)
	}
	if t.SystemPromptMaxWords < 1 {
		return fmt.Errorf("system_prompt_max_words must be >= 1, got %d", t.SystemPromptMaxWords)
	}
	return nil
}

// Verdict 是蜜罐判定结果。Signal 为空表示未命中。
type Verdict struct {
	Honeypot bool
	Signal   string
	Reason   string
}

// Signal 是一个独立的、可单独测试的判定函数。
type Signal struct {
	Name  string
	Check func(t Tunables, tags *TagsPayload, gen *GeneratePayload) (bool, string)
}

// ErrNoTags 表示没有可供分析的 /api/tags 数据。
var ErrNoTags = errors.New("classify: tags payload is nil")

// Detector 按顺序评估信号，首个命中者胜出。
type Detector struct {
	tunables Tunables
	signals  []Signal
}

// NewDetector 用给定参数和默认信号集合创建 Detector。
func NewDetector(t Tunables) *Detector {
	return &Detector{tunables: t, signals: DefaultSignals()}
}

// WithSignals 替换信号列表，返回新的 Detector。
func (d *Detector) WithSignals(signals ...Signal) *Detector {
	return &Detector{tunables: d.tunables, signals: signals}
}

// Tunables 返回当前参数。
func (d *Detector) Tunables() Tunables {
	return d.tunables
}

// DefaultSignals 返回默认的有序信号列表。
func DefaultSignals() []Signal {
	return []Signal{
		{Name: "decoy_family", Check: decoyFamily},
		{Name: "implausible_throughput", Check: implausibleThroughput},
		{Name: "uniform_sizes", Check: uniformSizes},
	}
}

// Detect 评估全部信号。gen 可以为 nil。
func (d *Detector) Detect(tags *TagsPayload, gen *GeneratePayload) (Verdict, error) {
	if tags == nil {
		return Verdict{}, ErrNoTags
	}
	for _, s := range d.signals {
		if hit, reason := s.Check(d.tunables, tags, gen); hit {
			return Verdict{Honeypot: true, Signal: s.Name, Reason: reason}, nil
		}
	}
	return Verdict{}, nil
}

// IsHoneypot 使用默认参数进行判定。
func IsHoneypot(tags *TagsPayload, gen *GeneratePayload) (bool, string) {
	v, err := NewDetector(DefaultTunables()).Detect(tags, gen)
	if err != nil {
		return false, ""
	}
	return v.Honeypot, v.Reason
}

func decoyFamily(t Tunables, tags *TagsPayload, _ *GeneratePayload) (bool, string) {
	if len(tags.Models) == 0 {
		return false, ""
	}
	matched := 0
	for _, m := range tags.Models {
		name := strings.ToLower(m.Name)
		for _, marker := range t.DecoyMarkers {
			if strings.Contains(name, strings.ToLower(marker)) {
				matched++
				break
			}
		}
	}
	if matched > 0 && float64(matched) >= float64(len(tags.Models))*t.DecoyFraction {
		return true, fmt.Sprintf("Most/all models are DeepSeek variants (%d/%d match %s decoy pattern, likely fake-ollama honeypot)",
			matched, len(tags.Models), strings.Join(t.DecoyMarkers, "/"))
	}
	return false, ""
}

func implausibleThroughput(t Tunables, _ *TagsPayload, gen *GeneratePayload) (bool, string) {
	if gen == nil || gen.EvalCount <= 0 || gen.EvalDuration <= 0 {
		return false, ""
	}
	tps := float64(gen.EvalCount) / (float64(gen.EvalDuration) / 1e9)
	if tps > t.MaxTokensPerSecond {
		return true, fmt.Sprintf("Suspiciously fast token generation: %.2f tokens/sec", tps)
	}
	return false, ""
}

func uniformSizes(t Tunables, tags *TagsPayload, _ *GeneratePayload) (bool, string) {
	if !t.UniformSizeCheck || len(tags.Models) <= t.UniformSizeMinModels {
		return false, ""
	}
	sizes := make(map[int64]struct{}, len(tags.Models))
	for _, m := range tags.Models {
		sizes[m.Size] = struct{}{}
	}
	if len(sizes) == 1 {
		return true, fmt.Sprintf("All %d models have uniform file sizes (suspicious)", len(tags.Models))
	}
	return false, ""
}
