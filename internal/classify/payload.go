package classify

import "encoding/json"

// TagsPayload 是 GET /api/tags 的响应体。
type TagsPayload struct {
	Models []TagModel `json:"models"`
}

// TagModel 是 /api/tags 中的单个模型。
type TagModel struct {
	Name    string       `json:"name"`
	Size    int64        `json:"size"`
	Details *ModelDetail `json:"details,omitempty"`
}

// ModelDetail 是模型的可选元数据。
type ModelDetail struct {
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// GeneratePayload 是 POST /api/generate 在 stream=false 时的响应体。
type GeneratePayload struct {
	Response     string `json:"response"`
	EvalCount    int64  `json:"eval_count,omitempty"`
	EvalDuration int64  `json:"eval_duration,omitempty"` // 纳秒
}

// UnmarshalJSON 接受整数或浮点数形式的 size。
func (m *TagModel) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name    string       `json:"name"`
		Size    float64      `json:"size"`
		Details *ModelDetail `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Name, m.Size, m.Details = raw.Name, int64(raw.Size), raw.Details
	return nil
}

// UnmarshalJSON 接受整数或浮点数形式的计数字段。
func (g *GeneratePayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Response     string  `json:"response"`
		EvalCount    float64 `json:"eval_count"`
		EvalDuration float64 `json:"eval_duration"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Response, g.EvalCount, g.EvalDuration = raw.Response, int64(raw.EvalCount), int64(raw.EvalDuration)
	return nil
}

// ParseTags 解码 /api/tags 响应。
func ParseTags(body []byte) (*TagsPayload, error) {
	var tags TagsPayload
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, err
	}
	return &tags, nil
}

// ParseGenerate 解码 /api/generate 响应。
func ParseGenerate(body []byte) (*GeneratePayload, error) {
	var gen GeneratePayload
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, err
	}
	return &gen, nil
}
