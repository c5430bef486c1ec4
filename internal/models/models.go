package models

import "time"

// User 表示运维控制台的已认证账户。
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// VerificationState 表示端点的内容校验状态，数值与历史库表保持一致。
type VerificationState int

const (
	Unverified VerificationState = 0
	Verified   VerificationState = 1
	Invalid    VerificationState = 2
)

func (v VerificationState) String() string {
	switch v {
	case Verified:
		return "verified"
	case Invalid:
		return "invalid"
	default:
		return "unverified"
	}
}

// ParseVerificationState 将名称解析为状态，未知名称返回 false。
func ParseVerificationState(name string) (VerificationState, bool) {
	switch name {
	case "unverified":
		return Unverified, true
	case "verified":
		return Verified, true
	case "invalid":
		return Invalid, true
	default:
		return Unverified, false
	}
}

// Endpoint 表示一个声称提供推理 API 的候选服务 (host, port)。
type Endpoint struct {
	ID               int64             `json:"id"`
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	Verified         VerificationState `json:"verified"`
	IsHoneypot       bool              `json:"isHoneypot"`
	HoneypotReason   string            `json:"honeypotReason,omitempty"`
	IsActive         bool              `json:"isActive"`
	InactiveReason   string            `json:"inactiveReason,omitempty"`
	LastCheckDate    time.Time         `json:"lastCheckDate"`
	ScanDate         time.Time         `json:"scanDate"`
	VerificationDate time.Time         `json:"verificationDate"`
}

// Eligible 判断端点能否用于响应用户请求：已校验、非蜜罐且在线。
func (e Endpoint) Eligible() bool {
	return e.Verified == Verified && !e.IsHoneypot && e.IsActive
}

// Model 是端点 /api/tags 返回的单个模型条目。
type Model struct {
	EndpointID        int64  `json:"endpointId"`
	Name              string `json:"name"`
	Size              int64  `json:"size"`
	ParameterSize     string `json:"parameterSize"`
	QuantizationLevel string `json:"quantizationLevel"`
}

// ProbeStatus 是一次探测的结论。
type ProbeStatus string

const (
	ProbeSuccess  ProbeStatus = "success"
	ProbeFailed   ProbeStatus = "failed"
	ProbeHoneypot ProbeStatus = "honeypot"
)

// ProbeResult 是单次探测在内存中的结果，不直接持久化。
type ProbeResult struct {
	Endpoint         Endpoint      `json:"endpoint"`
	Status           ProbeStatus   `json:"status"`
	ShouldInvalidate bool          `json:"shouldInvalidate"`
	Reason           string        `json:"reason"`
	IsHoneypot       bool          `json:"isHoneypot"`
	Unreachable      bool          `json:"unreachable"`
	Duration         time.Duration `json:"duration"`
	Model            string        `json:"model,omitempty"`
	ResponseSample   string        `json:"responseSample,omitempty"`
	Models           []Model       `json:"models,omitempty"`
}

// VerificationDurationSeconds 返回探测耗时（秒）。
func (r ProbeResult) VerificationDurationSeconds() float64 {
	return r.Duration.Seconds()
}

// Mode 控制一次校验任务允许写回哪些状态。
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeVerifyOnly Mode = "verify-only"
	ModeNoRemove   Mode = "no-remove"
)

// ModeFromFlags 根据命令行开关得到运行模式，no-remove 优先。
func ModeFromFlags(noRemove, verifyOnly bool) Mode {
	switch {
	case noRemove:
		return ModeNoRemove
	case verifyOnly:
		return ModeVerifyOnly
	default:
		return ModeNormal
	}
}

// ParseMode 解析模式名称，空字符串视为 normal。
func ParseMode(name string) (Mode, bool) {
	switch Mode(name) {
	case "", ModeNormal:
		return ModeNormal, true
	case ModeVerifyOnly, ModeNoRemove:
		return Mode(name), true
	default:
		return "", false
	}
}

// RunSummary 汇总一次校验任务的计数。
type RunSummary struct {
	Total       int           `json:"total"`
	Checked     int           `json:"checked"`
	Verified    int           `json:"verified"`
	Failed      int           `json:"failed"`
	Invalidated int           `json:"invalidated"`
	Honeypots   int           `json:"honeypots"`
	Errors      int           `json:"errors"`
	Duration    time.Duration `json:"duration"`
}

// VerificationRecord 是一次已应用探测的历史记录。
type VerificationRecord struct {
	ID             int64       `json:"id"`
	EndpointID     int64       `json:"endpointId"`
	CheckedAt      time.Time   `json:"checkedAt"`
	Status         ProbeStatus `json:"status"`
	Reason         string      `json:"reason"`
	IsHoneypot     bool        `json:"isHoneypot"`
	ResponseSample string      `json:"responseSample"`
	DetectedModels []string    `json:"detectedModels"`
	DurationMS     int64       `json:"durationMs"`
}
