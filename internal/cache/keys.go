package cache

import "github.com/hitushen/modelprobe/internal/targets"

const (
	// KeyPrefixProbe 是按需复检结果的键前缀。
	KeyPrefixProbe = "modelprobe:probe:"
	// KeyRunLock 是校验任务互斥锁的键。
	KeyRunLock = "modelprobe:lock:run"
)

// ProbeKey 返回端点复检结果的键。
func ProbeKey(host string, port int) string {
	return KeyPrefixProbe + targets.Key(host, port)
}
