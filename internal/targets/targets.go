package targets

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort 是推理服务的默认监听端口。
const DefaultPort = 11434

// Normalize 对输入地址进行裁剪并提取主机部分。
func Normalize(address string) string {
	host, _ := split(address)
	return host
}

// Parse 将 "host:port"、URL 或裸主机解析为 (host, port)，缺省端口为 DefaultPort。
func Parse(address string) (string, int, error) {
	host, rawPort := split(address)
	if host == "" {
		return "", 0, fmt.Errorf("invalid endpoint address: %q", address)
	}
	if rawPort == "" {
		return host, DefaultPort, nil
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", address)
	}
	return host, port, nil
}

// BaseURL 构造端点的 HTTP 根地址，IPv6 会自动加方括号。
func BaseURL(host string, port int) string {
	h := strings.Trim(host, "[] ")
	if net.ParseIP(h) == nil {
		h = strings.Trim(h, ":")
	}
	return "http://" + net.JoinHostPort(h, strconv.Itoa(port))
}

// Key 返回 (host, port) 的唯一字符串表示。
func Key(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func split(address string) (string, string) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", ""
	}

	// 处理带协议前缀的输入。
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		}
	}
	addr = strings.TrimPrefix(addr, "//")

	// 去除 user:pass@ 片段。
	if at := strings.LastIndex(addr, "@"); at != -1 {
		addr = addr[at+1:]
	}
	if slash := strings.IndexByte(addr, '/'); slash != -1 {
		addr = addr[:slash]
	}
	if ques := strings.IndexByte(addr, '?'); ques != -1 {
		addr = addr[:ques]
	}
	addr = strings.TrimSpace(addr)

	port := ""
	switch {
	case strings.HasPrefix(addr, "["):
		// [::1]:11434 或 [::1]
		if end := strings.Index(addr, "]"); end != -1 {
			rest := addr[end+1:]
			addr = addr[1:end]
			port = strings.TrimPrefix(rest, ":")
		}
	case strings.Count(addr, ":") == 1:
		if h, p, err := net.SplitHostPort(addr); err == nil {
			addr, port = h, p
		}
	}

	return strings.ToLower(strings.Trim(addr, "[] ")), port
}

// Address 是解析后的端点地址。
type Address struct {
	Host string
	Port int
}

// ReadList 逐行解析端点列表，忽略空行与 # 注释。
// 无法解析的行记入 bad，不影响其余行。
func ReadList(r io.Reader) (list []Address, bad []string, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, port, perr := Parse(line)
		if perr != nil {
			bad = append(bad, line)
			continue
		}
		list = append(list, Address{Host: host, Port: port})
	}
	return list, bad, sc.Err()
}
