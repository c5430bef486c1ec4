package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/naabu/v2/pkg/result"
	"github.com/projectdiscovery/naabu/v2/pkg/runner"

	"github.com/hitushen/modelprobe/internal/logger"
	"github.com/hitushen/modelprobe/internal/metrics"
	"github.com/hitushen/modelprobe/internal/models"
	"github.com/hitushen/modelprobe/internal/realtime"
)

const inactiveByScan = "port closed in liveness sweep"

// ErrNoScanner 表示未配置端口扫描器。
var ErrNoScanner = errors.New("liveness sweep: no port scanner configured")

// PortScanner 返回主机上给定端口中处于开放状态的端口。
type PortScanner interface {
	OpenPorts(ctx context.Context, host string, ports []int) (map[int]struct{}, error)
}

// NaabuScanner 使用 naabu 的 TCP connect 扫描检查端口。
type NaabuScanner struct {
	Timeout time.Duration
	Rate    int
	Retries int
}

// NewNaabuScanner 创建默认参数的扫描器。
func NewNaabuScanner(timeout time.Duration) *NaabuScanner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NaabuScanner{Timeout: timeout, Rate: 1000, Retries: 1}
}

// OpenPorts 实现 PortScanner。
func (n *NaabuScanner) OpenPorts(ctx context.Context, host string, ports []int) (map[int]struct{}, error) {
	if host == "" || len(ports) == 0 {
		return nil, fmt.Errorf("invalid scan target %q", host)
	}

	var mu sync.Mutex
	open := make(map[int]struct{})
	onResult := func(hr *result.HostResult) {
		if hr == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range hr.Ports {
			if p == nil {
				continue
			}
			open[p.Port] = struct{}{}
		}
	}

	list := make([]string, len(ports))
	for i, p := range ports {
		list[i] = strconv.Itoa(p)
	}

	opts := runner.Options{
		Host:     goflags.StringSlice{host},
		ScanType: "c",
		OnResult: onResult,
		NoColor:  true,
		Silent:   true,
		Stream:   true,
		Ports:    strings.Join(list, ","),
		Retries:  n.Retries,
		Rate:     n.Rate,
		Timeout:  n.Timeout,
	}

	r, err := runner.NewRunner(&opts)
	if err != nil {
		return nil, fmt.Errorf("naabu runner init: %w", err)
	}
	defer r.Close()

	if err := r.RunEnumeration(ctx); err != nil {
		return nil, fmt.Errorf("naabu enumeration: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return open, nil
}

// SweepSummary 汇总一次存活扫描。
type SweepSummary struct {
	Hosts    int `json:"hosts"`
	Checked  int `json:"checked"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Errors   int `json:"errors"`
}

// SweepLiveness 对全部候选端点做端口存活扫描，只更新 isActive 轴。
// no-remove 模式下只报告不写入；verify-only 模式下只会把端点置为在线。
func (m *Manager) SweepLiveness(ctx context.Context, mode models.Mode) (SweepSummary, error) {
	var summary SweepSummary
	if m.scanner == nil {
		return summary, ErrNoScanner
	}
	candidates, err := m.store.ListCandidates(ctx, 0)
	if err != nil {
		return summary, fmt.Errorf("list candidates: %w", err)
	}

	byHost := make(map[string][]models.Endpoint)
	for _, ep := range candidates {
		byHost[ep.Host] = append(byHost[ep.Host], ep)
	}
	hosts := make([]string, 0, len(byHost))
	for h := range byHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	summary.Hosts = len(hosts)

	log := m.log.With(logger.String("mode", string(mode)))
	log.Info("liveness sweep started", logger.Int("hosts", len(hosts)), logger.Int("endpoints", len(candidates)))

	persistCtx := context.WithoutCancel(ctx)
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		eps := byHost[host]
		ports := make([]int, len(eps))
		for i, ep := range eps {
			ports[i] = ep.Port
		}

		open, err := m.scanner.OpenPorts(ctx, host, ports)
		if err != nil {
			summary.Errors++
			metrics.ObserveSweep("error", len(eps))
			log.Warn("liveness scan failed", logger.String("host", host), logger.Error(err))
			continue
		}

		now := time.Now().UTC()
		for _, ep := range eps {
			summary.Checked++
			_, alive := open[ep.Port]
			if alive {
				summary.Active++
			} else {
				summary.Inactive++
			}
			metrics.ObserveSweep(outcomeLabel(alive), 1)

			if mode == models.ModeNoRemove || (mode == models.ModeVerifyOnly && !alive) {
				continue
			}
			reason := ""
			if !alive {
				reason = inactiveByScan
			}
			if err := m.store.SetActive(persistCtx, ep.ID, alive, reason, now); err != nil {
				summary.Errors++
				log.Error("update liveness failed", logger.Int64("endpoint_id", ep.ID), logger.Error(err))
				continue
			}
			if ep.IsActive != alive {
				m.realtime.Publish(realtime.Event{
					Type:       realtime.EventEndpointLive,
					EndpointID: ep.ID,
					Payload: map[string]interface{}{
						"active":    alive,
						"checkedAt": now,
					},
				})
			}
		}
	}

	log.Info("liveness sweep completed",
		logger.Int("checked", summary.Checked),
		logger.Int("active", summary.Active),
		logger.Int("inactive", summary.Inactive),
		logger.Int("errors", summary.Errors),
	)
	return summary, nil
}

func outcomeLabel(alive bool) string {
	if alive {
		return "active"
	}
	return "inactive"
}
