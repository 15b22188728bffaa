package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"DeFi-Sentry/internal/config"
	"DeFi-Sentry/internal/web3"
	"DeFi-Sentry/internal/web3/ethereum"
)

// Registry manages a set of chain endpoints keyed by human readable names.
// Clients are dialed on first use and cached.
type Registry struct {
	defaultChain string
	configs      map[string]ethereum.Config

	mu      sync.Mutex
	clients map[string]*ethereum.Client
}

// NewRegistry loads chain definitions and resolves their endpoints.
func NewRegistry(cfg config.ChainConfig) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	guard := GuardFromConfig(cfg.Guard)

	configs := make(map[string]ethereum.Config)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		rpcURL := chain.ResolvedRPCURL()
		if rpcURL == "" {
			return nil, fmt.Errorf("链 %s 未配置 RPC 地址", name)
		}
		configs[name] = ethereum.Config{
			Name:    name,
			RPCURL:  rpcURL,
			ChainID: chain.ChainID,
			Notes:   chain.Description,
			Guard:   guard,
		}
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(configs) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		if defaultChain == "" {
			defaultChain = "default"
		}
		configs[defaultChain] = ethereum.Config{
			Name:    defaultChain,
			RPCURL:  strings.TrimSpace(cfg.RPCURL),
			ChainID: cfg.ChainID,
			Guard:   guard,
		}
	}

	if len(configs) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(configs))
		for name := range configs {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := configs[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{
		defaultChain: defaultChain,
		configs:      configs,
		clients:      make(map[string]*ethereum.Client),
	}, nil
}

// GuardFromConfig converts the file-level guard settings.
func GuardFromConfig(cfg config.GuardConfig) ethereum.GuardConfig {
	return ethereum.GuardConfig{
		RequestsPerSecond:   cfg.RequestsPerSecond,
		Burst:               cfg.Burst,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		OpenTimeout:         time.Duration(cfg.OpenTimeoutSeconds) * time.Second,
	}
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// DefaultClient dials (or reuses) the client configured as default chain.
func (r *Registry) DefaultClient(ctx context.Context) (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	return r.Client(ctx, r.defaultChain)
}

// Client returns the chain client identified by name, dialing it if needed.
func (r *Registry) Client(ctx context.Context, name string) (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[name]; ok {
		return client, nil
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", name)
	}
	client, err := ethereum.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
	}
	r.clients[name] = client
	return client, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
