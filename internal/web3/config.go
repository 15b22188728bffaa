package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type   string `yaml:"type"`
	RPCURL string `yaml:"rpc_url"`
	// RPCURLEnv names an environment variable holding the RPC URL, so API
	// keys embedded in provider URLs stay out of the YAML file.
	RPCURLEnv   string `yaml:"rpc_url_env"`
	ChainID     int64  `yaml:"chain_id"`
	Description string `yaml:"description"`
}

// ResolvedRPCURL returns the RPC URL, preferring the environment variable.
func (d ChainDefinition) ResolvedRPCURL() string {
	if d.RPCURLEnv != "" {
		if v := strings.TrimSpace(os.Getenv(d.RPCURLEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(d.RPCURL)
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
