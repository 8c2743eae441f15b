package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	getter "github.com/hashicorp/go-getter"
	"github.com/pelletier/go-toml/v2"
)

const registryFetchTimeout = 60 * time.Second

// LoadAssetRegistry loads the registry from a local file, or downloads it with go-getter
// when src is not a local file (https URL, git or s3 source).
func LoadAssetRegistry(ctx context.Context, src string) (*AssetRegistry, error) {
	if _, err := os.Stat(src); err == nil {
		return LoadAssetRegistryFile(src)
	}

	dir, err := os.MkdirTemp("", "lbp-registry-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	dst := filepath.Join(dir, "registry"+registryExt(src))
	if err := fetchRegistry(ctx, src, dst); err != nil {
		return nil, err
	}
	return LoadAssetRegistryFile(dst)
}

func fetchRegistry(ctx context.Context, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, registryFetchTimeout)
	defer cancel()

	client := getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		return fmt.Errorf("failed to download asset registry from %s: %w", src, err)
	}
	return nil
}

// registryExt keeps the source extension so the file is parsed with the right format.
func registryExt(src string) string {
	p := src
	if u, err := url.Parse(src); err == nil && u.Path != "" {
		p = u.Path
	}
	if strings.HasSuffix(p, ".json") {
		return ".json"
	}
	if ext := path.Ext(p); ext == ".toml" {
		return ext
	}
	return ".toml"
}

// LoadAssetRegistryFile reads a TOML or JSON registry file.
func LoadAssetRegistryFile(filePath string) (*AssetRegistry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset registry: %w", err)
	}

	var registry AssetRegistry
	if strings.HasSuffix(filePath, ".json") {
		if err := json.Unmarshal(data, &registry); err != nil {
			return nil, fmt.Errorf("failed to parse JSON registry: %w", err)
		}
	} else {
		if err := toml.Unmarshal(data, &registry); err != nil {
			return nil, fmt.Errorf("failed to parse TOML registry: %w", err)
		}
	}

	if err := verifyRegistry(&registry); err != nil {
		return nil, fmt.Errorf("invalid asset registry: %w", err)
	}
	return &registry, nil
}

func verifyRegistry(r *AssetRegistry) error {
	if r.FactoryAddress == "" {
		return fmt.Errorf("factory_address is required")
	}
	if r.Bech32Prefix == "" {
		r.Bech32Prefix = "terra"
	}
	if !strings.HasPrefix(r.FactoryAddress, r.Bech32Prefix+"1") {
		return fmt.Errorf("factory_address %s does not use prefix %s", r.FactoryAddress, r.Bech32Prefix)
	}
	if len(r.NativeTokens) == 0 {
		return fmt.Errorf("native_tokens is required")
	}

	seen := make(map[string]bool, len(r.NativeTokens))
	for _, t := range r.NativeTokens {
		if t.Denom == "" || t.Symbol == "" {
			return fmt.Errorf("native token needs denom and symbol")
		}
		if seen[t.Denom] {
			return fmt.Errorf("duplicate native token %s", t.Denom)
		}
		seen[t.Denom] = true
	}
	return nil
}

// NativeAsset returns the display asset of a native denom.
func (r *AssetRegistry) NativeAsset(denom string) (models.Asset, bool) {
	for _, t := range r.NativeTokens {
		if t.Denom == denom {
			return models.NewNativeAsset(t.Denom, t.Symbol), true
		}
	}
	return models.Asset{}, false
}
