package core

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// SecretsFile holds deploy credentials next to the project config so they
// stay out of assetflow.yaml.
const SecretsFile = "assetflow.env"

// LoadSecretsEnv reads KEY=VALUE pairs from path. Lines starting with # are
// ignored and values may be quoted. A missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return out, fmt.Errorf("open secrets: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if uq, err := strconv.Unquote(v); err == nil {
				v = uq
			} else if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
				v = v[1 : len(v)-1]
			}
			out[k] = v
		}
	}
	if err := s.Err(); err != nil {
		return out, fmt.Errorf("read secrets: %w", err)
	}
	return out, nil
}

// ApplyDeploySecrets overlays ASSETFLOW_DEPLOY_* values onto d. Process
// environment wins over the secrets file.
func ApplyDeploySecrets(d *DeployConfig, secrets map[string]string, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		if lookup != nil {
			if v, ok := lookup(key); ok && v != "" {
				return v, true
			}
		}
		v, ok := secrets[key]
		return v, ok && v != ""
	}
	if v, ok := get("ASSETFLOW_DEPLOY_HOST"); ok {
		d.Host = v
	}
	if v, ok := get("ASSETFLOW_DEPLOY_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			d.Port = p
		}
	}
	if v, ok := get("ASSETFLOW_DEPLOY_USER"); ok {
		d.User = v
	}
	if v, ok := get("ASSETFLOW_DEPLOY_KEY"); ok {
		d.KeyPath = v
	}
	if v, ok := get("ASSETFLOW_DEPLOY_DIR"); ok {
		d.RemoteDir = v
	}
}
