package cloudsync

import (
	"strings"

	"github.com/borgitory/borgitory/errors"
)

// remoteName is the rclone remote defined entirely through environment
// variables for one invocation. Nothing is written to an rclone config
// file.
const remoteName = "borgsync"

const envPrefix = "RCLONE_CONFIG_BORGSYNC_"

// Provider maps a provider tag onto rclone remote configuration.
type Provider struct {
	Name string

	// SensitiveFields enumerates config keys encrypted at rest inside the
	// stored provider_config_json blob.
	SensitiveFields []string

	// required config keys checked before rendering.
	required []string

	render func(cfg map[string]string) (target string, env map[string]string, err error)
}

// providers is the declarative provider table. Built once; read-only.
var providers = map[string]Provider{
	"s3": {
		Name:            "s3",
		SensitiveFields: []string{"access_key_id", "secret_access_key"},
		required:        []string{"bucket", "access_key_id", "secret_access_key"},
		render: func(cfg map[string]string) (string, map[string]string, error) {
			env := map[string]string{
				envPrefix + "TYPE":              "s3",
				envPrefix + "ACCESS_KEY_ID":     cfg["access_key_id"],
				envPrefix + "SECRET_ACCESS_KEY": cfg["secret_access_key"],
			}
			if region := cfg["region"]; region != "" {
				env[envPrefix+"REGION"] = region
			}
			if endpoint := cfg["endpoint"]; endpoint != "" {
				env[envPrefix+"ENDPOINT"] = endpoint
			}
			return remoteName + ":" + joinRemotePath(cfg["bucket"], cfg["prefix"]), env, nil
		},
	},
	"sftp": {
		Name:            "sftp",
		SensitiveFields: []string{"password"},
		required:        []string{"host", "username", "password", "path"},
		render: func(cfg map[string]string) (string, map[string]string, error) {
			// rclone refuses plaintext passwords in config; it expects
			// its own reversible obscuring.
			pass, err := obscure(cfg["password"])
			if err != nil {
				return "", nil, err
			}
			env := map[string]string{
				envPrefix + "TYPE": "sftp",
				envPrefix + "HOST": cfg["host"],
				envPrefix + "USER": cfg["username"],
				envPrefix + "PASS": pass,
			}
			if port := cfg["port"]; port != "" {
				env[envPrefix+"PORT"] = port
			}
			return remoteName + ":" + strings.TrimPrefix(cfg["path"], "/"), env, nil
		},
	},
	"smb": {
		Name:            "smb",
		SensitiveFields: []string{"password"},
		required:        []string{"host", "username", "password", "share"},
		render: func(cfg map[string]string) (string, map[string]string, error) {
			pass, err := obscure(cfg["password"])
			if err != nil {
				return "", nil, err
			}
			env := map[string]string{
				envPrefix + "TYPE": "smb",
				envPrefix + "HOST": cfg["host"],
				envPrefix + "USER": cfg["username"],
				envPrefix + "PASS": pass,
			}
			if domain := cfg["domain"]; domain != "" {
				env[envPrefix+"DOMAIN"] = domain
			}
			return remoteName + ":" + joinRemotePath(cfg["share"], cfg["path"]), env, nil
		},
	},
}

// Lookup resolves a provider by tag.
func Lookup(name string) (Provider, bool) {
	p, ok := providers[strings.ToLower(name)]
	return p, ok
}

// Providers lists the known provider tags.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

// Render turns a provider tag and its decrypted config into the rclone
// target remote and the environment overlay for one invocation.
func Render(provider string, cfg map[string]string) (string, map[string]string, error) {
	p, ok := Lookup(provider)
	if !ok {
		return "", nil, errors.NewInvalidRequestError("unknown cloud-sync provider %q", provider)
	}
	for _, key := range p.required {
		if cfg[key] == "" {
			return "", nil, errors.NewInvalidRequestError(
				"%s config is missing %q", p.Name, key)
		}
	}
	return p.render(cfg)
}

func joinRemotePath(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// isStatsLine recognizes rclone --stats-one-line output.
func isStatsLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "Transferred:") ||
		strings.Contains(trimmed, "ETA")
}
