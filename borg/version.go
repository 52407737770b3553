package borg

import (
	"context"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/proc"
)

// Version is the parsed version of an installed borg binary.
type Version struct {
	ver *semver.Version
	raw string
}

// ParseVersion extracts the semantic version from borg's --version output,
// e.g. "borg 1.2.8".
func ParseVersion(output string) (*Version, error) {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) == 0 {
		return nil, errors.New("empty version output")
	}
	// Last field is the version; the leading token is the program name
	raw := fields[len(fields)-1]

	ver, err := semver.NewVersion(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "unparseable borg version %q", raw)
	}
	return &Version{ver: ver, raw: raw}, nil
}

// String returns the detected version string.
func (v *Version) String() string {
	return v.raw
}

// Check evaluates a semver constraint such as ">= 1.2.0" against the
// detected version.
func (v *Version) Check(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, errors.Wrapf(err, "invalid version constraint %q", constraint)
	}
	return c.Check(v.ver), nil
}

// AtLeast is Check with parse failures collapsed to false.
func (v *Version) AtLeast(constraint string) bool {
	ok, err := v.Check(constraint)
	return err == nil && ok
}

// DetectVersion probes the configured binary with --version, stores the
// result on the client, and returns it.
func (c *Client) DetectVersion(ctx context.Context, ex *proc.Executor) (*Version, error) {
	h, err := ex.Spawn(ctx, c.VersionCommand(), nil, "")
	if err != nil {
		return nil, errors.Wrapf(err, "probing %s", c.binary)
	}

	var firstLine string
	result := ex.Monitor(h, proc.Sink{
		Line: func(line string, stream proc.Stream) {
			if firstLine == "" && stream == proc.StreamStdout {
				firstLine = line
			}
		},
	})
	if result.Err != nil {
		return nil, errors.Wrap(result.Err, "version probe failed")
	}
	if result.Code != 0 {
		return nil, errors.Newf("version probe exited %d", result.Code)
	}

	version, err := ParseVersion(firstLine)
	if err != nil {
		return nil, err
	}
	c.version = version

	c.logger.Infow("Detected borg version",
		"binary", c.binary,
		"version", version.String(),
	)
	return version, nil
}

// EnsureSupported verifies the detected version satisfies the configured
// minimum constraint. Call after DetectVersion.
func (c *Client) EnsureSupported(constraint string) error {
	if constraint == "" {
		return nil
	}
	if c.version == nil {
		return errors.New("borg version not detected")
	}
	ok, err := c.version.Check(constraint)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("borg %s does not satisfy required %s", c.version, constraint)
	}
	return nil
}

// supportsGlobArchives reports whether the binary understands
// --glob-archives. Unknown versions are assumed modern.
func (c *Client) supportsGlobArchives() bool {
	if c.version == nil {
		return true
	}
	return c.version.AtLeast(">= 1.2.0")
}
