// Package keys parses object-storage keys and bucket names into the named
// fields declared by a project's file specs, and derives artifact
// identities from them. Parsing is pure: no I/O, no logging; failures are
// returned for the caller to log and discard.
package keys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/corvid-bio/magpie/internal/config"
)

// ProbeKey is the reserved object name used by the access auditor to probe
// bucket permissions. Arrival events for it are ignored unconditionally.
const ProbeKey = "test"

// ErrNoExtension means no declared extension suffix matched the key.
var ErrNoExtension = errors.New("keys: no declared extension matches key")

// ParsedKey maps layout field names to the corresponding key segments.
type ParsedKey map[string]string

// Parse splits an object key against the extension specs declared for a
// project/platform pair. The matching extension is found by first-suffix
// match over the declared order, so specs must list more specific
// extensions before their suffixes.
func Parse(key string, specs []config.ExtensionSpec) (string, ParsedKey, error) {
	var spec *config.ExtensionSpec
	for i := range specs {
		if strings.HasSuffix(key, specs[i].Extension) {
			spec = &specs[i]
			break
		}
	}
	if spec == nil {
		return "", nil, ErrNoExtension
	}

	segments := strings.Split(key, ".")
	fields := strings.Split(spec.Layout, ".")

	if len(segments) != spec.Sections {
		return "", nil, fmt.Errorf("keys: key %q has %d segments, spec for %s declares %d",
			key, len(segments), spec.Extension, spec.Sections)
	}

	parsed := make(ParsedKey, len(fields))
	for i, field := range fields {
		if segments[i] == "" {
			return "", nil, fmt.Errorf("keys: key %q has empty segment for field %s", key, field)
		}
		parsed[field] = segments[i]
	}

	return spec.Extension, parsed, nil
}

// DeriveArtifactID joins the fields named by the artifact layout into the
// canonical artifact identity. Every named field must be present in the
// parsed key: a key can parse structurally yet not carry the grouping
// fields, which is a distinct failure.
func DeriveArtifactID(parsed ParsedKey, artifactLayout string) (string, error) {
	fields := strings.Split(artifactLayout, ".")
	parts := make([]string, len(fields))
	for i, field := range fields {
		value, ok := parsed[field]
		if !ok {
			return "", fmt.Errorf("keys: parsed key missing artifact field %s", field)
		}
		parts[i] = value
	}
	return strings.Join(parts, "."), nil
}

// BucketName is the decomposed form of the site-upload bucket naming
// convention {project}-{site}-{platform}-{env}.
type BucketName struct {
	Project     string
	RawSite     string
	Platform    string
	Environment string
}

// Test reports whether the bucket carries test submissions.
func (b BucketName) Test() bool { return b.Environment == "test" }

// Site returns the normalized logical site. Nested site strings use dots
// ("tenant.site"); the last segment is the logical site.
func (b BucketName) Site() string {
	if i := strings.LastIndexByte(b.RawSite, '.'); i >= 0 {
		return b.RawSite[i+1:]
	}
	return b.RawSite
}

// ParseBucketName decomposes a bucket name following the upload bucket
// convention. The site segment may itself contain dots; project, platform
// and environment may not contain hyphens, so the outer split is
// unambiguous: first segment is the project, last two are platform and
// environment, the middle is the raw site.
func ParseBucketName(name string) (BucketName, error) {
	parts := strings.Split(name, "-")
	if len(parts) < 4 {
		return BucketName{}, fmt.Errorf("keys: bucket %q does not follow project-site-platform-env convention", name)
	}
	return BucketName{
		Project:     parts[0],
		RawSite:     strings.Join(parts[1:len(parts)-2], "-"),
		Platform:    parts[len(parts)-2],
		Environment: parts[len(parts)-1],
	}, nil
}

// URI renders the s3:// URI for a bucket/key pair.
func URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// SplitURI decomposes an s3:// URI into bucket and key.
func SplitURI(uri string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("keys: %q is not an s3 URI", uri)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("keys: %q is not a bucket/key URI", uri)
	}
	return bucket, key, nil
}
