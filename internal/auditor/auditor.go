// Package auditor reconciles the desired bucket and access-policy state
// declared in configuration against what the object store actually has.
// It expands each project's bucket templates across its sites, platforms
// and environments, probes write access, and reports or repairs drift.
package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/keys"
	"github.com/corvid-bio/magpie/internal/storage"
)

// Store is the slice of object storage the auditor needs.
type Store interface {
	CreateBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, data []byte) error
	GetBucketPolicy(ctx context.Context, bucket string) (string, error)
	PutBucketPolicy(ctx context.Context, bucket, policy string) error
}

// Bucket is one bucket the configuration says should exist, with its
// rendered policy document.
type Bucket struct {
	Name    string
	Project string
	Policy  string
}

// Finding is the audit verdict for one bucket.
type Finding struct {
	Bucket       string
	Missing      bool
	WriteDenied  bool
	PolicyDrift  bool
	ActualPolicy string
	WantedPolicy string
}

// Clean reports whether nothing needs fixing.
func (f Finding) Clean() bool {
	return !f.Missing && !f.WriteDenied && !f.PolicyDrift
}

// Auditor reconciles buckets and policies.
type Auditor struct {
	cfg   *config.Config
	store Store
	log   *zap.Logger
}

// New builds an auditor.
func New(cfg *config.Config, store Store, log *zap.Logger) *Auditor {
	return &Auditor{cfg: cfg, store: store, log: log}
}

// environments a site bucket template is expanded across.
var environments = []string{"prod", "test"}

// DesiredBuckets expands every project's bucket templates. Site buckets
// multiply across sites, platforms and environments; project buckets
// bind only the project label.
func (a *Auditor) DesiredBuckets() ([]Bucket, error) {
	var out []Bucket
	for project, pc := range a.cfg.Projects {
		platforms := make([]string, 0, len(pc.FileSpecs))
		for platform := range pc.FileSpecs {
			platforms = append(platforms, platform)
		}
		sort.Strings(platforms)

		sites := make([]string, 0, len(pc.Sites))
		for site := range pc.Sites {
			sites = append(sites, site)
		}
		sort.Strings(sites)

		for _, bc := range sortedBuckets(pc.SiteBuckets) {
			for _, site := range sites {
				for _, platform := range platforms {
					for _, env := range environments {
						name, err := config.ExpandBucketName(bc.NameLayout, map[string]string{
							"project":  project,
							"site":     site,
							"platform": platform,
							"env":      env,
						})
						if err != nil {
							return nil, fmt.Errorf("auditor: expand %s: %w", bc.NameLayout, err)
						}
						out = append(out, Bucket{
							Name:    name,
							Project: project,
							Policy:  renderPolicy(name, pc, bc, site),
						})
					}
				}
			}
		}

		for _, bc := range sortedBuckets(pc.ProjectBuckets) {
			name, err := config.ExpandBucketName(bc.NameLayout, map[string]string{
				"project": project,
			})
			if err != nil {
				return nil, fmt.Errorf("auditor: expand %s: %w", bc.NameLayout, err)
			}
			out = append(out, Bucket{
				Name:    name,
				Project: project,
				Policy:  renderPolicy(name, pc, bc, ""),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return dedupe(out), nil
}

// Audit probes each desired bucket and compares its policy with the
// rendered one. Findings are returned in bucket order.
func (a *Auditor) Audit(ctx context.Context) ([]Finding, error) {
	buckets, err := a.DesiredBuckets()
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(buckets))
	for _, bucket := range buckets {
		finding := Finding{Bucket: bucket.Name, WantedPolicy: bucket.Policy}

		// The probe object shares its name with the reserved sentinel
		// key, so the matcher ignores the arrival event it generates.
		if err := a.store.Put(ctx, bucket.Name, keys.ProbeKey, []byte{}); err != nil {
			a.log.Warn("bucket probe failed",
				zap.String("bucket", bucket.Name),
				zap.Error(err))
			if errors.Is(err, storage.ErrNoSuchBucket) {
				finding.Missing = true
			} else {
				finding.WriteDenied = true
			}
			findings = append(findings, finding)
			continue
		}

		actual, err := a.store.GetBucketPolicy(ctx, bucket.Name)
		if err != nil {
			return nil, err
		}
		finding.ActualPolicy = actual
		if !policiesEqual(actual, bucket.Policy) {
			finding.PolicyDrift = true
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

// Apply repairs every dirty finding: creates missing buckets and installs
// the rendered policy. With dryRun set it only logs what it would do.
func (a *Auditor) Apply(ctx context.Context, findings []Finding, dryRun bool) error {
	for _, finding := range findings {
		if finding.Clean() {
			continue
		}
		if dryRun {
			a.log.Info("would repair bucket",
				zap.String("bucket", finding.Bucket),
				zap.Bool("missing", finding.Missing),
				zap.Bool("policy_drift", finding.PolicyDrift))
			continue
		}

		if finding.Missing {
			if err := a.store.CreateBucket(ctx, finding.Bucket); err != nil {
				return err
			}
		}
		if err := a.store.PutBucketPolicy(ctx, finding.Bucket, finding.WantedPolicy); err != nil {
			return err
		}
		a.log.Info("bucket repaired", zap.String("bucket", finding.Bucket))
	}
	return nil
}

// renderPolicy turns the config's role → permission-set mapping into a
// policy document. The "site" role binds to the concrete site the bucket
// was expanded for; other roles name fixed principals.
func renderPolicy(bucket string, pc config.ProjectConfig, bc config.BucketConfig, site string) string {
	type statement struct {
		Sid       string              `json:"Sid"`
		Effect    string              `json:"Effect"`
		Principal map[string][]string `json:"Principal"`
		Action    []string            `json:"Action"`
		Resource  []string            `json:"Resource"`
	}

	roles := make([]string, 0, len(bc.Policy))
	for role := range bc.Policy {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	statements := make([]statement, 0, len(roles))
	for _, role := range roles {
		actions := append([]string(nil), pc.BucketPolicies[bc.Policy[role]]...)
		sort.Strings(actions)

		principal := role
		if role == "site" && site != "" {
			principal = site
		}
		statements = append(statements, statement{
			Sid:       role,
			Effect:    "Allow",
			Principal: map[string][]string{"AWS": {"arn:aws:iam:::user/" + principal}},
			Action:    actions,
			Resource: []string{
				"arn:aws:s3:::" + bucket,
				"arn:aws:s3:::" + bucket + "/*",
			},
		})
	}

	doc := map[string]any{
		"Version":   "2012-10-17",
		"Statement": statements,
	}
	rendered, _ := json.Marshal(doc)
	return string(rendered)
}

// policiesEqual compares documents structurally, so formatting and key
// order differences coming back from the store do not read as drift.
func policiesEqual(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	var docA, docB any
	if err := json.Unmarshal([]byte(a), &docA); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &docB); err != nil {
		return false
	}
	return reflect.DeepEqual(docA, docB)
}

func sortedBuckets(m map[string]config.BucketConfig) []config.BucketConfig {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]config.BucketConfig, 0, len(names))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

func dedupe(buckets []Bucket) []Bucket {
	out := buckets[:0]
	var last string
	for _, b := range buckets {
		if b.Name == last {
			continue
		}
		out = append(out, b)
		last = b.Name
	}
	return out
}
