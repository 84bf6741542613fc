package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration. Immutable for the lifetime of
// the process; changes require a restart.
type Config struct {
	Projects     map[string]ProjectConfig `yaml:"projects"`
	Storage      StorageConfig            `yaml:"storage"`
	Broker       BrokerConfig             `yaml:"broker"`
	Catalog      CatalogConfig            `yaml:"catalog"`
	Orchestrator OrchestratorConfig       `yaml:"orchestrator"`
	Pipeline     PipelineConfig           `yaml:"pipeline"`
	Server       ServerConfig             `yaml:"server"`
}

// ProjectConfig declares the file specs, identity layout, sites and bucket
// access model for one project.
type ProjectConfig struct {
	// ArtifactLayout names the parsed-key fields that form the artifact
	// id, dot-separated, e.g. "project.run_index.run_id".
	ArtifactLayout string `yaml:"artifact_layout"`

	// Sites maps a site code to its role (e.g. "submitter").
	Sites map[string]string `yaml:"sites"`

	// FileSpecs maps a platform to its ordered extension specs. Order
	// matters: extension lookup is first-suffix-match, so more specific
	// extensions must precede their suffixes (".1.fastq.gz" before
	// ".fastq.gz").
	FileSpecs map[string][]ExtensionSpec `yaml:"file_specs"`

	// BucketPolicies names permission sets referenced by bucket configs.
	BucketPolicies map[string][]string `yaml:"bucket_policies"`

	SiteBuckets    map[string]BucketConfig `yaml:"site_buckets"`
	ProjectBuckets map[string]BucketConfig `yaml:"project_buckets"`
}

// ExtensionSpec declares the key layout for one required extension.
type ExtensionSpec struct {
	Extension string `yaml:"ext"`
	// Layout is the dot-delimited field layout, e.g.
	// "project.run_index.run_id.fastq.gz".
	Layout string `yaml:"layout"`
	// Sections is the expected number of dot-separated segments.
	Sections int `yaml:"sections"`
}

// BucketConfig declares one bucket template and the per-role permission
// set applied to it.
type BucketConfig struct {
	// NameLayout is a template such as "{project}-{site}-{platform}-{env}".
	NameLayout string `yaml:"name_layout"`
	// Policy maps a site role to a named permission set from
	// BucketPolicies.
	Policy map[string]string `yaml:"policy"`
}

// StorageConfig configures the object-storage client.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	PathStyle bool   `yaml:"path_style"`
}

// BrokerConfig configures the AMQP connection.
type BrokerConfig struct {
	URL         string        `yaml:"url"`
	QueueSuffix string        `yaml:"queue_suffix"`
	Prefetch    int           `yaml:"prefetch"`
	RedialRate  time.Duration `yaml:"redial_rate"`
}

// CatalogConfig configures the metadata-registry client.
type CatalogConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// OrchestratorConfig tunes the validation worker pool.
type OrchestratorConfig struct {
	Project      string        `yaml:"project"`
	Workers      int           `yaml:"workers"`
	RetryCeiling int           `yaml:"retry_ceiling"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	ResultDir    string        `yaml:"result_dir"`
}

// PipelineConfig configures the external validation pipeline invocation.
type PipelineConfig struct {
	Command    string            `yaml:"command"`
	Repo       string            `yaml:"repo"`
	Branch     string            `yaml:"branch"`
	Profile    string            `yaml:"profile"`
	ConfigFile string            `yaml:"config_file"`
	Env        map[string]string `yaml:"env"`
	// MinTimeout floors the size-derived timeout.
	MinTimeout time.Duration `yaml:"min_timeout"`
}

// ServerConfig configures the health/metrics HTTP listener.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills in default values.
func (c *Config) ApplyDefaults() {
	if c.Broker.Prefetch == 0 {
		c.Broker.Prefetch = 1
	}
	if c.Broker.RedialRate == 0 {
		c.Broker.RedialRate = 5 * time.Second
	}
	if c.Catalog.MaxRetries == 0 {
		c.Catalog.MaxRetries = 3
	}
	if c.Catalog.RetryDelay == 0 {
		c.Catalog.RetryDelay = 3 * time.Second
	}
	if c.Orchestrator.Workers == 0 {
		c.Orchestrator.Workers = 5
	}
	if c.Orchestrator.RetryCeiling == 0 {
		c.Orchestrator.RetryCeiling = 5
	}
	if c.Orchestrator.RetryDelay == 0 {
		c.Orchestrator.RetryDelay = 3 * time.Minute
	}
	if c.Pipeline.MinTimeout == 0 {
		c.Pipeline.MinTimeout = 30 * time.Minute
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Projects) == 0 {
		return errors.New("config: at least one project is required")
	}

	for project, pc := range c.Projects {
		if pc.ArtifactLayout == "" {
			return fmt.Errorf("config: project %s: artifact_layout is required", project)
		}
		if len(pc.FileSpecs) == 0 {
			return fmt.Errorf("config: project %s: at least one platform file spec is required", project)
		}

		for platform, specs := range pc.FileSpecs {
			if len(specs) == 0 {
				return fmt.Errorf("config: project %s platform %s: no extensions declared", project, platform)
			}
			seen := make(map[string]bool, len(specs))
			for _, spec := range specs {
				if spec.Extension == "" || !strings.HasPrefix(spec.Extension, ".") {
					return fmt.Errorf("config: project %s platform %s: extension %q must start with a dot",
						project, platform, spec.Extension)
				}
				if seen[spec.Extension] {
					return fmt.Errorf("config: project %s platform %s: duplicate extension %s",
						project, platform, spec.Extension)
				}
				seen[spec.Extension] = true
				if spec.Layout == "" {
					return fmt.Errorf("config: project %s platform %s extension %s: layout is required",
						project, platform, spec.Extension)
				}
				if spec.Sections != len(strings.Split(spec.Layout, ".")) {
					return fmt.Errorf("config: project %s platform %s extension %s: sections (%d) disagrees with layout %q",
						project, platform, spec.Extension, spec.Sections, spec.Layout)
				}
			}
		}

		for bucket, bc := range pc.SiteBuckets {
			for role, set := range bc.Policy {
				if _, ok := pc.BucketPolicies[set]; !ok {
					return fmt.Errorf("config: project %s site bucket %s: role %s references unknown permission set %s",
						project, bucket, role, set)
				}
			}
		}
		for bucket, bc := range pc.ProjectBuckets {
			for role, set := range bc.Policy {
				if _, ok := pc.BucketPolicies[set]; !ok {
					return fmt.Errorf("config: project %s project bucket %s: role %s references unknown permission set %s",
						project, bucket, role, set)
				}
			}
		}
	}

	return nil
}

// Platform returns the ordered extension specs for a project/platform
// pair, or an error if either is unknown.
func (c *Config) Platform(project, platform string) ([]ExtensionSpec, error) {
	pc, ok := c.Projects[project]
	if !ok {
		return nil, fmt.Errorf("config: unknown project %s", project)
	}
	specs, ok := pc.FileSpecs[platform]
	if !ok {
		return nil, fmt.Errorf("config: project %s: unknown platform %s", project, platform)
	}
	return specs, nil
}

// RequiredExtensions returns the extensions an artifact on the given
// platform must supply before it is complete.
func (c *Config) RequiredExtensions(project, platform string) ([]string, error) {
	specs, err := c.Platform(project, platform)
	if err != nil {
		return nil, err
	}
	exts := make([]string, len(specs))
	for i, spec := range specs {
		exts[i] = spec.Extension
	}
	return exts, nil
}

// ExpandBucketName substitutes the placeholder labels in a bucket name
// layout. Unknown labels are an error so misconfigured layouts surface at
// startup rather than as missing buckets.
func ExpandBucketName(layout string, labels map[string]string) (string, error) {
	name := layout
	for label, value := range labels {
		name = strings.ReplaceAll(name, "{"+label+"}", value)
	}
	if i := strings.IndexByte(name, '{'); i >= 0 {
		return "", fmt.Errorf("config: bucket layout %q has unbound label at %q", layout, name[i:])
	}
	return name, nil
}
