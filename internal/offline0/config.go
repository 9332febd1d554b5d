package offline0

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultVersion    = "hexo-blog-v1"
	DefaultConfigPath = "offline0.yaml"
	envPrefix         = "OFFLINE0_"
)

// DefaultPrecache is the manifest used when precache.assets is not set.
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/css/index.css",
	"/img/butterfly-icon.png",
	"/img/favicon.png",
}

type Config struct {
	Version string `yaml:"version" koanf:"version"`

	Server struct {
		Port   int    `yaml:"port" koanf:"port"`
		Origin string `yaml:"origin" koanf:"origin"`
	} `yaml:"server" koanf:"server"`

	Scope struct {
		Origin string `yaml:"origin" koanf:"origin"`
		Path   string `yaml:"path" koanf:"path"`
	} `yaml:"scope" koanf:"scope"`

	Precache struct {
		Assets       []string `yaml:"assets" koanf:"assets"`
		Sitemaps     []string `yaml:"sitemaps" koanf:"sitemaps"`
		SitemapLimit int      `yaml:"sitemapLimit" koanf:"sitemapLimit"`
		Concurrency  int      `yaml:"concurrency" koanf:"concurrency"`
	} `yaml:"precache" koanf:"precache"`

	Offline struct {
		Document string `yaml:"document" koanf:"document"`
	} `yaml:"offline" koanf:"offline"`

	Cacheable struct {
		Types []string `yaml:"types" koanf:"types"`
	} `yaml:"cacheable" koanf:"cacheable"`

	Lifecycle struct {
		SkipWaiting *bool `yaml:"skipWaiting,omitempty" koanf:"skipWaiting"`
	} `yaml:"lifecycle" koanf:"lifecycle"`

	Rules []Rule `yaml:"rules" koanf:"rules"`

	Storage struct {
		Path  string `yaml:"path" koanf:"path"`
		RAM   string `yaml:"ram" koanf:"ram"`
		Quota string `yaml:"quota" koanf:"quota"`
	} `yaml:"storage" koanf:"storage"`

	Network struct {
		Timeout string `yaml:"timeout" koanf:"timeout"`
	} `yaml:"network" koanf:"network"`

	Control struct {
		AllowedOrigins []string `yaml:"allowedOrigins" koanf:"allowedOrigins"`
	} `yaml:"control" koanf:"control"`

	Logging struct {
		Level      string `yaml:"level" koanf:"level"`
		StatsEvery string `yaml:"statsEvery" koanf:"statsEvery"`
	} `yaml:"logging" koanf:"logging"`

	// compiled
	scope         *url.URL
	upstream      *url.URL
	ramBytes      ByteSize
	quotaBytes    ByteSize
	timeoutDur    time.Duration
	statsEveryDur time.Duration
}

// Rule excludes matching requests from interception.
type Rule struct {
	Match             string   `yaml:"match" koanf:"match"`
	Priority          int      `yaml:"priority" koanf:"priority"`
	Bypass            bool     `yaml:"bypass" koanf:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies" koanf:"bypassWhenCookies"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// LoadConfig reads the YAML file at path (a missing file is fine) and
// overlays OFFLINE0_* environment variables; a double underscore separates
// levels, so OFFLINE0_SERVER__PORT sets server.port.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("loading env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// camelKeys restores the YAML spelling of multi-word keys so an env override
// replaces the file value instead of sitting next to it.
var camelKeys = map[string]string{
	"sitemaplimit":      "sitemapLimit",
	"skipwaiting":       "skipWaiting",
	"bypasswhencookies": "bypassWhenCookies",
	"allowedorigins":    "allowedOrigins",
	"statsevery":        "statsEvery",
}

func envKey(s string) string {
	parts := strings.Split(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__")
	for i, p := range parts {
		if c, ok := camelKeys[p]; ok {
			parts[i] = c
		}
	}
	return strings.Join(parts, ".")
}

func (cfg *Config) compile() error {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if err := validCacheName(cfg.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	up, err := parseOrigin(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	cfg.upstream = up

	if cfg.Scope.Origin == "" {
		cfg.Scope.Origin = cfg.Server.Origin
	}
	cfg.Scope.Origin = strings.TrimRight(cfg.Scope.Origin, "/")
	scope, err := parseOrigin(cfg.Scope.Origin)
	if err != nil {
		return fmt.Errorf("scope.origin: %w", err)
	}
	if cfg.Scope.Path == "" {
		cfg.Scope.Path = "/"
	}
	if !strings.HasPrefix(cfg.Scope.Path, "/") {
		return fmt.Errorf("scope.path must start with /, got %q", cfg.Scope.Path)
	}
	scope.Path = cfg.Scope.Path
	cfg.scope = scope

	if len(cfg.Precache.Assets) == 0 {
		cfg.Precache.Assets = slices.Clone(DefaultPrecache)
	}
	if cfg.Precache.SitemapLimit == 0 {
		cfg.Precache.SitemapLimit = 200
	}
	if cfg.Precache.Concurrency <= 0 {
		cfg.Precache.Concurrency = 4
	}
	if cfg.Offline.Document == "" {
		cfg.Offline.Document = "/"
	}
	if cfg.Lifecycle.SkipWaiting == nil {
		skip := true
		cfg.Lifecycle.SkipWaiting = &skip
	}
	for i, t := range cfg.Cacheable.Types {
		cfg.Cacheable.Types[i] = strings.ToLower(strings.TrimSpace(t))
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM != "" {
		if cfg.ramBytes, err = ParseByteSize(cfg.Storage.RAM); err != nil {
			return fmt.Errorf("storage.ram: %w", err)
		}
	}
	if cfg.Storage.Quota != "" {
		if cfg.quotaBytes, err = ParseByteSize(cfg.Storage.Quota); err != nil {
			return fmt.Errorf("storage.quota: %w", err)
		}
	}

	cfg.timeoutDur = 30 * time.Second
	if cfg.Network.Timeout != "" {
		if cfg.timeoutDur, err = time.ParseDuration(cfg.Network.Timeout); err != nil {
			return fmt.Errorf("network.timeout: %w", err)
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.StatsEvery != "" {
		if cfg.statsEveryDur, err = time.ParseDuration(cfg.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func parseOrigin(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", s)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", s)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("origin must not carry a path, got %q", s)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// bypasses reports whether the rule takes req out of the worker's hands.
func (r *Rule) bypasses(req *http.Request) bool {
	return r.Bypass || hasAnyCookie(req, r.BypassWhenCookies)
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	for _, c := range r.Cookies() {
		for _, n := range names {
			if c.Name == strings.TrimSpace(n) {
				return true
			}
		}
	}
	return false
}

func (cfg Config) Port() int { return cfg.Server.Port }

func (cfg Config) StatsEvery() time.Duration { return cfg.statsEveryDur }

func (cfg Config) NetworkTimeout() time.Duration { return cfg.timeoutDur }

// StorageOptions derives the leveldb tuning from the storage section.
func (cfg Config) StorageOptions() StorageOptions {
	return StorageOptions{BlockCache: cfg.ramBytes, Quota: cfg.quotaBytes}
}

// Settings returns the immutable worker configuration.
func (cfg Config) Settings() Settings {
	rules := make([]Rule, len(cfg.Rules))
	for i, r := range cfg.Rules {
		r.BypassWhenCookies = slices.Clone(r.BypassWhenCookies)
		r.matchers = slices.Clone(r.matchers)
		rules[i] = r
	}
	scope := *cfg.scope
	upstream := *cfg.upstream
	return Settings{
		Version:         cfg.Version,
		Scope:           &scope,
		Upstream:        &upstream,
		Precache:        slices.Clone(cfg.Precache.Assets),
		Sitemaps:        slices.Clone(cfg.Precache.Sitemaps),
		SitemapLimit:    cfg.Precache.SitemapLimit,
		Concurrency:     cfg.Precache.Concurrency,
		OfflineDocument: cfg.Offline.Document,
		CacheableTypes:  slices.Clone(cfg.Cacheable.Types),
		SkipWaiting:     *cfg.Lifecycle.SkipWaiting,
		Rules:           rules,
	}
}

// Settings is the configuration a worker version is built from. A worker
// never mutates it; a new version is a new Settings value.
type Settings struct {
	Version         string
	Scope           *url.URL // origin plus path prefix under control
	Upstream        *url.URL // where network fetches go
	Precache        []string
	Sitemaps        []string
	SitemapLimit    int
	Concurrency     int
	OfflineDocument string
	CacheableTypes  []string
	SkipWaiting     bool
	Rules           []Rule
}

// Equal reports whether two settings describe the same worker script.
func (s Settings) Equal(o Settings) bool {
	if s.Version != o.Version || s.OfflineDocument != o.OfflineDocument ||
		s.SkipWaiting != o.SkipWaiting || s.SitemapLimit != o.SitemapLimit ||
		s.Concurrency != o.Concurrency {
		return false
	}
	if s.Scope.String() != o.Scope.String() || s.Upstream.String() != o.Upstream.String() {
		return false
	}
	if !slices.Equal(s.Precache, o.Precache) || !slices.Equal(s.Sitemaps, o.Sitemaps) ||
		!slices.Equal(s.CacheableTypes, o.CacheableTypes) {
		return false
	}
	if len(s.Rules) != len(o.Rules) {
		return false
	}
	for i := range s.Rules {
		a, b := s.Rules[i], o.Rules[i]
		if a.Match != b.Match || a.Priority != b.Priority || a.Bypass != b.Bypass ||
			!slices.Equal(a.BypassWhenCookies, b.BypassWhenCookies) {
			return false
		}
	}
	return true
}

// scopeURL resolves ref (a path or absolute URL) against the scope origin.
func (s Settings) scopeURL(ref string) (*url.URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	base := &url.URL{Scheme: s.Scope.Scheme, Host: s.Scope.Host, Path: "/"}
	return base.ResolveReference(r), nil
}

func (s Settings) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, s.Scope.Scheme) && strings.EqualFold(u.Host, s.Scope.Host)
}

func (s Settings) inScope(u *url.URL) bool {
	p := u.Path
	if p == "" {
		p = "/"
	}
	return strings.HasPrefix(p, s.Scope.Path)
}
