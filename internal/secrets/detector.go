// Package secrets finds and redacts credentials in ticket text before it
// leaves the process, using the gitleaks rule set.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

const previewLen = 4

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding is one detected secret.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int // 1-based
	StartCol int
	EndCol   int
	Match    string
}

// Config configures a Detector.
type Config struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// Detector scans text with the default gitleaks rules plus an optional
// allowlist. The rule set is loaded once and shared; each scan gets its
// own gitleaks detector because those accumulate findings.
type Detector struct {
	enabled bool
	logger  *zap.Logger

	once    sync.Once
	base    gitleaksConfig.Config
	loadErr error
	allow   *Allowlist
}

// New creates a Detector. The allowlist file, when set, is read now so a
// bad file fails at startup.
func New(cfg Config, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{enabled: cfg.Enabled, logger: logger}
	if cfg.AllowlistPath != "" {
		allow, err := LoadAllowlist(cfg.AllowlistPath)
		if err != nil {
			return nil, err
		}
		d.allow = allow
	}
	return d, nil
}

// Enabled reports whether scanning is on.
func (d *Detector) Enabled() bool { return d.enabled }

func (d *Detector) config() (gitleaksConfig.Config, error) {
	d.once.Do(func() {
		det, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			d.loadErr = fmt.Errorf("load gitleaks rules: %w", err)
			return
		}
		d.base = det.Config
		if d.allow != nil {
			applyAllowlist(&d.base, d.allow)
		}
	})
	return d.base, d.loadErr
}

// Detect returns the secrets found in content.
func (d *Detector) Detect(content string) ([]Finding, error) {
	if !d.enabled || content == "" {
		return nil, nil
	}
	cfg, err := d.config()
	if err != nil {
		return nil, err
	}
	found := detect.NewDetector(cfg).DetectString(content)

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}
	return out, nil
}

// Result is redacted content plus what was removed.
type Result struct {
	Content string
	Audit   AuditLog
}

// Redact replaces every secret with a [REDACTED:rule:preview] marker.
func (d *Detector) Redact(content string) (Result, error) {
	start := time.Now()
	findings, err := d.Detect(content)
	if err != nil {
		return Result{}, err
	}
	audit := buildAuditLog(findings, time.Since(start))
	if len(findings) == 0 {
		return Result{Content: content, Audit: audit}, nil
	}
	d.logger.Info("redacted secrets",
		zap.Int("count", audit.Summary.TotalSecrets),
		zap.Int("unique_rules", audit.Summary.UniqueRules))
	return Result{Content: replaceFindings(content, findings), Audit: audit}, nil
}

// Scrub is Redact for callers that only want text. On detector failure the
// content is replaced entirely rather than sent unscanned.
func (d *Detector) Scrub(content string) string {
	res, err := d.Redact(content)
	if err != nil {
		d.logger.Error("secret scan failed, withholding content", zap.Error(err))
		return "[REDACTED:scan-failed]"
	}
	return res.Content
}

// replaceFindings works backwards through the findings so earlier offsets
// stay valid.
func replaceFindings(content string, findings []Finding) string {
	sorted := append([]Finding(nil), findings...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")
	for _, f := range sorted {
		if f.Line < 1 || f.Line > len(lines) {
			continue
		}
		line := lines[f.Line-1]
		marker := fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Match))

		// gitleaks columns are inclusive; prefer locating the secret itself
		if idx := strings.Index(line, f.Match); f.Match != "" && idx >= 0 {
			lines[f.Line-1] = line[:idx] + marker + line[idx+len(f.Match):]
			continue
		}
		if f.StartCol >= 0 && f.EndCol <= len(line) && f.StartCol < f.EndCol {
			lines[f.Line-1] = line[:f.StartCol] + marker + line[f.EndCol:]
		}
	}
	return strings.Join(lines, "\n")
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	global := &gitleaksConfig.Allowlist{Description: "triage allowlist"}
	// patterns were compiled once already in LoadAllowlist
	for _, p := range allow.Paths {
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	for _, p := range allow.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	global.StopWords = append(global.StopWords, allow.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}
