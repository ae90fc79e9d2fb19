package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
)

// riskTable classifies tools by name. A tool whose lowercased id contains one of
// the names takes that tier; higher tiers are checked first.
var riskTable = []struct {
	tier  domain.RiskTier
	names []string
}{
	{domain.RiskCritical, []string{"msfconsole", "msfvenom", "exploit"}},
	{domain.RiskHigh, []string{"sqlmap", "hydra", "medusa", "john", "hashcat"}},
	{domain.RiskMedium, []string{"nikto", "dirb", "gobuster", "wpscan"}},
	{domain.RiskLow, []string{"nmap", "masscan", "nuclei", "whois", "dig"}},
}

type timeoutClass struct {
	timeout     time.Duration
	maxAttempts int
}

// timeoutTable holds per-tool timeout classes, keyed by exact lowercased id.
var timeoutTable = map[string]timeoutClass{
	"nmap":       {300 * time.Second, 2},
	"masscan":    {180 * time.Second, 2},
	"nuclei":     {300 * time.Second, 2},
	"hydra":      {600 * time.Second, 1},
	"sqlmap":     {300 * time.Second, 2},
	"msfconsole": {300 * time.Second, 2},
}

// ClassifyRisk returns the built-in tier for a tool name, defaulting to Medium.
func ClassifyRisk(toolID string) domain.RiskTier {
	lower := strings.ToLower(toolID)
	for _, row := range riskTable {
		for _, name := range row.names {
			if strings.Contains(lower, name) {
				return row.tier
			}
		}
	}
	return domain.RiskMedium
}

// entry is a resolved catalog row.
type entry struct {
	spec   domain.ToolSpec
	schema *jsonschema.Schema
}

// Catalog is the static tool table the gateway resolves requests against.
type Catalog struct {
	entries map[string]*entry
}

// NewCatalog resolves every configured tool. Unset fields come from the
// built-in tables first, then from defaults.
func NewCatalog(tools []config.ToolConfig, defaults config.ToolDefaults) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]*entry, len(tools))}
	compiler := jsonschema.NewCompiler()

	for _, t := range tools {
		if t.ID == "" {
			return nil, domain.NewDomainError("NewCatalog", domain.ErrInvalidInput, "tool without id")
		}
		if _, dup := c.entries[t.ID]; dup {
			return nil, domain.NewSubSystemError("tool", "NewCatalog", domain.ErrDuplicate, t.ID)
		}

		spec, err := resolveSpec(t, defaults)
		if err != nil {
			return nil, err
		}

		e := &entry{spec: spec}
		if t.Schema != "" {
			e.spec.Schema = json.RawMessage(t.Schema)
			s, err := compiler.Compile([]byte(t.Schema))
			if err != nil {
				return nil, domain.NewDomainError("NewCatalog", domain.ErrInvalidInput,
					fmt.Sprintf("tool %q schema: %v", t.ID, err))
			}
			e.schema = s
		}
		c.entries[t.ID] = e
	}
	return c, nil
}

func resolveSpec(t config.ToolConfig, d config.ToolDefaults) (domain.ToolSpec, error) {
	spec := domain.ToolSpec{
		ID:               t.ID,
		Category:         t.Category,
		Description:      t.Description,
		Timeout:          t.Timeout,
		MaxAttempts:      t.MaxAttempts,
		BaseDelay:        t.BaseDelay,
		MaxDelay:         t.MaxDelay,
		BreakerThreshold: t.BreakerThreshold,
		BreakerCooldown:  t.BreakerCooldown,
		RateLimit:        t.RateLimit,
		RateBurst:        t.RateBurst,
		MaxOutput:        t.MaxOutput,
	}

	if t.RiskTier != "" {
		tier, err := domain.ParseRiskTier(t.RiskTier)
		if err != nil {
			return spec, domain.WrapOp("NewCatalog", err)
		}
		spec.RiskTier = tier
	} else {
		spec.RiskTier = ClassifyRisk(t.ID)
	}

	if class, ok := timeoutTable[strings.ToLower(t.ID)]; ok {
		if spec.Timeout == 0 {
			spec.Timeout = class.timeout
		}
		if spec.MaxAttempts == 0 {
			spec.MaxAttempts = class.maxAttempts
		}
	}

	if spec.Timeout == 0 {
		spec.Timeout = d.Timeout
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = d.MaxAttempts
	}
	if spec.BaseDelay == 0 {
		spec.BaseDelay = d.BaseDelay
	}
	if spec.MaxDelay == 0 {
		spec.MaxDelay = d.MaxDelay
	}
	if spec.BreakerThreshold == 0 {
		spec.BreakerThreshold = d.BreakerThreshold
	}
	if spec.BreakerCooldown == 0 {
		spec.BreakerCooldown = d.BreakerCooldown
	}
	if spec.MaxOutput == 0 {
		spec.MaxOutput = d.MaxOutput
	}
	if spec.RateLimit > 0 && spec.RateBurst <= 0 {
		spec.RateBurst = 1
	}
	return spec, nil
}

// Lookup returns the spec of a tool.
func (c *Catalog) Lookup(toolID string) (domain.ToolSpec, bool) {
	e, ok := c.entries[toolID]
	if !ok {
		return domain.ToolSpec{}, false
	}
	return e.spec, true
}

// Specs returns every tool spec sorted by id.
func (c *Catalog) Specs() []domain.ToolSpec {
	out := make([]domain.ToolSpec, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// validate checks params against the tool's schema, if it has one.
func (c *Catalog) validate(toolID string, params json.RawMessage) error {
	e := c.entries[toolID]
	if e == nil || e.schema == nil {
		return nil
	}
	var data any = map[string]any{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &data); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	result := e.schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
