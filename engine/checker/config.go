package checker

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"gameserver/engine/flag"
)

// ServiceConfig describes one service as seen by the checker harness.
// It is read from TOML ([[Service]] in the engine config) or a standalone TOML/YAML file.
type ServiceConfig struct {
	Name    string `toml:"name" yaml:"name" json:"name" validate:"required,max=64"`
	Checker string `toml:"checker,omitempty" yaml:"checker,omitempty" json:"checker,omitempty"` // registered checker, defaults to Name
	// ServiceID is packed into every flag and must be unique per competition
	ServiceID    int            `toml:"service_id" yaml:"service_id" json:"service_id" validate:"gte=0,lte=65535"`
	FlagIDs      []string       `toml:"flag_ids,omitempty" yaml:"flag_ids,omitempty" json:"flag_ids,omitempty" validate:"dive,flagid"`
	Ports        []string       `toml:"ports,omitempty" yaml:"ports,omitempty" json:"ports,omitempty" validate:"dive,portspec"`
	NumPayloads  int            `toml:"num_payloads,omitzero" yaml:"num_payloads,omitempty" json:"num_payloads" validate:"gte=0,lte=65536"`
	FlagsPerTick float64        `toml:"flags_per_tick,omitzero" yaml:"flags_per_tick,omitempty" json:"flags_per_tick" validate:"gte=0"`
	Cadence      []CadenceRule  `toml:"cadence,omitempty" yaml:"cadence,omitempty" json:"cadence,omitempty" validate:"dive"`
	Timeout      int            `toml:"timeout,omitzero" yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"` // seconds per unit
	Disabled     bool           `toml:"disabled,omitempty" yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Options      map[string]any `toml:"options,omitempty" yaml:"options,omitempty" json:"options,omitempty"`
}

// CadenceRule issues Payloads on every tick where (tick - Offset) is a multiple of Every.
type CadenceRule struct {
	Payloads []int `toml:"payloads" yaml:"payloads" json:"payloads" validate:"required,min=1,dive,gte=0,lte=65535"`
	Every    int   `toml:"every,omitzero" yaml:"every,omitempty" json:"every" validate:"gte=0,lte=1000"`
	Offset   int   `toml:"offset,omitzero" yaml:"offset,omitempty" json:"offset"`
}

func (c ServiceConfig) CheckerName() string {
	if c.Checker != "" {
		return c.Checker
	}
	return c.Name
}

// Namespace is the slug of Name that prefixes every store key of the service.
func (c ServiceConfig) Namespace() string { return slug.Make(c.Name) }

// Configure fills defaults. Calling it twice is harmless.
func (c *ServiceConfig) Configure() {
	if c.NumPayloads == 0 && len(c.Cadence) == 0 {
		c.NumPayloads = 1
	}
	for i := range c.Cadence {
		if c.Cadence[i].Every == 0 {
			c.Cadence[i].Every = 1
		}
	}
	if c.FlagsPerTick == 0 {
		c.FlagsPerTick = c.AverageFlagsPerTick()
	}
}

// Payloads returns the payload types issued at tick, ascending.
// Without cadence rules every payload type is issued every tick.
func (c ServiceConfig) Payloads(tick int) []int {
	if len(c.Cadence) == 0 {
		out := make([]int, c.NumPayloads)
		for i := range out {
			out[i] = i
		}
		return out
	}
	var out []int
	for _, rule := range c.Cadence {
		every := max(rule.Every, 1)
		if mod(tick-rule.Offset, every) != 0 {
			continue
		}
		for _, p := range rule.Payloads {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	slices.Sort(out)
	return out
}

// maxCadencePeriod bounds the ticks after which a cadence repeats.
const maxCadencePeriod = 1 << 16

// cadencePeriod is the lcm of all Every values, or maxCadencePeriod+1 once
// it grows past the bound.
func (c ServiceConfig) cadencePeriod() int {
	period := 1
	for _, rule := range c.Cadence {
		period = lcm(period, max(rule.Every, 1))
		if period > maxCadencePeriod {
			return maxCadencePeriod + 1
		}
	}
	return period
}

// AverageFlagsPerTick counts issued payloads over one full cadence period,
// or over the first maxCadencePeriod ticks of a longer one.
func (c ServiceConfig) AverageFlagsPerTick() float64 {
	if len(c.Cadence) == 0 {
		return float64(c.NumPayloads)
	}
	period := min(c.cadencePeriod(), maxCadencePeriod)
	total := 0
	for tick := range period {
		total += len(c.Payloads(tick))
	}
	return float64(total) / float64(period)
}

func (c ServiceConfig) FlagIDKinds() ([]flag.Kind, error) {
	kinds := make([]flag.Kind, 0, len(c.FlagIDs))
	for _, raw := range c.FlagIDs {
		k, err := flag.ParseKind(raw)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Port returns the first port declared for proto ("tcp:8080"), or def.
func (c ServiceConfig) Port(proto string, def int) int {
	for _, p := range c.Ports {
		kind, num, ok := strings.Cut(p, ":")
		if !ok || !strings.EqualFold(kind, proto) {
			continue
		}
		if n, err := strconv.Atoi(num); err == nil {
			return n
		}
	}
	return def
}

func (c ServiceConfig) Option(name, def string) string {
	v, ok := c.Options[name]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c ServiceConfig) IntOption(name string, def int) int {
	switch v := c.Options[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (c ServiceConfig) BoolOption(name string, def bool) bool {
	switch v := c.Options[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("flagid", func(fl validator.FieldLevel) bool {
		return flag.ValidKind(fl.Field().String())
	})
	_ = v.RegisterValidation("portspec", func(fl validator.FieldLevel) bool {
		kind, num, ok := strings.Cut(fl.Field().String(), ":")
		if !ok || (kind != "tcp" && kind != "udp") {
			return false
		}
		n, err := strconv.Atoi(num)
		return err == nil && n > 0 && n <= 65535
	})
	return v
}

// Validate checks struct tags plus the cross field rules between payloads,
// cadence and the declared flags per tick.
func (c ServiceConfig) Validate() error {
	var errs error
	if err := validate.Struct(c); err != nil {
		errs = errors.Join(errs, fmt.Errorf("service %q: %w", c.Name, err))
	}
	if c.Name != "" && c.Namespace() == "" {
		errs = errors.Join(errs, fmt.Errorf("service %q: name needs a letter or digit", c.Name))
	}
	if c.NumPayloads > 0 {
		for _, rule := range c.Cadence {
			for _, p := range rule.Payloads {
				if p >= c.NumPayloads {
					errs = errors.Join(errs, fmt.Errorf("service %q: cadence payload %d not below num_payloads %d", c.Name, p, c.NumPayloads))
				}
			}
		}
	}
	if c.cadencePeriod() > maxCadencePeriod {
		errs = errors.Join(errs, fmt.Errorf("service %q: cadence repeats after more than %d ticks", c.Name, maxCadencePeriod))
	}
	if c.FlagsPerTick > 0 && len(c.Cadence) > 0 {
		if avg := c.AverageFlagsPerTick(); math.Abs(avg-c.FlagsPerTick) > 1e-9 {
			errs = errors.Join(errs, fmt.Errorf("service %q: cadence issues %.3f flags per tick, flags_per_tick is %.3f", c.Name, avg, c.FlagsPerTick))
		}
	}
	return errs
}

// LoadServiceConfig reads a standalone checker config; the format follows the extension.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	var c ServiceConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		md, err := toml.Decode(string(raw), &c)
		if err != nil {
			return c, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			slog.Warn("Undecoded configuration key(s) in service config", "path", path, "keys", undecoded)
		}
	}
	c.Configure()
	return c, c.Validate()
}

func mod(a, b int) int {
	return ((a % b) + b) % b
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
