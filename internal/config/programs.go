package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/fastygo/attribution/domain"
)

// Programs is the immutable catalog of attribution programs.
type Programs struct {
	defaultID string
	byID      map[string]domain.Program
}

// Program returns the program by ID; an empty ID selects the default program.
func (p *Programs) Program(programID string) (domain.Program, error) {
	if programID == "" {
		programID = p.defaultID
	}
	program, ok := p.byID[programID]
	if !ok {
		return domain.Program{}, domain.NewError(domain.ErrCodeInvalid, fmt.Sprintf("unknown program %q", programID))
	}
	return program, nil
}

// IDs lists program IDs in order.
func (p *Programs) IDs() []string {
	ids := make([]string, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxWindow is the longest lookback across programs.
func (p *Programs) MaxWindow() time.Duration {
	var longest time.Duration
	for _, program := range p.byID {
		if program.Window > longest {
			longest = program.Window
		}
	}
	return longest
}

type programsFile struct {
	Default  string        `yaml:"default"`
	Programs []programYAML `yaml:"programs"`
}

type programYAML struct {
	ID              string            `yaml:"id"`
	Model           string            `yaml:"model"`
	HalfLife        string            `yaml:"half_life"`
	Window          string            `yaml:"window"`
	MaxTouchpoints  int               `yaml:"max_touchpoints"`
	TierMultipliers map[string]string `yaml:"tier_multipliers"`
	VolumeBonuses   []struct {
		Above     string `yaml:"above"`
		BonusRate string `yaml:"bonus_rate"`
	} `yaml:"volume_bonuses"`
	VolumeLookback string `yaml:"volume_lookback"`
}

// LoadProgramsFile reads a YAML program catalog.
func LoadProgramsFile(path string) (*Programs, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read programs file: %w", err)
	}
	return ParsePrograms(raw)
}

// ParsePrograms decodes and validates a YAML program catalog.
func ParsePrograms(raw []byte) (*Programs, error) {
	var file programsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode programs: %w", err)
	}
	if len(file.Programs) == 0 {
		return nil, fmt.Errorf("programs file defines no programs")
	}

	catalog := &Programs{defaultID: file.Default, byID: make(map[string]domain.Program, len(file.Programs))}
	for _, def := range file.Programs {
		program, err := def.toProgram()
		if err != nil {
			return nil, err
		}
		if _, dup := catalog.byID[program.ID]; dup {
			return nil, fmt.Errorf("program %s defined twice", program.ID)
		}
		catalog.byID[program.ID] = program
	}
	if catalog.defaultID == "" {
		catalog.defaultID = file.Programs[0].ID
	}
	if _, ok := catalog.byID[catalog.defaultID]; !ok {
		return nil, fmt.Errorf("default program %q is not defined", catalog.defaultID)
	}
	return catalog, nil
}

// DefaultPrograms builds a single-program catalog from environment settings.
func DefaultPrograms(cfg AttributionConfig) (*Programs, error) {
	kind, err := domain.ParseModelKind(cfg.Model)
	if err != nil {
		return nil, err
	}
	program := domain.Program{
		ID:             cfg.DefaultProgram,
		Model:          domain.ModelConfig{Kind: kind, HalfLife: cfg.HalfLife},
		Window:         cfg.Window,
		MaxTouchpoints: cfg.MaxTouchpoints,
	}
	if err := program.Validate(); err != nil {
		return nil, err
	}
	return &Programs{
		defaultID: program.ID,
		byID:      map[string]domain.Program{program.ID: program},
	}, nil
}

func (p programYAML) toProgram() (domain.Program, error) {
	kind, err := domain.ParseModelKind(p.Model)
	if err != nil {
		return domain.Program{}, err
	}
	halfLife, err := parseDuration(p.HalfLife, domain.DefaultHalfLife)
	if err != nil {
		return domain.Program{}, fmt.Errorf("program %s half_life: %w", p.ID, err)
	}
	window, err := parseDuration(p.Window, 30*24*time.Hour)
	if err != nil {
		return domain.Program{}, fmt.Errorf("program %s window: %w", p.ID, err)
	}
	lookback, err := parseDuration(p.VolumeLookback, 30*24*time.Hour)
	if err != nil {
		return domain.Program{}, fmt.Errorf("program %s volume_lookback: %w", p.ID, err)
	}

	program := domain.Program{
		ID:             p.ID,
		Model:          domain.ModelConfig{Kind: kind, HalfLife: halfLife},
		Window:         window,
		MaxTouchpoints: p.MaxTouchpoints,
		VolumeLookback: lookback,
	}
	if len(p.TierMultipliers) > 0 {
		program.TierMultipliers = make(map[string]decimal.Decimal, len(p.TierMultipliers))
		for tier, raw := range p.TierMultipliers {
			mult, err := decimal.NewFromString(raw)
			if err != nil {
				return domain.Program{}, fmt.Errorf("program %s tier %s: %w", p.ID, tier, err)
			}
			program.TierMultipliers[tier] = mult
		}
	}
	for _, b := range p.VolumeBonuses {
		above, err := decimal.NewFromString(b.Above)
		if err != nil {
			return domain.Program{}, fmt.Errorf("program %s volume bonus threshold: %w", p.ID, err)
		}
		rate, err := decimal.NewFromString(b.BonusRate)
		if err != nil {
			return domain.Program{}, fmt.Errorf("program %s volume bonus rate: %w", p.ID, err)
		}
		program.VolumeBonuses = append(program.VolumeBonuses, domain.VolumeBonus{Above: above, BonusRate: rate})
	}

	if err := program.Validate(); err != nil {
		return domain.Program{}, err
	}
	return program, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
