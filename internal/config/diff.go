package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	ScenariosChanged bool           // true if any scenario was added, removed, or edited
	ScenarioChanges  []ScenarioDiff // per-scenario diffs
	LogLevelChanged  bool
	NewLogLevel      LogLevel
}

// ScenarioDiff describes what changed for a single scenario between two
// configs.
type ScenarioDiff struct {
	Name               string
	InstructionChanged bool
	VoiceChanged       bool
	Added              bool
	Removed            bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build scenario lookup maps keyed by name.
	oldScenarios := make(map[string]*ScenarioConfig, len(old.Scenarios))
	for i := range old.Scenarios {
		oldScenarios[old.Scenarios[i].Name] = &old.Scenarios[i]
	}
	newScenarios := make(map[string]*ScenarioConfig, len(new.Scenarios))
	for i := range new.Scenarios {
		newScenarios[new.Scenarios[i].Name] = &new.Scenarios[i]
	}

	// Detect modified and removed scenarios.
	for name, oldSC := range oldScenarios {
		newSC, exists := newScenarios[name]
		if !exists {
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{
				Name:    name,
				Removed: true,
			})
			d.ScenariosChanged = true
			continue
		}
		sd := ScenarioDiff{
			Name:               name,
			InstructionChanged: oldSC.Instruction != newSC.Instruction,
			VoiceChanged:       oldSC.Voice != newSC.Voice,
		}
		if sd.InstructionChanged || sd.VoiceChanged {
			d.ScenarioChanges = append(d.ScenarioChanges, sd)
			d.ScenariosChanged = true
		}
	}

	// Detect added scenarios.
	for name := range newScenarios {
		if _, exists := oldScenarios[name]; !exists {
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{
				Name:  name,
				Added: true,
			})
			d.ScenariosChanged = true
		}
	}

	return d
}
