package txmanager

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/transx/core/transaction"
)

// decisionsFile is the on-disk form read by LoadDecisions:
//
//	decisions:
//	  5f1c...: commit
//	  9a0b...: rollback
type decisionsFile struct {
	Decisions map[string]string `yaml:"decisions"`
}

// ParseDecision maps "commit" or "rollback" to a Decision.
func ParseDecision(s string) (transaction.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "commit":
		return transaction.DecisionCommit, nil
	case "rollback":
		return transaction.DecisionRollback, nil
	}
	return transaction.DecisionUnknown, fmt.Errorf("unknown decision %q", s)
}

// LoadDecisions reads a YAML decisions file keyed by hex global id and
// records each entry. It returns the number of decisions loaded.
func (m *Manager) LoadDecisions(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read decisions file: %w", err)
	}
	var f decisionsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse decisions file %s: %w", path, err)
	}
	parsed := make(map[string]transaction.Decision, len(f.Decisions))
	for gtrid, value := range f.Decisions {
		if _, err := hex.DecodeString(gtrid); err != nil {
			return 0, fmt.Errorf("decisions file %s: global id %q is not hex: %w", path, gtrid, err)
		}
		d, err := ParseDecision(value)
		if err != nil {
			return 0, fmt.Errorf("decisions file %s: %w", path, err)
		}
		parsed[strings.ToLower(gtrid)] = d
	}
	m.mu.Lock()
	for gtrid, d := range parsed {
		m.decisions[gtrid] = d
	}
	m.mu.Unlock()
	return len(parsed), nil
}
