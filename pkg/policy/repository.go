package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrPolicyNotFound indicates no rule set is registered under the policy ID.
var ErrPolicyNotFound = errors.New("policy not found")

// Repository serves named, versioned rule sets. The orchestrator only reads
// policies; authoring lives with the external policy repository this loads
// from.
type Repository interface {
	RuleSet(policyID string) (*RuleSet, error)
}

// FileRepository loads every *.json rule-set document under a directory and
// caches the highest version per policy ID.
type FileRepository struct {
	mu       sync.RWMutex
	ruleSets map[string]*RuleSet
}

func NewFileRepository(dir string) (*FileRepository, error) {
	repo := &FileRepository{ruleSets: make(map[string]*RuleSet)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", entry.Name(), err)
		}

		ruleSet, err := ParseRuleSet(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", entry.Name(), err)
		}

		repo.register(ruleSet)
	}

	return repo, nil
}

// NewStaticRepository builds a repository from in-memory rule sets. Used in
// tests and embedded deployments.
func NewStaticRepository(ruleSets ...*RuleSet) *FileRepository {
	repo := &FileRepository{ruleSets: make(map[string]*RuleSet)}
	for _, ruleSet := range ruleSets {
		repo.register(ruleSet)
	}

	return repo
}

func (r *FileRepository) register(ruleSet *RuleSet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.ruleSets[ruleSet.PolicyID]
	if !ok || ruleSet.Version > existing.Version {
		r.ruleSets[ruleSet.PolicyID] = ruleSet
	}
}

func (r *FileRepository) RuleSet(policyID string) (*RuleSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ruleSet, ok := r.ruleSets[policyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}

	return ruleSet, nil
}
