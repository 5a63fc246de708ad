package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/picklr-io/orgform/internal/ir"
)

// DocumentVersion is the version written into new state documents.
const DocumentVersion = 1

// State is the in-memory record of every stack deployment that has
// completed successfully, keyed by stack name, account id and region.
// It is safe for concurrent use.
type State struct {
	mu              sync.RWMutex
	version         int
	serial          int
	lineage         string
	masterAccountID string
	stacks          map[string]map[string]map[string]*ir.TargetState
}

// document is the JSON shape of the state object in the store.
type document struct {
	Version         int                                                    `json:"version"`
	Serial          int                                                    `json:"serial"`
	Lineage         string                                                 `json:"lineage"`
	MasterAccountID string                                                 `json:"masterAccountId"`
	Stacks          map[string]map[string]map[string]*ir.TargetState `json:"stacks"`
}

// NewEmpty returns the state of an organization with no deployments yet.
func NewEmpty(masterAccountID string) *State {
	return &State{
		version:         DocumentVersion,
		lineage:         uuid.NewString(),
		masterAccountID: masterAccountID,
		stacks:          make(map[string]map[string]map[string]*ir.TargetState),
	}
}

// Parse decodes a state document.
func Parse(data []byte) (*State, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state document: %w", err)
	}
	if doc.Version > DocumentVersion {
		return nil, fmt.Errorf("state document version %d is newer than supported version %d", doc.Version, DocumentVersion)
	}

	s := &State{
		version:         doc.Version,
		serial:          doc.Serial,
		lineage:         doc.Lineage,
		masterAccountID: doc.MasterAccountID,
		stacks:          make(map[string]map[string]map[string]*ir.TargetState),
	}
	if s.version == 0 {
		s.version = DocumentVersion
	}
	if s.lineage == "" {
		s.lineage = uuid.NewString()
	}

	for stackName, accounts := range doc.Stacks {
		for accountID, regions := range accounts {
			for region, ts := range regions {
				if ts == nil {
					continue
				}
				// The map keys are authoritative for the identity of an entry.
				ts.StackName = stackName
				ts.AccountID = accountID
				ts.Region = region
				s.put(ts)
			}
		}
	}
	return s, nil
}

// Marshal encodes the state as an indented JSON document.
func (s *State) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marshalLocked()
}

func (s *State) marshalLocked() ([]byte, error) {
	doc := document{
		Version:         s.version,
		Serial:          s.serial,
		Lineage:         s.lineage,
		MasterAccountID: s.masterAccountID,
		Stacks:          s.stacks,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state document: %w", err)
	}
	return data, nil
}

// prepareWrite encodes the state with its next serial. Backends call
// commit once the document is stored, so a failed write leaves the serial
// unchanged.
func (s *State) prepareWrite() (data []byte, commit func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.serial + 1
	s.serial = next
	data, err = s.marshalLocked()
	s.serial = next - 1
	if err != nil {
		return nil, nil, err
	}
	return data, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.serial < next {
			s.serial = next
		}
	}, nil
}

// MasterAccountID is the id of the organization's management account.
func (s *State) MasterAccountID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.masterAccountID
}

// Serial counts the successful writes of this state lineage.
func (s *State) Serial() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serial
}

// Lineage identifies the history this state belongs to.
func (s *State) Lineage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lineage
}

// GetTarget returns a copy of the record for t, if t was ever deployed.
func (s *State) GetTarget(t ir.Target) (*ir.TargetState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.stacks[t.StackName][t.AccountID][t.Region]
	if !ok {
		return nil, false
	}
	return cloneTarget(ts), true
}

// SetTarget records a successful deployment of a target.
func (s *State) SetTarget(ts ir.TargetState) error {
	if ts.StackName == "" || ts.AccountID == "" || ts.Region == "" {
		return fmt.Errorf("target state requires stack name, account id and region, got %s", ts.Target())
	}
	if ts.LastCommittedHash == "" {
		return fmt.Errorf("target state for %s has no committed hash", ts.Target())
	}
	if ts.LastUpdated == "" {
		ts.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(cloneTarget(&ts))
	return nil
}

// RemoveTarget forgets a target after its stack was deleted. It reports
// whether the target was present.
func (s *State) RemoveTarget(t ir.Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, ok := s.stacks[t.StackName]
	if !ok {
		return false
	}
	regions, ok := accounts[t.AccountID]
	if !ok {
		return false
	}
	if _, ok := regions[t.Region]; !ok {
		return false
	}

	delete(regions, t.Region)
	if len(regions) == 0 {
		delete(accounts, t.AccountID)
	}
	if len(accounts) == 0 {
		delete(s.stacks, t.StackName)
	}
	return true
}

// Targets returns copies of the records of one stack, or of every stack
// when stackName is empty, ordered by stack, account and region.
func (s *State) Targets(stackName string) []*ir.TargetState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ir.TargetState
	for name, accounts := range s.stacks {
		if stackName != "" && name != stackName {
			continue
		}
		for _, regions := range accounts {
			for _, ts := range regions {
				out = append(out, cloneTarget(ts))
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := strings.Compare(a.StackName, b.StackName); c != 0 {
			return c < 0
		}
		if c := strings.Compare(a.AccountID, b.AccountID); c != 0 {
			return c < 0
		}
		return a.Region < b.Region
	})
	return out
}

// StackNames returns the names of every stack with at least one target.
func (s *State) StackNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.stacks))
	for name := range s.stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *State) put(ts *ir.TargetState) {
	accounts, ok := s.stacks[ts.StackName]
	if !ok {
		accounts = make(map[string]map[string]*ir.TargetState)
		s.stacks[ts.StackName] = accounts
	}
	regions, ok := accounts[ts.AccountID]
	if !ok {
		regions = make(map[string]*ir.TargetState)
		accounts[ts.AccountID] = regions
	}
	regions[ts.Region] = ts
}

func cloneTarget(ts *ir.TargetState) *ir.TargetState {
	c := *ts
	c.DependsOnAccounts = slices.Clone(ts.DependsOnAccounts)
	c.DependsOnRegions = slices.Clone(ts.DependsOnRegions)
	return &c
}
