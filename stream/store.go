package stream

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ExperimentSummary is the record handed to the persistence
// collaborator when an experiment's stream completes. The storage
// format beyond this shape is the collaborator's concern.
type ExperimentSummary struct {
	ExperimentId string
	Title        string
	Agents       []Agent
	StartTime    time.Time
	EndTime      time.Time
	Iterations   int
	MessageCount int
}

type ExperimentStore interface {
	SaveSummary(summary *ExperimentSummary) error
}

// MemoryExperimentStore keeps summaries for the lifetime of the
// process. Used by parleyctl and tests.
type MemoryExperimentStore struct {
	mutex     sync.Mutex
	summaries []*ExperimentSummary
}

func NewMemoryExperimentStore() *MemoryExperimentStore {
	return &MemoryExperimentStore{}
}

func (self *MemoryExperimentStore) SaveSummary(summary *ExperimentSummary) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.summaries = append(self.summaries, summary)
	return nil
}

func (self *MemoryExperimentStore) Summaries() []*ExperimentSummary {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.summaries)
}
