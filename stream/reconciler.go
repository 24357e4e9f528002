package stream

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// StreamSubscriber is the connection side the reconciler consumes.
// Implemented by ConnectionRegistry.
type StreamSubscriber interface {
	Subscribe(experimentId string, callback MessageFunction) func()
}

// StreamReconciler merges the rest-loaded snapshot of an experiment
// with stream-delivered events into two conversation views: the
// authoritative live conversation and the currently viewed one (live or
// a selected historical run).
//
// Messages that race ahead of the rest load are buffered and merged,
// deduped by message id, when the load resolves. A start-signal
// conversation frame (empty messages) begins a new iteration: the live
// conversation is replaced wholesale, never mutated across iterations,
// so messages from run N+1 cannot land on run N's snapshot.
//
// Malformed or unexpected payloads never propagate an error: the
// decode boundary already dropped anything outside the closed message
// union, and the reconciler ignores what it cannot apply.
type StreamReconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	experimentId string
	subscriber   StreamSubscriber
	loader       ExperimentLoader
	store        ExperimentStore

	mountTime time.Time

	mutex  sync.Mutex
	loaded bool
	live   *Conversation
	viewed *Conversation
	// pending holds messages that arrived before a live conversation
	// exists to attach them to. Emptied exactly once, by merge-on-load
	// or by an iteration reset.
	pending []ChatMessage
	// completed runs in arrival order. Sorting is a presentation
	// concern.
	runs []*Conversation
	// completed runs delivered on the stream, as opposed to seeded by
	// the rest load
	streamRuns       int
	isViewingLive    bool
	isFollowing      bool
	status           string
	iterations       int
	currentIteration int
	lastError        string
	// live message count at the last view reset, for arrival tracking
	arrivalBaseline int
	// status frames can replay across a reconnect; the summary hand-off
	// happens once
	summarySaved bool

	unsubscribe func()

	changeCallbacks *CallbackList[func()]
}

func NewStreamReconciler(
	ctx context.Context,
	experimentId string,
	subscriber StreamSubscriber,
	loader ExperimentLoader,
	store ExperimentStore,
) *StreamReconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StreamReconciler{
		ctx:             cancelCtx,
		cancel:          cancel,
		experimentId:    experimentId,
		subscriber:      subscriber,
		loader:          loader,
		store:           store,
		mountTime:       time.Now(),
		isFollowing:     true,
		changeCallbacks: NewCallbackList[func()](),
	}
}

// Start subscribes to the stream and then issues the rest load, in that
// order, so that no message can slip between the two.
func (self *StreamReconciler) Start() {
	self.unsubscribe = self.subscriber.Subscribe(self.experimentId, self.handleMessage)
	self.loader.GetExperiment(self.experimentId, NewApiCallback(self.applyLoad))
}

// Stop is the cancellation primitive. Safe to call multiple times.
func (self *StreamReconciler) Stop() {
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
	self.cancel()
}

// AddChangeListener registers a callback invoked after every state
// change, for reactive rendering. Returns an idempotent remove
// function.
func (self *StreamReconciler) AddChangeListener(callback func()) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *StreamReconciler) applyLoad(result *ExperimentResult, err error) {
	self.mutex.Lock()
	self.loaded = true
	if err != nil {
		glog.Infof("[s]%s load error = %s\n", self.experimentId, err)
		self.lastError = err.Error()
		self.mutex.Unlock()
		self.notifyChange()
		return
	}

	self.status = result.Status
	self.iterations = result.Iterations
	self.currentIteration = result.CurrentIteration
	if result.Error != "" {
		self.lastError = result.Error
	}
	self.runs = slices.Clone(result.Conversations)

	// if a start signal beat the load, the live snapshot is already
	// newer than the rest conversation, which is dropped as stale
	if result.Conversation != nil && self.live == nil {
		live := result.Conversation
		// messages already in the snapshot take precedence over
		// buffered duplicates the server may have replayed
		self.arrivalBaseline = len(live.Messages)
		seen := map[string]bool{}
		for _, message := range live.Messages {
			seen[message.Id] = true
		}
		for _, message := range self.pending {
			if !seen[message.Id] {
				live.Messages = append(live.Messages, message)
				seen[message.Id] = true
			}
		}
		self.live = live
		if len(self.runs) == 0 || self.viewed == nil {
			self.viewed = live
			self.isViewingLive = true
		}
	} else if self.live == nil && 0 < len(self.runs) {
		self.viewed = self.runs[len(self.runs)-1]
		self.isViewingLive = false
	}
	self.pending = nil
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *StreamReconciler) handleMessage(message StreamMessage) {
	switch v := message.(type) {
	case *MessageEvent:
		self.applyChatMessage(v.Message)
	case *StatusEvent:
		self.applyStatus(v.Status)
	case *ErrorEvent:
		self.mutex.Lock()
		self.lastError = v.Error.Error
		self.mutex.Unlock()
		self.notifyChange()
	case *ConversationEvent:
		self.applyConversation(v.Conversation)
	}
}

func (self *StreamReconciler) applyChatMessage(message ChatMessage) {
	self.mutex.Lock()
	if self.live == nil {
		// no live snapshot to attach to yet
		self.pending = append(self.pending, message)
	} else {
		self.live.Messages = append(self.live.Messages, message)
		if self.isViewingLive && self.isFollowing {
			self.viewed = self.live
		}
	}
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *StreamReconciler) applyStatus(status StatusData) {
	self.mutex.Lock()
	self.status = status.Status
	if 0 < status.CurrentIteration {
		self.currentIteration = status.CurrentIteration
	}
	if status.Error != "" {
		self.lastError = status.Error
	}
	terminal := status.IsTerminal()
	var summary *ExperimentSummary
	if terminal && self.store != nil && !self.summarySaved {
		self.summarySaved = true
		summary = self.summaryLocked()
	}
	self.mutex.Unlock()

	if summary != nil {
		// bookkeeping for the storage collaborator, not part of the
		// stream state machine
		if err := self.store.SaveSummary(summary); err != nil {
			glog.Infof("[s]%s summary save error = %s\n", self.experimentId, err)
		}
	}
	self.notifyChange()
}

func (self *StreamReconciler) applyConversation(conversation Conversation) {
	c := conversation
	self.mutex.Lock()
	if c.IsStartSignal() {
		// new iteration: replace the live snapshot wholesale
		self.live = &c
		if self.isViewingLive && self.isFollowing {
			self.viewed = self.live
		}
		self.pending = nil
		self.arrivalBaseline = 0
		glog.V(1).Infof("[s]%s start signal %s\n", self.experimentId, c.Id)
	} else {
		// completed run. Keyed on stream arrivals so runs seeded by the
		// rest load do not mask the first one delivered live.
		self.runs = append(self.runs, &c)
		self.streamRuns += 1
		if self.streamRuns == 1 && !self.isViewingLive && self.isFollowing {
			self.viewed = &c
		}
	}
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *StreamReconciler) summaryLocked() *ExperimentSummary {
	summary := &ExperimentSummary{
		ExperimentId: self.experimentId,
		StartTime:    self.mountTime,
		EndTime:      time.Now(),
		Iterations:   max(self.iterations, self.currentIteration),
	}
	source := self.live
	if source == nil && 0 < len(self.runs) {
		source = self.runs[len(self.runs)-1]
	}
	if source != nil {
		summary.Title = source.Title
		summary.Agents = slices.Clone(source.Agents)
		if !source.CreatedAt.IsZero() {
			summary.StartTime = source.CreatedAt
		}
	}
	if self.live != nil {
		summary.MessageCount += len(self.live.Messages)
	}
	for _, run := range self.runs {
		summary.MessageCount += len(run.Messages)
	}
	return summary
}

// SelectRun points the view at a conversation. isLive true means track
// the live conversation (the argument is ignored in that case) and
// re-enables following. Selecting a historical run leaves following as
// set by the caller, to allow pinned-but-following UIs.
func (self *StreamReconciler) SelectRun(conversation *Conversation, isLive bool) {
	self.mutex.Lock()
	if isLive {
		self.viewed = self.live
		self.isViewingLive = true
		self.isFollowing = true
	} else {
		self.viewed = conversation
		self.isViewingLive = false
	}
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *StreamReconciler) SetFollowing(following bool) {
	self.mutex.Lock()
	self.isFollowing = following
	self.mutex.Unlock()
	self.notifyChange()
}

// ResumeLive returns the view to the live conversation and resets the
// arrival baseline so the backlog is not treated as newly arrived.
func (self *StreamReconciler) ResumeLive() {
	self.mutex.Lock()
	self.viewed = self.live
	self.isViewingLive = true
	self.isFollowing = true
	if self.live != nil {
		self.arrivalBaseline = len(self.live.Messages)
	} else {
		self.arrivalBaseline = 0
	}
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *StreamReconciler) Live() *Conversation {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return copyConversation(self.live)
}

func (self *StreamReconciler) Viewed() *Conversation {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return copyConversation(self.viewed)
}

func (self *StreamReconciler) Runs() []*Conversation {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	runs := make([]*Conversation, 0, len(self.runs))
	for _, run := range self.runs {
		runs = append(runs, copyConversation(run))
	}
	return runs
}

func (self *StreamReconciler) IsViewingLive() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.isViewingLive
}

func (self *StreamReconciler) IsFollowing() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.isFollowing
}

func (self *StreamReconciler) Loaded() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.loaded
}

func (self *StreamReconciler) Status() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

func (self *StreamReconciler) Iterations() (int, int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.currentIteration, self.iterations
}

func (self *StreamReconciler) LastError() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastError
}

// NewMessageCount reports how many live messages arrived since the last
// view reset, for arrival animation.
func (self *StreamReconciler) NewMessageCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.live == nil {
		return 0
	}
	return max(0, len(self.live.Messages)-self.arrivalBaseline)
}

func (self *StreamReconciler) notifyChange() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}

func copyConversation(conversation *Conversation) *Conversation {
	if conversation == nil {
		return nil
	}
	c := *conversation
	c.Agents = slices.Clone(conversation.Agents)
	c.Messages = slices.Clone(conversation.Messages)
	return &c
}
