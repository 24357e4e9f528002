package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// testStreamSubscriber hands messages straight to the reconciler, the
// way a connection's fan-out would.
type testStreamSubscriber struct {
	mutex            sync.Mutex
	callback         MessageFunction
	subscribeCount   int
	unsubscribeCount int
}

func (self *testStreamSubscriber) Subscribe(experimentId string, callback MessageFunction) func() {
	self.mutex.Lock()
	self.callback = callback
	self.subscribeCount += 1
	self.mutex.Unlock()
	return func() {
		self.mutex.Lock()
		self.unsubscribeCount += 1
		self.mutex.Unlock()
	}
}

func (self *testStreamSubscriber) send(message StreamMessage) {
	self.mutex.Lock()
	callback := self.callback
	self.mutex.Unlock()
	callback(message)
}

// testLoader holds the rest load pending until the test resolves it
type testLoader struct {
	mutex     sync.Mutex
	callbacks []apiCallback[*ExperimentResult]
}

func (self *testLoader) GetExperiment(experimentId string, callback apiCallback[*ExperimentResult]) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks = append(self.callbacks, callback)
}

func (self *testLoader) resolve(result *ExperimentResult, err error) {
	self.mutex.Lock()
	callback := self.callbacks[0]
	self.callbacks = self.callbacks[1:]
	self.mutex.Unlock()
	callback.Result(result, err)
}

func chatMessage(id string, content string) ChatMessage {
	return ChatMessage{
		Id:        id,
		AgentId:   "agent-1",
		Content:   content,
		Timestamp: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
}

func newTestReconciler() (*StreamReconciler, *testStreamSubscriber, *testLoader, *MemoryExperimentStore) {
	subscriber := &testStreamSubscriber{}
	loader := &testLoader{}
	store := NewMemoryExperimentStore()
	reconciler := NewStreamReconciler(context.Background(), "exp-1", subscriber, loader, store)
	reconciler.Start()
	return reconciler, subscriber, loader, store
}

func TestBufferThenMerge(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	// m1, m2 race ahead of the rest load
	subscriber.send(&MessageEvent{Message: chatMessage("m-1", "first")})
	subscriber.send(&MessageEvent{Message: chatMessage("m-2", "second")})
	assert.Equal(t, nil, reconciler.Live())

	loader.resolve(&ExperimentResult{
		Status: "running",
		Conversation: &Conversation{
			Id:       "conv-1",
			Title:    "Debate",
			Messages: []ChatMessage{},
		},
	}, nil)

	live := reconciler.Live()
	assert.NotEqual(t, nil, live)
	assert.Equal(t, 2, len(live.Messages))
	assert.Equal(t, "m-1", live.Messages[0].Id)
	assert.Equal(t, "m-2", live.Messages[1].Id)

	// merged while live, so the view follows
	assert.Equal(t, true, reconciler.IsViewingLive())
	assert.Equal(t, "conv-1", reconciler.Viewed().Id)
}

func TestMergeDedupesByMessageId(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	// the server replays m-1 inside the snapshot it builds
	subscriber.send(&MessageEvent{Message: chatMessage("m-1", "replayed")})

	loader.resolve(&ExperimentResult{
		Status: "running",
		Conversation: &Conversation{
			Id: "conv-1",
			Messages: []ChatMessage{
				chatMessage("m-0", "zero"),
				chatMessage("m-1", "one"),
			},
		},
	}, nil)

	live := reconciler.Live()
	assert.Equal(t, 2, len(live.Messages))
	assert.Equal(t, "m-0", live.Messages[0].Id)
	assert.Equal(t, "m-1", live.Messages[1].Id)
}

func TestIterationReset(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	loader.resolve(&ExperimentResult{
		Status: "running",
		Conversation: &Conversation{
			Id: "conv-1",
			Messages: []ChatMessage{
				chatMessage("a", "a"),
				chatMessage("b", "b"),
			},
		},
	}, nil)
	assert.Equal(t, 2, len(reconciler.Live().Messages))

	// start signal: new iteration replaces the live snapshot wholesale
	subscriber.send(&ConversationEvent{Conversation: Conversation{
		Id:       "conv-2",
		Messages: []ChatMessage{},
	}})

	live := reconciler.Live()
	assert.Equal(t, "conv-2", live.Id)
	assert.Equal(t, 0, len(live.Messages))
	assert.Equal(t, 0, reconciler.NewMessageCount())

	// later messages append only to the new snapshot
	subscriber.send(&MessageEvent{Message: chatMessage("c", "c")})
	live = reconciler.Live()
	assert.Equal(t, 1, len(live.Messages))
	assert.Equal(t, "c", live.Messages[0].Id)
}

func TestStartSignalClearsPendingBuffer(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	// buffered before any live conversation exists
	subscriber.send(&MessageEvent{Message: chatMessage("stale-1", "stale")})

	subscriber.send(&ConversationEvent{Conversation: Conversation{
		Id:       "conv-2",
		Messages: []ChatMessage{},
	}})
	subscriber.send(&MessageEvent{Message: chatMessage("m-1", "fresh")})

	// the rest load resolving late is stale and must not clobber the
	// newer live snapshot
	loader.resolve(&ExperimentResult{
		Status: "running",
		Conversation: &Conversation{
			Id:       "conv-1",
			Messages: []ChatMessage{chatMessage("old", "old")},
		},
	}, nil)

	live := reconciler.Live()
	assert.Equal(t, "conv-2", live.Id)
	assert.Equal(t, 1, len(live.Messages))
	assert.Equal(t, "m-1", live.Messages[0].Id)
}

func TestHistoricalViewIsolation(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	// no live conversation, one completed run: view the run
	run := &Conversation{
		Id: "run-1",
		Messages: []ChatMessage{
			chatMessage("r-1", "one"),
			chatMessage("r-2", "two"),
			chatMessage("r-3", "three"),
		},
	}
	loader.resolve(&ExperimentResult{
		Status:        "running",
		Conversations: []*Conversation{run},
	}, nil)
	assert.Equal(t, false, reconciler.IsViewingLive())
	assert.Equal(t, "run-1", reconciler.Viewed().Id)

	// a new iteration starts and three messages arrive on the live
	// stream
	subscriber.send(&ConversationEvent{Conversation: Conversation{Id: "conv-2", Messages: []ChatMessage{}}})
	subscriber.send(&MessageEvent{Message: chatMessage("m-1", "one")})
	subscriber.send(&MessageEvent{Message: chatMessage("m-2", "two")})
	subscriber.send(&MessageEvent{Message: chatMessage("m-3", "three")})

	// the viewed historical run is untouched, the live conversation
	// grew by 3
	assert.Equal(t, "run-1", reconciler.Viewed().Id)
	assert.Equal(t, 3, len(reconciler.Viewed().Messages))
	assert.Equal(t, "conv-2", reconciler.Live().Id)
	assert.Equal(t, 3, len(reconciler.Live().Messages))
}

func TestFirstCompletedRunSwitchesHistoricalView(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	loader.resolve(&ExperimentResult{Status: "running"}, nil)
	assert.Equal(t, false, reconciler.IsViewingLive())
	assert.Equal(t, nil, reconciler.Viewed())

	subscriber.send(&ConversationEvent{Conversation: Conversation{
		Id:       "run-1",
		Messages: []ChatMessage{chatMessage("r-1", "one")},
	}})

	runs := reconciler.Runs()
	assert.Equal(t, 1, len(runs))
	assert.Equal(t, "run-1", reconciler.Viewed().Id)

	// later completed runs append without stealing the view
	subscriber.send(&ConversationEvent{Conversation: Conversation{
		Id:       "run-2",
		Messages: []ChatMessage{chatMessage("r-2", "two")},
	}})
	runs = reconciler.Runs()
	assert.Equal(t, 2, len(runs))
	assert.Equal(t, "run-1", runs[0].Id)
	assert.Equal(t, "run-2", runs[1].Id)
	assert.Equal(t, "run-1", reconciler.Viewed().Id)
}

func TestSelectRunAndResumeLive(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	loader.resolve(&ExperimentResult{
		Status: "running",
		Conversation: &Conversation{
			Id:       "conv-1",
			Messages: []ChatMessage{chatMessage("a", "a"), chatMessage("b", "b")},
		},
	}, nil)

	subscriber.send(&ConversationEvent{Conversation: Conversation{
		Id:       "run-1",
		Messages: []ChatMessage{chatMessage("r-1", "one")},
	}})

	runs := reconciler.Runs()
	reconciler.SelectRun(runs[0], false)
	reconciler.SetFollowing(false)
	assert.Equal(t, false, reconciler.IsViewingLive())
	assert.Equal(t, false, reconciler.IsFollowing())
	assert.Equal(t, "run-1", reconciler.Viewed().Id)

	subscriber.send(&MessageEvent{Message: chatMessage("c", "c")})
	assert.Equal(t, "run-1", reconciler.Viewed().Id)
	assert.Equal(t, 3, len(reconciler.Live().Messages))

	reconciler.ResumeLive()
	assert.Equal(t, true, reconciler.IsViewingLive())
	assert.Equal(t, true, reconciler.IsFollowing())
	assert.Equal(t, "conv-1", reconciler.Viewed().Id)
	// the backlog is not treated as newly arrived
	assert.Equal(t, 0, reconciler.NewMessageCount())

	subscriber.send(&MessageEvent{Message: chatMessage("d", "d")})
	assert.Equal(t, 1, reconciler.NewMessageCount())
	assert.Equal(t, 4, len(reconciler.Viewed().Messages))
}

func TestErrorEventSurfacesWithoutStateChange(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	loader.resolve(&ExperimentResult{
		Status:       "running",
		Conversation: &Conversation{Id: "conv-1", Messages: []ChatMessage{chatMessage("a", "a")}},
	}, nil)

	subscriber.send(&ErrorEvent{Error: ErrorData{Error: "agent timeout"}})
	assert.Equal(t, "agent timeout", reconciler.LastError())
	assert.Equal(t, 1, len(reconciler.Live().Messages))
	assert.Equal(t, true, reconciler.IsViewingLive())
}

func TestStatusUpdatesProgress(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	loader.resolve(&ExperimentResult{
		Status:           "running",
		Iterations:       5,
		CurrentIteration: 1,
	}, nil)

	subscriber.send(&StatusEvent{Status: StatusData{
		ExperimentId:     "exp-1",
		Status:           "running",
		CurrentIteration: 3,
	}})

	assert.Equal(t, "running", reconciler.Status())
	current, total := reconciler.Iterations()
	assert.Equal(t, 3, current)
	assert.Equal(t, 5, total)
}

func TestTerminalStatusHandsSummaryToStore(t *testing.T) {
	reconciler, subscriber, loader, store := newTestReconciler()
	defer reconciler.Stop()

	loader.resolve(&ExperimentResult{
		Status: "running",
		Conversation: &Conversation{
			Id:        "conv-1",
			Title:     "Debate",
			CreatedAt: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
			Agents:    []Agent{{Id: "agent-1", Name: "pro"}},
			Messages:  []ChatMessage{chatMessage("a", "a")},
		},
		Iterations:       2,
		CurrentIteration: 2,
	}, nil)

	subscriber.send(&ConversationEvent{Conversation: Conversation{
		Id:       "run-1",
		Messages: []ChatMessage{chatMessage("r-1", "one"), chatMessage("r-2", "two")},
	}})

	subscriber.send(&StatusEvent{Status: StatusData{
		ExperimentId:    "exp-1",
		Status:          "completed",
		Final:           true,
		CloseConnection: true,
	}})

	summaries := store.Summaries()
	assert.Equal(t, 1, len(summaries))
	assert.Equal(t, "exp-1", summaries[0].ExperimentId)
	assert.Equal(t, "Debate", summaries[0].Title)
	assert.Equal(t, 2, summaries[0].Iterations)
	assert.Equal(t, 3, summaries[0].MessageCount)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), summaries[0].StartTime)
}

func TestTerminalStatusReplayedSavesOnce(t *testing.T) {
	reconciler, subscriber, loader, store := newTestReconciler()
	defer reconciler.Stop()

	loader.resolve(&ExperimentResult{
		Status: "running",
		Conversation: &Conversation{
			Id:       "conv-1",
			Messages: []ChatMessage{chatMessage("a", "a")},
		},
	}, nil)

	terminal := StatusData{
		ExperimentId:    "exp-1",
		Status:          "completed",
		Final:           true,
		CloseConnection: true,
	}
	subscriber.send(&StatusEvent{Status: terminal})
	// a reconnect racing the close can replay the terminal frame
	subscriber.send(&StatusEvent{Status: terminal})

	assert.Equal(t, 1, len(store.Summaries()))
}

func TestFirstStreamRunSwitchesViewAfterSeededRuns(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	// the load already carries a completed run, viewed by default
	loader.resolve(&ExperimentResult{
		Status: "running",
		Conversations: []*Conversation{
			{Id: "run-1", Messages: []ChatMessage{chatMessage("r-1", "one")}},
		},
	}, nil)
	assert.Equal(t, false, reconciler.IsViewingLive())
	assert.Equal(t, "run-1", reconciler.Viewed().Id)

	// the first run delivered on the stream still takes the view while
	// following
	subscriber.send(&ConversationEvent{Conversation: Conversation{
		Id:       "run-2",
		Messages: []ChatMessage{chatMessage("r-2", "two")},
	}})
	assert.Equal(t, 2, len(reconciler.Runs()))
	assert.Equal(t, "run-2", reconciler.Viewed().Id)

	// later stream runs append without stealing the view
	subscriber.send(&ConversationEvent{Conversation: Conversation{
		Id:       "run-3",
		Messages: []ChatMessage{chatMessage("r-3", "three")},
	}})
	assert.Equal(t, "run-2", reconciler.Viewed().Id)
}

func TestLoadErrorSurfaces(t *testing.T) {
	reconciler, _, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	loader.resolve(nil, errors.New("experiment load status 502"))
	assert.Equal(t, true, reconciler.Loaded())
	assert.Equal(t, "experiment load status 502", reconciler.LastError())
}

func TestStopUnsubscribes(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	loader.resolve(&ExperimentResult{Status: "running"}, nil)

	reconciler.Stop()
	// stop is idempotent
	reconciler.Stop()

	subscriber.mutex.Lock()
	defer subscriber.mutex.Unlock()
	assert.Equal(t, 1, subscriber.subscribeCount)
	assert.Equal(t, 2, subscriber.unsubscribeCount)
}

func TestChangeListener(t *testing.T) {
	reconciler, subscriber, loader, _ := newTestReconciler()
	defer reconciler.Stop()

	changes := 0
	remove := reconciler.AddChangeListener(func() {
		changes += 1
	})

	loader.resolve(&ExperimentResult{Status: "running"}, nil)
	subscriber.send(&MessageEvent{Message: chatMessage("m-1", "one")})
	assert.Equal(t, 2, changes)

	remove()
	subscriber.send(&MessageEvent{Message: chatMessage("m-2", "two")})
	assert.Equal(t, 2, changes)
}
