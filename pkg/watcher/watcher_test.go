package watcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/events"
	"github.com/3leaps/batchwatch/pkg/jobregistry"
	"github.com/3leaps/batchwatch/pkg/poller"
	"github.com/3leaps/batchwatch/pkg/provider/dropbox"
	"github.com/3leaps/batchwatch/test/providertest"
)

type fixture struct {
	svc      *Service
	srv      *providertest.Server
	sub      *jobregistry.ManualSubstrate
	registry *jobregistry.Registry
	store    *jobregistry.Store
	bus      *events.Bus

	mu       sync.Mutex
	events   []events.Event
	finished map[string]poller.Outcome
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		srv:      providertest.New(t),
		sub:      jobregistry.NewManualSubstrate(),
		store:    jobregistry.NewStore(t.TempDir()),
		bus:      events.NewBus(nil),
		finished: make(map[string]poller.Outcome),
	}
	f.svc = f.newService(t)

	_, err := f.bus.SubscribeAll(func(_ context.Context, ev events.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) newService(t *testing.T) *Service {
	t.Helper()

	registry, err := jobregistry.NewRegistry(f.sub, time.Second, nil)
	require.NoError(t, err)
	f.registry = registry

	factory, err := dropbox.NewFactory(dropbox.Config{BaseURL: f.srv.URL, ClientID: providertest.ClientID})
	require.NoError(t, err)

	svc, err := New(Config{
		Factory:   factory,
		Publisher: f.bus,
		Registry:  registry,
		Store:     f.store,
		OnFinish: func(h batch.JobHandle, o poller.Outcome) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.finished[h.OperationID] = o
		},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func (f *fixture) topics() []events.Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Topic, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Topic)
	}
	return out
}

func testHandle(id string) batch.JobHandle {
	return batch.JobHandle{OperationID: id, Kind: batch.KindCopy, Credential: providertest.Token, Path: "/p"}
}

func TestSubmit_GeneratesCorrelationID(t *testing.T) {
	f := newFixture(t)

	admitted, err := f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	require.NoError(t, err)
	assert.NotEmpty(t, admitted.CorrelationID)

	h := testHandle("dbjid:2")
	h.CorrelationID = "mine"
	admitted, err = f.svc.Submit(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "mine", admitted.CorrelationID)
}

func TestSubmit_RejectsInvalidAndDuplicate(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), batch.JobHandle{OperationID: "x"})
	assert.Error(t, err)

	_, err = f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	assert.True(t, errors.Is(err, jobregistry.ErrAlreadyActive))
	assert.Equal(t, 1, f.svc.Len())
}

func TestService_PollsToCompletion(t *testing.T) {
	f := newFixture(t)
	f.srv.Script(batch.KindCopy, "dbjid:1", providertest.InProgress(), providertest.InProgress(), providertest.Complete())

	_, err := f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	require.NoError(t, err)
	_, err = f.store.Get("dbjid:1")
	require.NoError(t, err, "active job must be persisted")

	f.sub.Fire("dbjid:1")
	f.sub.Fire("dbjid:1")

	info, ok := f.svc.Get("dbjid:1")
	require.True(t, ok)
	assert.Equal(t, 2, info.Polls)
	assert.NotNil(t, info.LastPolledAt)

	persisted, err := f.store.Get("dbjid:1")
	require.NoError(t, err)
	assert.Equal(t, 2, persisted.Polls)

	f.sub.Fire("dbjid:1")

	assert.Equal(t, []events.Topic{events.TopicRunning, events.TopicRunning, events.TopicComplete}, f.topics())
	assert.False(t, f.registry.Active("dbjid:1"))
	assert.Equal(t, 0, f.svc.Len())
	assert.False(t, f.sub.Fire("dbjid:1"), "task must be removed")

	_, err = f.store.Get("dbjid:1")
	assert.Error(t, err, "record must be removed when the job ends")
	assert.Equal(t, poller.OutcomeComplete, f.finished["dbjid:1"])
	assert.NoError(t, f.svc.Wait(context.Background()))
}

func TestService_AbandonedJobIsRemovedWithoutEvent(t *testing.T) {
	f := newFixture(t)
	f.srv.Script(batch.KindCopy, "dbjid:1", providertest.Raw(http.StatusUnauthorized, `{}`))

	_, err := f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	require.NoError(t, err)
	f.sub.Fire("dbjid:1")

	assert.Empty(t, f.topics())
	assert.Equal(t, 0, f.svc.Len())
	assert.Equal(t, poller.OutcomeAbandoned, f.finished["dbjid:1"])
	assert.Equal(t, jobregistry.JobStateAbandoned, State(f.finished["dbjid:1"]))
}

func TestService_CancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	require.NoError(t, err)

	assert.True(t, f.svc.Cancel("dbjid:1"))
	assert.False(t, f.svc.Cancel("dbjid:1"))
	assert.False(t, f.svc.Cancel("unknown"))

	assert.False(t, f.sub.Fire("dbjid:1"))
	assert.Empty(t, f.topics())
	assert.Empty(t, f.finished)
	_, err = f.store.Get("dbjid:1")
	assert.Error(t, err)
}

func TestService_StaleTickDoesNotRemoveResubmittedJob(t *testing.T) {
	f := newFixture(t)
	f.srv.Script(batch.KindCopy, "dbjid:1", providertest.Complete())
	release := f.srv.Hold(batch.KindCopy, "dbjid:1")
	defer release()

	old := testHandle("dbjid:1")
	old.CorrelationID = "old"
	_, err := f.svc.Submit(context.Background(), old)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sub.Fire("dbjid:1")
	}()
	require.Eventually(t, func() bool { return f.srv.CallCount(batch.KindCopy, "dbjid:1") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, f.svc.Cancel("dbjid:1"))
	resubmitted := testHandle("dbjid:1")
	resubmitted.CorrelationID = "new"
	_, err = f.svc.Submit(context.Background(), resubmitted)
	require.NoError(t, err)

	release()
	<-done

	info, ok := f.svc.Get("dbjid:1")
	require.True(t, ok, "resubmitted job must stay active")
	assert.Equal(t, "new", info.CorrelationID)
	assert.True(t, f.registry.Active("dbjid:1"))
	record, err := f.store.Get("dbjid:1")
	require.NoError(t, err)
	assert.Equal(t, "new", record.CorrelationID)
	assert.Empty(t, f.finished, "the stale tick is not a finish of the new job")

	require.True(t, f.sub.Fire("dbjid:1"))
	assert.Equal(t, 0, f.svc.Len())

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 2)
	assert.Equal(t, "old", f.events[0].CorrelationID)
	assert.Equal(t, "new", f.events[1].CorrelationID)
	assert.Equal(t, events.TopicComplete, f.events[1].Topic)
	assert.Equal(t, poller.OutcomeComplete, f.finished["dbjid:1"])
}

func TestService_ActiveNeverExposesCredential(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), testHandle("dbjid:b"))
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), testHandle("dbjid:a"))
	require.NoError(t, err)

	active := f.svc.Active()
	require.Len(t, active, 2)
	for _, ji := range active {
		assert.Equal(t, batch.KindCopy, ji.Kind)
		assert.Equal(t, "/p", ji.Path)
	}
}

func TestService_ResumeReadmitsPersistedJobs(t *testing.T) {
	f := newFixture(t)
	f.srv.Script(batch.KindCopy, "dbjid:1", providertest.Complete())

	admitted, err := f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	require.NoError(t, err)

	// A restart: the first service goes away, its record stays.
	f.svc.Close()
	_, err = f.store.Get("dbjid:1")
	require.NoError(t, err)

	f.sub = jobregistry.NewManualSubstrate()
	f.svc = f.newService(t)

	n, err := f.svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, ok := f.svc.Get("dbjid:1")
	require.True(t, ok)
	assert.Equal(t, admitted.CorrelationID, info.CorrelationID)

	f.sub.Fire("dbjid:1")
	assert.Equal(t, []events.Topic{events.TopicComplete}, f.topics())
}

func TestService_ResumeDropsInvalidRecords(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(&jobregistry.JobRecord{JobID: "bad", Kind: batch.KindCopy, CreatedAt: time.Now()}))

	n, err := f.svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = f.store.Get("bad")
	assert.Error(t, err)
}

func TestService_CloseRejectsSubmit(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	require.NoError(t, err)
	assert.NoError(t, f.svc.CheckHealth(context.Background()))

	f.svc.Close()
	assert.ErrorIs(t, f.svc.CheckHealth(context.Background()), ErrClosed)
	assert.Equal(t, 0, f.svc.Len())
	assert.NoError(t, f.svc.Wait(context.Background()))

	_, err = f.svc.Submit(context.Background(), testHandle("dbjid:2"))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestService_WaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), testHandle("dbjid:1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.svc.Wait(ctx), context.DeadlineExceeded)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
