package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/blackhole"
	"github.com/slipstream/dlsync/internal/downloader/mock"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/history"
	"github.com/slipstream/dlsync/internal/importer"
	"github.com/slipstream/dlsync/internal/jobs"
	"github.com/slipstream/dlsync/internal/testutil"
)

const (
	hashA = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	hashB = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	hashC = "CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"

	typeMock2 types.ClientType = "mock2"
)

type fixture struct {
	registry *downloader.Registry
	clients  *downloader.Service
	store    *downloads.Store
	events   *history.Service
	queue    *jobs.Queue
	engine   *Engine
	alpha    *mock.Client
	beta     *mock.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tdb := testutil.NewTestDB(t)

	alpha, beta := mock.New(), mock.New()
	registry := downloader.NewEmptyRegistry()
	registry.Register(types.ClientTypeMock, alpha)
	registry.Register(typeMock2, beta)

	clients := downloader.NewService(tdb.Conn, registry, tdb.Logger)
	store := downloads.NewStore(tdb.Conn)
	events := history.NewService(tdb.Conn, tdb.Logger)
	queue := jobs.NewQueue(tdb.Conn, 5)

	f := &fixture{
		registry: registry,
		clients:  clients,
		store:    store,
		events:   events,
		queue:    queue,
		engine:   NewEngine(clients, store, events, queue, Config{StuckThreshold: time.Hour, Parallelism: 2}, tdb.Logger),
		alpha:    alpha,
		beta:     beta,
	}
	f.addClient(t, "alpha", types.ClientTypeMock, 1, true)
	f.addClient(t, "beta", typeMock2, 2, true)
	return f
}

func (f *fixture) addClient(t *testing.T, name string, typ types.ClientType, priority int, enabled bool) {
	t.Helper()
	_, err := f.clients.Create(context.Background(), &downloader.ClientInput{
		Name:     name,
		Type:     string(typ),
		Enabled:  enabled,
		Priority: &priority,
	})
	require.NoError(t, err)
}

func (f *fixture) track(t *testing.T, client, hash string) *downloads.Download {
	t.Helper()
	dl, err := f.store.Create(context.Background(), &downloads.CreateInput{
		Title:            "Release " + hash[:4],
		DownloadClient:   client,
		DownloadClientID: hash,
	})
	require.NoError(t, err)
	return dl
}

func (f *fixture) get(t *testing.T, id int64) *downloads.Download {
	t.Helper()
	dl, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return dl
}

func (f *fixture) eventKinds(t *testing.T, id int64) []history.EventType {
	t.Helper()
	entries, err := f.events.ListByDownload(context.Background(), id)
	require.NoError(t, err)
	kinds := make([]history.EventType, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.EventType)
	}
	return kinds
}

func (f *fixture) importJobs(t *testing.T) []*jobs.Job {
	t.Helper()
	list, err := f.queue.List(context.Background(), importer.JobType)
	require.NoError(t, err)
	return list
}

func TestRun_MissingDownloadIsMarkedAndKept(t *testing.T) {
	f := newFixture(t)
	dl := f.track(t, "alpha", hashA)

	summary := f.engine.Run(context.Background())
	assert.Equal(t, 1, summary.Classified[CategoryMissing])

	got := f.get(t, dl.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "Removed from download client")
	assert.Contains(t, *got.ErrorMessage, "alpha")
	assert.Equal(t, []history.EventType{history.EventTypeDownloadMissing}, f.eventKinds(t, dl.ID))
}

func TestRun_ErroredDownloadIsNeverReclassified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dl := f.track(t, "alpha", hashA)
	_, err := f.store.MarkMissing(ctx, dl.ID, "gone")
	require.NoError(t, err)
	before := f.get(t, dl.ID)

	// Even a live completed torrent does not revive an errored download.
	f.alpha.Put(types.TorrentStatus{ID: hashA, State: types.StatusSeeding, SavePath: "/data/a"})

	f.engine.Run(ctx)
	f.engine.Run(ctx)

	after := f.get(t, dl.ID)
	assert.Equal(t, "gone", *after.ErrorMessage)
	assert.Nil(t, after.CompletedAt)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Empty(t, f.importJobs(t))
	assert.Empty(t, f.eventKinds(t, dl.ID))
}

func TestRun_CompletedEnqueuesImportOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dl := f.track(t, "alpha", hashA)
	f.alpha.Put(types.TorrentStatus{ID: hashA, State: types.StatusCompleted, SavePath: "/data/a"})

	summary := f.engine.Run(ctx)
	assert.Equal(t, 1, summary.Classified[CategoryCompleted])

	got := f.get(t, dl.ID)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.SavePath)
	assert.Equal(t, "/data/a", *got.SavePath)

	queued := f.importJobs(t)
	require.Len(t, queued, 1)
	var payload importer.Payload
	require.NoError(t, json.Unmarshal(queued[0].Payload, &payload))
	assert.Equal(t, importer.Payload{
		DownloadID:    dl.ID,
		SavePath:      "/data/a",
		CleanupClient: true,
		UseHardlinks:  true,
		MoveFiles:     false,
	}, payload)

	f.engine.Run(ctx)
	assert.Len(t, f.importJobs(t), 1, "second pass must not enqueue again")
	assert.Equal(t, []history.EventType{history.EventTypeDownloadCompleted}, f.eventKinds(t, dl.ID))
}

func TestRun_LiveErrorDeletesDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dl := f.track(t, "beta", hashB)
	f.beta.Put(types.TorrentStatus{ID: hashB, State: types.StatusError, Error: "No data found"})

	summary := f.engine.Run(ctx)
	assert.Equal(t, 1, summary.Classified[CategoryFailed])

	_, err := f.store.Get(ctx, dl.ID)
	assert.ErrorIs(t, err, downloads.ErrDownloadNotFound)

	entries, err := f.events.ListByDownload(ctx, dl.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.EventTypeDownloadFailed, entries[0].EventType)
	assert.Equal(t, "No data found", entries[0].Data["error"])
}

func TestRun_DownloadingIsUntouched(t *testing.T) {
	f := newFixture(t)
	dl := f.track(t, "alpha", hashA)
	f.alpha.Put(types.TorrentStatus{ID: hashA, State: types.StatusDownloading})

	summary := f.engine.Run(context.Background())
	assert.Equal(t, 1, summary.Classified[CategoryUntouched])

	got := f.get(t, dl.ID)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)
}

func TestRun_FailedBackendLeavesItsDownloadsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	onAlpha := f.track(t, "alpha", hashA)
	onBeta := f.track(t, "beta", hashB)
	completedOnBeta := f.track(t, "beta", hashC)

	f.alpha.FailOn(mock.OpList, errors.New("connection refused"))
	f.beta.Put(types.TorrentStatus{ID: hashC, State: types.StatusSeeding, SavePath: "/data/c"})

	summary := f.engine.Run(ctx)
	assert.Contains(t, summary.ClientErrors, "alpha")
	assert.Equal(t, 1, summary.Classified[CategoryUnreported])

	alphaDL := f.get(t, onAlpha.ID)
	assert.Nil(t, alphaDL.ErrorMessage)
	assert.Nil(t, alphaDL.CompletedAt)

	assert.NotNil(t, f.get(t, onBeta.ID).ErrorMessage)
	assert.NotNil(t, f.get(t, completedOnBeta.ID).CompletedAt)
}

func TestRun_DisabledBackendCountsAsMissing(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "retired", types.ClientTypeMock, 5, false)
	dl := f.track(t, "retired", hashA)

	// The torrent is live, but only on a backend that is not polled.
	f.alpha.Put(types.TorrentStatus{ID: hashB, State: types.StatusDownloading})

	f.engine.Run(context.Background())

	got := f.get(t, dl.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "retired")
}

func TestRun_StuckDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := f.track(t, "alpha", hashA)
	_, err := f.store.MarkCompleted(ctx, old.ID, now.Add(-2*time.Hour), "/data/a")
	require.NoError(t, err)

	recent := f.track(t, "alpha", hashB)
	_, err = f.store.MarkCompleted(ctx, recent.ID, now.Add(-30*time.Minute), "/data/b")
	require.NoError(t, err)

	flagged := f.track(t, "alpha", hashC)
	_, err = f.store.MarkCompleted(ctx, flagged.ID, now.Add(-3*time.Hour), "/data/c")
	require.NoError(t, err)
	_, err = f.store.MarkImportStalled(ctx, flagged.ID, now.Add(-time.Hour), "Import stalled: earlier")
	require.NoError(t, err)
	flaggedBefore := f.get(t, flagged.ID)

	summary := f.engine.Run(ctx)
	assert.Equal(t, 1, summary.Stuck)

	got := f.get(t, old.ID)
	require.NotNil(t, got.ImportFailedAt)
	require.NotNil(t, got.ImportLastError)
	assert.Contains(t, *got.ImportLastError, "Import stalled")
	assert.Equal(t, []history.EventType{history.EventTypeImportStalled}, f.eventKinds(t, old.ID))

	assert.Nil(t, f.get(t, recent.ID).ImportFailedAt)
	assert.Empty(t, f.eventKinds(t, recent.ID))

	flaggedAfter := f.get(t, flagged.ID)
	assert.Equal(t, *flaggedBefore.ImportLastError, *flaggedAfter.ImportLastError)
	assert.True(t, flaggedBefore.ImportFailedAt.Equal(*flaggedAfter.ImportFailedAt))
	assert.Empty(t, f.eventKinds(t, flagged.ID))

	require.Len(t, f.importJobs(t), 1)

	f.engine.Run(ctx)
	assert.Len(t, f.eventKinds(t, old.ID), 1, "no duplicate stalled event")
	assert.Len(t, f.importJobs(t), 1)
}

type unavailableSource struct {
	err error
}

func (u unavailableSource) ListEnabled(context.Context) ([]*types.ClientConfig, error) {
	return nil, u.err
}

func (u unavailableSource) Adapter(*types.ClientConfig) (types.Client, error) {
	return nil, u.err
}

func TestRun_ClientListFailureClassifiesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := NewEngine(unavailableSource{err: errors.New("database is locked")}, f.store, f.events, f.queue,
		Config{StuckThreshold: time.Hour, Parallelism: 2}, testutil.NewTestLogger(t))
	matcher := &recordingMatcher{}
	engine.SetUntrackedMatcher(matcher)

	tracked := f.track(t, "alpha", hashA)
	stale := f.track(t, "alpha", hashB)
	_, err := f.store.MarkCompleted(ctx, stale.ID, time.Now().UTC().Add(-2*time.Hour), "/data/b")
	require.NoError(t, err)

	summary := engine.Run(ctx)
	assert.Zero(t, summary.Examined)
	assert.Zero(t, summary.Classified[CategoryMissing])
	require.NotEmpty(t, summary.Errors)
	assert.Contains(t, summary.Errors[0], "database is locked")

	got := f.get(t, tracked.ID)
	assert.Nil(t, got.ErrorMessage)
	assert.Empty(t, f.eventKinds(t, tracked.ID))

	// Stuck detection does not depend on the backends.
	assert.Equal(t, 1, summary.Stuck)
	assert.NotNil(t, f.get(t, stale.ID).ImportFailedAt)
	assert.Nil(t, matcher.live)
}

func TestRun_UnreadableBlackholeFolderLeavesDownloadsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Register(types.ClientTypeBlackhole, blackhole.New(nil))

	root := t.TempDir()
	watch, completed := filepath.Join(root, "watch"), filepath.Join(root, "completed")
	require.NoError(t, os.MkdirAll(watch, 0o755))
	require.NoError(t, os.MkdirAll(completed, 0o755))
	priority := 3
	_, err := f.clients.Create(ctx, &downloader.ClientInput{
		Name:     "shelf",
		Type:     string(types.ClientTypeBlackhole),
		Enabled:  true,
		Priority: &priority,
		Settings: map[string]any{
			blackhole.SettingWatchFolder:     watch,
			blackhole.SettingCompletedFolder: completed,
		},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(watch, hashA+".magnet"), []byte(testutil.MagnetURI(hashA, "Pending")), 0o644))
	dl := f.track(t, "shelf", hashA)

	summary := f.engine.Run(ctx)
	assert.Equal(t, 1, summary.Classified[CategoryUntouched])

	require.NoError(t, os.RemoveAll(root))

	summary = f.engine.Run(ctx)
	assert.Contains(t, summary.ClientErrors, "shelf")
	assert.Equal(t, 1, summary.Classified[CategoryUnreported])
	assert.Zero(t, summary.Classified[CategoryMissing])

	got := f.get(t, dl.ID)
	assert.Nil(t, got.ErrorMessage)
	assert.Empty(t, f.eventKinds(t, dl.ID))
}

// flakyStore fails every write for one download.
type flakyStore struct {
	*downloads.Store
	failID int64
}

var errWriteFailed = errors.New("disk I/O error")

func (s *flakyStore) MarkCompleted(ctx context.Context, id int64, at time.Time, savePath string) (bool, error) {
	if id == s.failID {
		return false, errWriteFailed
	}
	return s.Store.MarkCompleted(ctx, id, at, savePath)
}

func (s *flakyStore) MarkMissing(ctx context.Context, id int64, message string) (bool, error) {
	if id == s.failID {
		return false, errWriteFailed
	}
	return s.Store.MarkMissing(ctx, id, message)
}

func (s *flakyStore) Delete(ctx context.Context, id int64) (bool, error) {
	if id == s.failID {
		return false, errWriteFailed
	}
	return s.Store.Delete(ctx, id)
}

type brokenEmitter struct {
	calls atomic.Int32
}

func (b *brokenEmitter) Emit(context.Context, history.EventType, history.Subject, map[string]any) error {
	b.calls.Add(1)
	return errors.New("history table is read-only")
}

func TestRun_SideEffectFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken := f.track(t, "alpha", hashA)
	completes := f.track(t, "alpha", hashB)
	fails := f.track(t, "beta", hashC)
	vanished := f.track(t, "beta", "DDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD")

	f.alpha.Put(types.TorrentStatus{ID: hashA, State: types.StatusCompleted, SavePath: "/data/a"})
	f.alpha.Put(types.TorrentStatus{ID: hashB, State: types.StatusCompleted, SavePath: "/data/b"})
	f.beta.Put(types.TorrentStatus{ID: hashC, State: types.StatusError, Error: "tracker unreachable"})

	emitter := &brokenEmitter{}
	engine := NewEngine(f.clients, &flakyStore{Store: f.store, failID: broken.ID}, emitter, f.queue,
		Config{StuckThreshold: time.Hour, Parallelism: 2}, testutil.NewTestLogger(t))

	summary := engine.Run(ctx)
	require.NotNil(t, summary)
	assert.Equal(t, 4, summary.Examined)
	assert.Equal(t, 2, summary.Classified[CategoryCompleted])
	assert.Equal(t, 1, summary.Classified[CategoryFailed])
	assert.Equal(t, 1, summary.Classified[CategoryMissing])

	assert.Nil(t, f.get(t, broken.ID).CompletedAt)
	assert.NotNil(t, f.get(t, completes.ID).CompletedAt)
	_, err := f.store.Get(ctx, fails.ID)
	assert.ErrorIs(t, err, downloads.ErrDownloadNotFound)
	assert.NotNil(t, f.get(t, vanished.ID).ErrorMessage)

	// One import for the completion that was recorded.
	assert.Len(t, f.importJobs(t), 1)

	assert.Equal(t, int32(3), emitter.calls.Load())
	assert.Len(t, summary.Errors, 4, "one store error plus three emit errors")
	assert.Contains(t, summary.Errors, errWriteFailed.Error())
}

type blockingClient struct {
	*mock.Client
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (b *blockingClient) ListTorrents(ctx context.Context, cfg *types.ClientConfig, opts types.ListOptions) ([]types.TorrentStatus, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	<-b.release
	return b.Client.ListTorrents(ctx, cfg, opts)
}

func TestRun_ConcurrentCallersShareOnePass(t *testing.T) {
	f := newFixture(t)
	bc := &blockingClient{Client: mock.New(), started: make(chan struct{}), release: make(chan struct{})}
	f.registry.Register(types.ClientTypeMock, bc)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		results [2]*Summary
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = f.engine.Run(ctx)
	}()
	<-bc.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = f.engine.Run(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	close(bc.release)
	wg.Wait()

	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, int32(1), bc.calls.Load())
}

func TestTrigger_RunsPassInBackground(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.Start(ctx)
	}()
	f.engine.Trigger()
	f.engine.Trigger()

	require.Eventually(t, func() bool { return f.engine.LastSummary() != nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

type recordingMatcher struct {
	live    map[string]LiveTorrent
	tracked map[string]struct{}
}

func (r *recordingMatcher) MatchUntracked(_ context.Context, live map[string]LiveTorrent, tracked map[string]struct{}) {
	r.live = live
	r.tracked = tracked
}

func TestRun_UntrackedMatcherSeesLiveAndTracked(t *testing.T) {
	f := newFixture(t)
	matcher := &recordingMatcher{}
	f.engine.SetUntrackedMatcher(matcher)

	f.track(t, "alpha", hashA)
	f.alpha.Put(types.TorrentStatus{ID: hashA, State: types.StatusDownloading})
	f.beta.Put(types.TorrentStatus{ID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", State: types.StatusSeeding})

	f.engine.Run(context.Background())

	require.Contains(t, matcher.live, hashB)
	assert.Equal(t, "beta", matcher.live[hashB].Client)
	assert.Contains(t, matcher.tracked, hashA)
	assert.NotContains(t, matcher.tracked, hashB)
}
