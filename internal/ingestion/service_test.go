package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/ingest-pipeline/internal/config"
	"github.com/cyderes/ingest-pipeline/internal/fetcher"
	"github.com/cyderes/ingest-pipeline/internal/id"
	"github.com/cyderes/ingest-pipeline/internal/loader"
	"github.com/cyderes/ingest-pipeline/internal/metrics"
	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/cyderes/ingest-pipeline/internal/normalize"
	"github.com/cyderes/ingest-pipeline/internal/retry"
	"github.com/cyderes/ingest-pipeline/internal/source"
	"github.com/cyderes/ingest-pipeline/internal/state"
	"github.com/cyderes/ingest-pipeline/internal/storage"
)

// MockStorage is a mock implementation of the Storage interface
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) EnsureSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStorage) UpsertReferences(ctx context.Context, refs normalize.References) (normalize.IDMaps, error) {
	args := m.Called(ctx, refs)
	return args.Get(0).(normalize.IDMaps), args.Error(1)
}

func (m *MockStorage) BulkInsert(ctx context.Context, orders []models.Order) (int, error) {
	args := m.Called(ctx, orders)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) InsertRows(ctx context.Context, orders []models.Order, onRowError func(models.Order, error)) (int, error) {
	args := m.Called(ctx, orders, onRowError)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) LoadContent(ctx context.Context, batch storage.ContentBatch) (storage.ContentResult, error) {
	args := m.Called(ctx, batch)
	return args.Get(0).(storage.ContentResult), args.Error(1)
}

func (m *MockStorage) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStorage) Close() {
	m.Called()
}

// memStore keeps the checkpoint in memory and counts saves.
type memStore struct {
	mu    sync.Mutex
	cp    *state.Checkpoint
	saves int
}

func (s *memStore) Load(context.Context) *state.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp == nil {
		return state.NewCheckpoint()
	}
	return s.cp
}

func (s *memStore) Save(_ context.Context, cp *state.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = cp
	s.saves++
	return nil
}

func (s *memStore) Close() error { return nil }

// fakeSource serves canned profiles and items and records which usernames
// were requested.
type fakeSource struct {
	mu       sync.Mutex
	profiles map[string]models.Profile
	items    map[string][]models.Item
	failing  map[string]error
	calls    map[string]int
}

func (f *fakeSource) GetEntityInfo(_ context.Context, username string) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[username]++
	if err := f.failing[username]; err != nil {
		return models.Profile{}, err
	}
	return f.profiles[username], nil
}

func (f *fakeSource) ListEntityItems(_ context.Context, username string, _ int) ([]models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[username], nil
}

func (f *fakeSource) callCount(username string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[username]
}

// recordingEmitter keeps every emitted key.
type recordingEmitter struct {
	mu   sync.Mutex
	keys []string
}

func (e *recordingEmitter) Emit(_ context.Context, key string, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
	return nil
}

func (e *recordingEmitter) Close() error { return nil }

func noSleep(context.Context, time.Duration) error { return nil }

func newSource() *fakeSource {
	return &fakeSource{
		profiles: map[string]models.Profile{
			"fizik_el":    {ID: "100", Username: "fizik_el", Nickname: "Physics"},
			"himichka_el": {ID: "200", Username: "himichka_el", Nickname: "Chemistry"},
		},
		items: map[string][]models.Item{
			"fizik_el": {
				{ID: "v1", Desc: "waves", CreateTime: 1717236000, Statistics: models.ItemStats{ViewCount: 10}},
				{ID: "v2", Desc: "optics", CreateTime: 1717239600},
			},
			"himichka_el": {
				{ID: "v3", Desc: "acids", CreateTime: 1717243200},
			},
		},
		failing: map[string]error{},
		calls:   map[string]int{},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Retry:     config.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond},
		Fetch:     config.FetchConfig{Concurrency: 2, FreshnessWindow: time.Hour},
		Source:    config.SourceConfig{ItemCount: 20},
		Ingestion: config.IngestionConfig{Interval: time.Hour},
		Targets: []config.Target{
			{Username: "fizik_el", URL: "https://www.tiktok.com/@fizik_el"},
			{URL: "https://www.tiktok.com/@himichka_el?lang=en"},
			{Username: "fizik_el"},
		},
	}
}

func newTestService(t *testing.T, store *MockStorage, st *memStore, src EntitySource, emitter *recordingEmitter) *Service {
	t.Helper()
	require.NoError(t, id.Init(1))

	cfg := testConfig()
	collector := metrics.NewCollector()
	deps := Deps{
		Storage:  store,
		State:    st,
		Executor: retry.NewExecutor(retry.Config{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay}, retry.WithSleep(noSleep)),
		Writer:   loader.NewWriter(store, emitter, collector, loader.Config{BatchSize: 2, Workers: 2}),
		Emitter:  emitter,
		Metrics:  collector,
		Fetcher: fetcher.New[models.AccountFetch](fetcher.Config{
			Concurrency:     cfg.Fetch.Concurrency,
			FreshnessWindow: cfg.Fetch.FreshnessWindow,
		}, fetcher.WithSleep(noSleep)),
	}
	if src != nil {
		deps.Source = src
	}
	return NewService(cfg, deps)
}

func TestService_RunOnce_LoadsAccountsAndAdvancesCheckpoint(t *testing.T) {
	store := new(MockStorage)
	st := &memStore{}
	src := newSource()
	emitter := &recordingEmitter{}
	svc := newTestService(t, store, st, src, emitter)

	var loaded storage.ContentBatch
	store.On("Ping", mock.Anything).Return(nil)
	store.On("LoadContent", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { loaded = args.Get(1).(storage.ContentBatch) }).
		Return(storage.ContentResult{
			Accounts:  2,
			NewVideos: []models.Video{{ID: "v1"}, {ID: "v3"}},
			Snapshots: 3,
		}, nil)

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 0, report.FetchFailed)
	assert.Equal(t, 2, report.Accounts)
	assert.Equal(t, 2, report.Videos)
	assert.Equal(t, 3, report.Snapshots)
	assert.Equal(t, 1, src.callCount("fizik_el"), "duplicate targets fetch once")

	require.Len(t, loaded.Accounts, 2)
	assert.Equal(t, "fizik_el", loaded.Accounts[0].Username)
	assert.Len(t, loaded.Videos, 3)
	assert.Len(t, loaded.Snapshots, 3)
	assert.Equal(t, "100", loaded.Videos[0].AccountID)

	assert.ElementsMatch(t, []string{"v1", "v3"}, emitter.keys)

	require.Equal(t, 1, st.saves)
	cp := st.Load(context.Background())
	assert.Equal(t, 3, cp.ProcessedCount())
	_, ok := cp.LastUpdated("himichka_el")
	assert.True(t, ok)
	run, ok := cp.LastRun()
	require.True(t, ok)
	assert.Equal(t, report.RunID, run.RunID)

	assert.Equal(t, "success", svc.Status().Status)
	last, ok := svc.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.RunID, last.RunID)
	store.AssertExpectations(t)
}

func TestService_RunOnce_ProcessedItemsOnlyGetSnapshots(t *testing.T) {
	store := new(MockStorage)
	cp := state.NewCheckpoint()
	cp.MarkProcessed("v1", "v2", "v3")
	st := &memStore{cp: cp}
	svc := newTestService(t, store, st, newSource(), &recordingEmitter{})

	var loaded storage.ContentBatch
	store.On("Ping", mock.Anything).Return(nil)
	store.On("LoadContent", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { loaded = args.Get(1).(storage.ContentBatch) }).
		Return(storage.ContentResult{Accounts: 2, Snapshots: 3}, nil)

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, loaded.Videos)
	snapshotIDs := make([]string, 0, len(loaded.Snapshots))
	for _, snap := range loaded.Snapshots {
		snapshotIDs = append(snapshotIDs, snap.VideoID)
	}
	assert.ElementsMatch(t, []string{"v1", "v2", "v3"}, snapshotIDs)
	assert.Equal(t, 3, report.Snapshots)
	assert.Zero(t, report.Videos)
}

func TestService_RunOnce_MixesNewAndProcessedItems(t *testing.T) {
	store := new(MockStorage)
	cp := state.NewCheckpoint()
	cp.MarkProcessed("v2")
	st := &memStore{cp: cp}
	svc := newTestService(t, store, st, newSource(), &recordingEmitter{})

	var loaded storage.ContentBatch
	store.On("Ping", mock.Anything).Return(nil)
	store.On("LoadContent", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { loaded = args.Get(1).(storage.ContentBatch) }).
		Return(storage.ContentResult{Accounts: 2}, nil)

	_, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	videoIDs := make([]string, 0, len(loaded.Videos))
	for _, v := range loaded.Videos {
		videoIDs = append(videoIDs, v.ID)
	}
	assert.ElementsMatch(t, []string{"v1", "v3"}, videoIDs)
	assert.Len(t, loaded.Snapshots, 3)
	assert.Equal(t, 3, st.Load(context.Background()).ProcessedCount())
}

func TestService_RunOnce_SkipsFreshSources(t *testing.T) {
	store := new(MockStorage)
	cp := state.NewCheckpoint()
	cp.SetLastUpdated("fizik_el", time.Now())
	st := &memStore{cp: cp}
	src := newSource()
	svc := newTestService(t, store, st, src, &recordingEmitter{})

	store.On("Ping", mock.Anything).Return(nil)
	store.On("LoadContent", mock.Anything, mock.MatchedBy(func(b storage.ContentBatch) bool {
		return len(b.Accounts) == 1 && b.Accounts[0].Username == "himichka_el"
	})).Return(storage.ContentResult{Accounts: 1}, nil)

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Fetched)
	assert.Zero(t, src.callCount("fizik_el"))
	store.AssertExpectations(t)
}

func TestService_RunOnce_TaskFailureDoesNotStopOthers(t *testing.T) {
	store := new(MockStorage)
	st := &memStore{}
	src := newSource()
	src.failing["fizik_el"] = &source.StatusError{Code: 503}
	svc := newTestService(t, store, st, src, &recordingEmitter{})

	store.On("Ping", mock.Anything).Return(nil)
	store.On("LoadContent", mock.Anything, mock.Anything).Return(storage.ContentResult{Accounts: 1}, nil)

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.FetchFailed)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 3, src.callCount("fizik_el"), "initial call plus two retries")

	cp := st.Load(context.Background())
	_, ok := cp.LastUpdated("fizik_el")
	assert.False(t, ok, "failed source is not stamped")
	assert.False(t, cp.IsProcessed("v1"))
	assert.True(t, cp.IsProcessed("v3"))
	assert.Equal(t, int64(1), svc.Metrics().Snapshot().FetchFailed)
}

func TestService_RunOnce_DatabaseUnreachable(t *testing.T) {
	store := new(MockStorage)
	st := &memStore{}
	svc := newTestService(t, store, st, newSource(), &recordingEmitter{})

	store.On("Ping", mock.Anything).Return(errors.New("connection refused"))

	_, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSystemic)
	assert.Zero(t, st.saves)
	assert.Equal(t, "failure", svc.Status().Status)
	store.AssertNotCalled(t, "LoadContent", mock.Anything, mock.Anything)
}

func TestService_RunOnce_SourceUnavailable(t *testing.T) {
	store := new(MockStorage)
	st := &memStore{}
	svc := newTestService(t, store, st, nil, &recordingEmitter{})

	store.On("Ping", mock.Anything).Return(nil)

	_, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSystemic)
	assert.ErrorIs(t, err, fetcher.ErrSourceUnavailable)
	assert.Zero(t, st.saves, "checkpoint is not advanced")
}

func TestService_RunOnce_LoadFailureKeepsSourcesStale(t *testing.T) {
	store := new(MockStorage)
	st := &memStore{}
	svc := newTestService(t, store, st, newSource(), &recordingEmitter{})

	store.On("Ping", mock.Anything).Return(nil)
	store.On("LoadContent", mock.Anything, mock.Anything).Return(storage.ContentResult{}, errors.New("deadlock detected"))

	_, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSystemic)

	require.Equal(t, 1, st.saves)
	cp := st.Load(context.Background())
	assert.Zero(t, cp.ProcessedCount())
	assert.Empty(t, cp.Sources())
	_, ok := cp.LastRun()
	assert.True(t, ok)
}

func TestService_RunOnce_CatalogJob(t *testing.T) {
	store := new(MockStorage)
	st := &memStore{}
	emitter := &recordingEmitter{}
	svc := newTestService(t, store, st, newSource(), emitter)
	svc.targets = nil

	rows := []models.OrderRow{
		{Line: 2, Name: "Anna", Source: "site", OrderDate: "01.06.2024", Amount: "1 200,50", Subjects: "Math, Physics", CourseName: "Exam prep", Duration: "3 months"},
		{Line: 3, Name: "Boris", Source: "ads", OrderDate: "02.06.2024", Amount: "900", Subjects: "Chemistry", CourseName: "Basics", Duration: "1 month"},
		{Line: 4, Name: "Anna", Source: "site", OrderDate: "01.06.2024", Amount: "1 200,50", Subjects: "Math, Physics", CourseName: "Exam prep", Duration: "3 months"},
	}
	sheetCalls := 0
	svc.deps.Sheet = func(context.Context) ([]models.OrderRow, error) {
		sheetCalls++
		if sheetCalls == 1 {
			return nil, &source.StatusError{Code: 429}
		}
		return rows, nil
	}

	ids := normalize.NewIDMaps()
	ids.Courses[models.CourseKey{Name: "Exam prep", Subject: "Math"}] = 7
	ids.Packages["3 months"] = 3

	store.On("Ping", mock.Anything).Return(nil)
	store.On("UpsertReferences", mock.Anything, mock.MatchedBy(func(r normalize.References) bool {
		return len(r.Subjects) == 3 && len(r.Courses) == 3 && len(r.Packages) == 2
	})).Return(ids, nil)
	store.On("BulkInsert", mock.Anything, mock.MatchedBy(func(o []models.Order) bool { return len(o) == 2 })).Return(2, nil)
	store.On("BulkInsert", mock.Anything, mock.MatchedBy(func(o []models.Order) bool { return len(o) == 1 })).Return(1, nil)

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sheetCalls, "rate-limited download is retried")
	assert.Equal(t, 3, report.OrdersWritten)
	assert.Equal(t, 2, report.Batches)
	assert.Len(t, emitter.keys, 3)

	run, ok := st.Load(context.Background()).LastRun()
	require.True(t, ok)
	assert.Equal(t, 3, run.Orders)
	store.AssertExpectations(t)
}

func TestService_Start_ReturnsSystemicInitialFailure(t *testing.T) {
	store := new(MockStorage)
	svc := newTestService(t, store, &memStore{}, newSource(), &recordingEmitter{})

	store.On("Ping", mock.Anything).Return(errors.New("no route to host"))

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSystemic)
}

func TestService_Start_RejectsNonPositiveInterval(t *testing.T) {
	store := new(MockStorage)
	svc := newTestService(t, store, &memStore{}, newSource(), &recordingEmitter{})
	svc.interval = 0

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval must be positive")
	store.AssertNotCalled(t, "Ping", mock.Anything)
}

func TestService_Start_StopsOnCancel(t *testing.T) {
	store := new(MockStorage)
	svc := newTestService(t, store, &memStore{}, newSource(), &recordingEmitter{})
	svc.targets = nil

	store.On("Ping", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return svc.Status().Status == "success" }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestService_Checkpoint_FallsBackToStore(t *testing.T) {
	cp := state.NewCheckpoint()
	cp.MarkProcessed("v9")
	svc := newTestService(t, new(MockStorage), &memStore{cp: cp}, newSource(), &recordingEmitter{})

	assert.True(t, svc.Checkpoint(context.Background()).IsProcessed("v9"))
}
