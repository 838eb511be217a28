package orchestrator

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/grid"
	"github.com/odvcencio/shotdiff/pkg/grid/gridtest"
	"github.com/odvcencio/shotdiff/pkg/imaging"
	"github.com/odvcencio/shotdiff/pkg/status"
	"github.com/odvcencio/shotdiff/pkg/storage"
)

const (
	chrome  = "desktop_windows_chrome@latest"
	firefox = "desktop_linux_firefox@latest"
)

var (
	baseColor    = color.RGBA{R: 0x20, G: 0x40, B: 0x80, A: 0xFF}
	changedColor = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
)

func baseImage() *image.RGBA {
	return gridtest.SolidImage(100, 100, baseColor)
}

// withChangedPixels returns a copy of img with the first n pixels repainted.
func withChangedPixels(img *image.RGBA, n int) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	w := img.Bounds().Dx()
	for i := 0; i < n; i++ {
		out.SetRGBA(i%w, i/w, changedColor)
	}
	return out
}

type testEnv struct {
	grid  *gridtest.FakeGrid
	store *storage.MemoryStore
	orch  *Orchestrator
	rc    *RunContext
	sink  *recordingSink
}

type recordingSink struct {
	mu     sync.Mutex
	states []status.State
}

func (s *recordingSink) Update(state status.State, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return true
}

func (s *recordingSink) seen() []status.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]status.State(nil), s.states...)
}

func newTestEnv(t *testing.T, fg *gridtest.FakeGrid, policy grid.GatePolicy, mutate func(*Options)) *testEnv {
	t.Helper()
	if policy.PollInterval == 0 {
		policy.PollInterval = 5 * time.Millisecond
	}
	if policy.MaxWait == 0 {
		policy.MaxWait = 2 * time.Second
	}
	store := storage.NewMemoryStore()
	opts := Options{
		Provider: fg,
		Storage:  store,
		Gate:     grid.NewGate(fg, policy, nil),
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := New(opts)
	require.NoError(t, err)

	sink := &recordingSink{}
	return &testEnv{
		grid:  fg,
		store: store,
		orch:  orch,
		rc:    NewRunContext(RunOptions{RunID: "run-test", Status: sink}),
		sink:  sink,
	}
}

func (e *testEnv) putGolden(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, e.store.WriteImage(context.Background(), path, gridtest.EncodePNG(img)))
}

func servePages(pages map[string][]byte) gridtest.CaptureFunc {
	return func(_ context.Context, _, url string) ([]byte, error) {
		data, ok := pages[url]
		if !ok {
			return nil, fmt.Errorf("navigation to %s failed", url)
		}
		return data, nil
	}
}

func noRetry() FlakeConfig {
	return FlakeConfig{MaxRetries: 0, MaxChangedPixelFractionToRetry: 1}
}

func assertNoLeaks(t *testing.T, fg *gridtest.FakeGrid) {
	t.Helper()
	assert.Equal(t, fg.Started(), fg.Ended(), "every started session must end")
	assert.Zero(t, fg.Active())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Storage: storage.NewMemoryStore()})
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeInvalidInput))

	_, err = New(Options{Provider: gridtest.New(2)})
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeInvalidInput))
}

func TestCaptureAllClassifiesScenarios(t *testing.T) {
	golden := baseImage()
	fg := gridtest.New(4).WithCapture(servePages(map[string][]byte{
		"https://site.test/home":    gridtest.EncodePNG(golden),
		"https://site.test/new":     gridtest.EncodePNG(golden),
		"https://site.test/noisy":   gridtest.EncodePNG(withChangedPixels(golden, 50)),
		"https://site.test/changed": gridtest.EncodePNG(withChangedPixels(golden, 50)),
	}))
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)
	env.putGolden(t, "golden/home.png", golden)
	env.putGolden(t, "golden/noisy.png", golden)
	env.putGolden(t, "golden/changed.png", golden)

	home := NewWorkItem("/home", "https://site.test/home", chrome, noRetry())
	home.GoldenPath = "golden/home.png"
	added := NewWorkItem("/new", "https://site.test/new", chrome, noRetry())
	added.GoldenPath = "golden/new.png"
	noisy := NewWorkItem("/noisy", "https://site.test/noisy", chrome, FlakeConfig{MinChangedPixelCount: 100, MaxChangedPixelFractionToRetry: 1})
	noisy.GoldenPath = "golden/noisy.png"
	changed := NewWorkItem("/changed", "https://site.test/changed", firefox, FlakeConfig{MinChangedPixelCount: 10, MaxChangedPixelFractionToRetry: 1})
	changed.GoldenPath = "golden/changed.png"

	agg, err := env.orch.CaptureAll(context.Background(), env.rc, []*WorkItem{home, added, noisy, changed})
	require.NoError(t, err)

	counts := agg.Counts()
	assert.Equal(t, Counts{Changed: 1, Added: 1, Unchanged: 2}, counts)
	assert.Equal(t, "1 changed, 1 added, 2 unchanged", agg.Description())
	assert.Equal(t, status.StateFailed, agg.Outcome(nil))

	for _, item := range []*WorkItem{home, added, noisy, changed} {
		assert.Equal(t, StateDiffed, item.State(), item.Key())
		assert.NoError(t, item.Err)
	}

	// Identical images.
	assert.Equal(t, ClassUnchanged, home.Classification)
	assert.Zero(t, home.Diff.ChangedPixelCount)
	assert.False(t, home.Diff.HasChanged)
	assert.Empty(t, home.DiffPath)

	// No baseline.
	assert.Equal(t, ClassAdded, added.Classification)
	assert.False(t, added.Diff.HasChanged)
	assert.False(t, added.Diff.HasBaseline())
	assert.Equal(t, imaging.Dimensions{Width: 100, Height: 100}, added.Diff.Actual)

	// Below the flake floor.
	assert.Equal(t, ClassUnchanged, noisy.Classification)
	assert.Equal(t, 50, noisy.Diff.ChangedPixelCount)
	assert.False(t, noisy.Diff.HasChanged)

	// Above the flake floor.
	assert.Equal(t, ClassChanged, changed.Classification)
	assert.True(t, changed.Diff.HasChanged)
	assert.Equal(t, "run-test/changed/desktop_linux_firefox@latest.diff.png", changed.DiffPath)
	ok, err := env.store.Exists(context.Background(), changed.DiffPath)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "run-test/changed/desktop_linux_firefox@latest.png", changed.ActualPath)

	assert.Len(t, fg.Started(), 2, "one session per alias")
	assertNoLeaks(t, fg)
	assert.Contains(t, env.sink.seen(), status.StateRunning)

	progress := env.orch.Progress()
	assert.False(t, progress.Running)
	assert.Equal(t, 4, progress.Total)
	assert.Equal(t, 4, progress.Diffed)
	assert.Zero(t, progress.Queued)
	assert.Zero(t, progress.Capturing)
	assert.Equal(t, "run-test", progress.RunID)
	assert.Equal(t, int64(2), progress.Counters.SessionsEnded)
}

type stubComparer struct {
	mu      sync.Mutex
	calls   int
	results func(call int) *imaging.DiffResult
}

func (s *stubComparer) Compare(actual, expected image.Image, _ int) *imaging.DiffResult {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	r := s.results(call)
	r.Actual = imaging.DimensionsOf(actual)
	if expected != nil {
		exp := imaging.DimensionsOf(expected)
		r.Expected = &exp
	}
	return r
}

func (s *stubComparer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func alwaysChanged(int) *imaging.DiffResult {
	return &imaging.DiffResult{ChangedPixelCount: 100, ChangedPixelFraction: 0.01, HasChanged: true}
}

func TestRetryLoopTerminatesAfterBudget(t *testing.T) {
	for maxRetries := 0; maxRetries <= 5; maxRetries++ {
		t.Run(fmt.Sprintf("max_retries_%d", maxRetries), func(t *testing.T) {
			stub := &stubComparer{results: alwaysChanged}
			fg := gridtest.New(2)
			env := newTestEnv(t, fg, grid.GatePolicy{}, func(o *Options) { o.Comparer = stub })
			env.putGolden(t, "golden/home.png", baseImage())

			item := NewWorkItem("/home", "https://site.test/home", chrome, FlakeConfig{
				MaxRetries:                     maxRetries,
				MaxChangedPixelFractionToRetry: 1,
			})
			item.GoldenPath = "golden/home.png"

			agg, err := env.orch.CaptureAll(context.Background(), env.rc, []*WorkItem{item})
			require.NoError(t, err)

			assert.Equal(t, maxRetries+1, stub.count())
			assert.Equal(t, maxRetries+1, item.Attempts())
			assert.Equal(t, maxRetries+1, item.RetryCount())
			assert.Equal(t, ClassChanged, item.Classification)
			assert.Equal(t, 1, agg.Counts().Changed)
			assertNoLeaks(t, fg)
		})
	}
}

func TestRetryLoopSkipsLargeChanges(t *testing.T) {
	stub := &stubComparer{results: func(int) *imaging.DiffResult {
		return &imaging.DiffResult{ChangedPixelCount: 5000, ChangedPixelFraction: 0.5, HasChanged: true}
	}}
	fg := gridtest.New(2)
	env := newTestEnv(t, fg, grid.GatePolicy{}, func(o *Options) { o.Comparer = stub })
	env.putGolden(t, "golden/home.png", baseImage())

	item := NewWorkItem("/home", "https://site.test/home", chrome, FlakeConfig{
		MaxRetries:                     5,
		MaxChangedPixelFractionToRetry: 0.1,
	})
	item.GoldenPath = "golden/home.png"

	_, err := env.orch.CaptureAll(context.Background(), env.rc, []*WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stub.count())
	assert.Equal(t, ClassChanged, item.Classification)
}

func TestRetryAcceptsStableCapture(t *testing.T) {
	stub := &stubComparer{results: func(call int) *imaging.DiffResult {
		if call == 1 {
			return alwaysChanged(call)
		}
		return &imaging.DiffResult{}
	}}
	fg := gridtest.New(2)
	env := newTestEnv(t, fg, grid.GatePolicy{}, func(o *Options) { o.Comparer = stub })
	env.putGolden(t, "golden/home.png", baseImage())

	item := NewWorkItem("/home", "https://site.test/home", chrome, FlakeConfig{
		MaxRetries:                     3,
		MaxChangedPixelFractionToRetry: 0.05,
		RetryDelay:                     time.Millisecond,
	})
	item.GoldenPath = "golden/home.png"

	_, err := env.orch.CaptureAll(context.Background(), env.rc, []*WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 2, stub.count())
	assert.Equal(t, 1, item.RetryCount())
	assert.Equal(t, ClassUnchanged, item.Classification)
	assert.Empty(t, item.DiffPath)
}

func TestRetryCaptureFailureKeepsPreviousDiff(t *testing.T) {
	var calls atomic.Int32
	changed := gridtest.EncodePNG(withChangedPixels(baseImage(), 50))
	fg := gridtest.New(2).WithCapture(func(_ context.Context, _, url string) ([]byte, error) {
		if calls.Add(1) == 1 {
			return changed, nil
		}
		return nil, fmt.Errorf("navigation to %s failed", url)
	})
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)
	env.putGolden(t, "golden/home.png", baseImage())

	item := NewWorkItem("/home", "https://site.test/home", chrome, FlakeConfig{
		MaxRetries:                     2,
		MaxChangedPixelFractionToRetry: 1,
		MinChangedPixelCount:           10,
	})
	item.GoldenPath = "golden/home.png"

	agg, err := env.orch.CaptureAll(context.Background(), env.rc, []*WorkItem{item})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StateDiffed, item.State())
	assert.Equal(t, ClassChanged, item.Classification)
	assert.NoError(t, item.Err)
	assert.True(t, shoterrors.IsCode(item.RetryErr, shoterrors.ErrCodeCaptureFailed))
	assert.Equal(t, 1, item.Attempts())
	require.NotNil(t, item.Diff)
	assert.Equal(t, 50, item.Diff.ChangedPixelCount)

	assert.Empty(t, agg.Failures)
	require.Len(t, agg.Changed, 1)
	result := agg.Changed[0]
	assert.Contains(t, result.RetryError, "navigation to https://site.test/home failed")
	require.NotEmpty(t, result.DiffPath)
	ok, err := env.store.Exists(context.Background(), result.DiffPath)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, status.StateFailed, agg.Outcome(nil))
	assertNoLeaks(t, fg)
}

func TestStoreFailureClearsArtifactPaths(t *testing.T) {
	fg := gridtest.New(2).WithCapture(servePages(map[string][]byte{
		"https://site.test/home": gridtest.EncodePNG(withChangedPixels(baseImage(), 50)),
	}))
	env := newTestEnv(t, fg, grid.GatePolicy{}, func(o *Options) {
		o.Storage = &failingDiffStore{MemoryStore: o.Storage.(*storage.MemoryStore)}
	})
	env.putGolden(t, "golden/home.png", baseImage())

	item := NewWorkItem("/home", "https://site.test/home", chrome, FlakeConfig{
		MaxRetries:                     2,
		MaxChangedPixelFractionToRetry: 1,
		MinChangedPixelCount:           10,
	})
	item.GoldenPath = "golden/home.png"

	agg, err := env.orch.CaptureAll(context.Background(), env.rc, []*WorkItem{item})
	require.NoError(t, err)

	require.Len(t, agg.Failures, 1)
	assert.Equal(t, string(shoterrors.ErrCodeStorageWrite), agg.Failures[0].ErrorCode)
	assert.Empty(t, item.ActualPath)
	assert.Empty(t, item.DiffPath)
	assertNoLeaks(t, fg)
}

// failingDiffStore rejects diff images and stores everything else.
type failingDiffStore struct {
	*storage.MemoryStore
}

func (s *failingDiffStore) WriteImage(ctx context.Context, path string, data []byte) error {
	if strings.HasSuffix(path, ".diff.png") {
		return shoterrors.New(shoterrors.ErrCodeStorageWrite, "disk full")
	}
	return s.MemoryStore.WriteImage(ctx, path, data)
}

func aliasItems(aliases []string, pages int) []*WorkItem {
	var items []*WorkItem
	for _, alias := range aliases {
		for p := 0; p < pages; p++ {
			items = append(items, NewWorkItem(fmt.Sprintf("/page-%d", p), fmt.Sprintf("https://site.test/page-%d", p), alias, noRetry()))
		}
	}
	return items
}

var manyAliases = []string{
	"desktop_windows_chrome@latest",
	"desktop_windows_firefox@latest",
	"desktop_windows_edge@latest",
	"desktop_mac_safari@latest",
	"desktop_mac_chrome@latest",
	"desktop_linux_firefox@latest",
}

func TestConcurrencyNeverExceedsAvailableSlots(t *testing.T) {
	fg := gridtest.New(4).
		WithScript(
			grid.CapacitySnapshot{Active: 0, Max: 4},
			grid.CapacitySnapshot{Active: 3, Max: 4},
			grid.CapacitySnapshot{Active: 4, Max: 4},
			grid.CapacitySnapshot{Active: 2, Max: 4},
			grid.CapacitySnapshot{Active: 0, Max: 6},
		).
		WithCapture(gridtest.Delayed(2*time.Millisecond, func(context.Context, string, string) ([]byte, error) {
			return gridtest.EncodePNG(baseImage()), nil
		}))
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)

	items := aliasItems(manyAliases, 2)
	agg, err := env.orch.CaptureAll(context.Background(), env.rc, items)
	require.NoError(t, err)

	assert.Empty(t, fg.Violations())
	assert.LessOrEqual(t, fg.Peak(), 3)
	assert.Equal(t, len(items), agg.Counts().Added)
	assert.Len(t, fg.Started(), len(manyAliases))
	assertNoLeaks(t, fg)
}

func TestConcurrencyHonorsParallelismCap(t *testing.T) {
	for _, parallelism := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("parallel_%d", parallelism), func(t *testing.T) {
			fg := gridtest.New(10).WithCapture(gridtest.Delayed(time.Millisecond, func(context.Context, string, string) ([]byte, error) {
				return gridtest.EncodePNG(baseImage()), nil
			}))
			env := newTestEnv(t, fg, grid.GatePolicy{Parallelism: parallelism}, nil)

			_, err := env.orch.CaptureAll(context.Background(), env.rc, aliasItems(manyAliases, 1))
			require.NoError(t, err)
			assert.LessOrEqual(t, fg.Peak(), parallelism)
			assert.Empty(t, fg.Violations())
			assertNoLeaks(t, fg)
		})
	}
}

func TestSessionStartRetriesRejections(t *testing.T) {
	fg := gridtest.New(2).RejectFirst(2)
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)

	agg, err := env.orch.CaptureAll(context.Background(), env.rc, aliasItems([]string{chrome}, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, fg.Acquires())
	assert.Equal(t, 2, agg.Counts().Added)
	assertNoLeaks(t, fg)
}

func TestSessionStartExhaustionIsFatal(t *testing.T) {
	fg := gridtest.New(2).RejectAll()
	env := newTestEnv(t, fg, grid.GatePolicy{Parallelism: 1, PollInterval: 5 * time.Millisecond, MaxWait: 30 * time.Millisecond}, nil)

	items := aliasItems([]string{chrome, firefox}, 2)
	agg, err := env.orch.CaptureAll(context.Background(), env.rc, items)
	require.Error(t, err)
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeCapacityTimeout))
	require.NotNil(t, agg)

	assert.Len(t, agg.Failures, len(items))
	for _, f := range agg.Failures {
		assert.Equal(t, string(shoterrors.ErrCodeCapacityTimeout), f.ErrorCode, f.Key())
	}
	assert.Empty(t, fg.Started())
	assert.Equal(t, status.StateError, agg.Outcome(err))
}

func TestCapacityTimeoutKeepsNothingRunning(t *testing.T) {
	fg := gridtest.New(4).WithExternal(4)
	env := newTestEnv(t, fg, grid.GatePolicy{PollInterval: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond}, nil)

	agg, err := env.orch.CaptureAll(context.Background(), env.rc, aliasItems([]string{chrome}, 3))
	require.Error(t, err)
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeCapacityTimeout))
	assert.Equal(t, 3, agg.Counts().Failed)
	assert.Zero(t, fg.Acquires())
}

func TestCaptureFailureDoesNotAbortSiblings(t *testing.T) {
	pages := map[string][]byte{
		"https://site.test/page-0": gridtest.EncodePNG(baseImage()),
		"https://site.test/page-2": gridtest.EncodePNG(baseImage()),
	}
	fg := gridtest.New(2).WithCapture(servePages(pages))
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)

	items := aliasItems([]string{chrome}, 3)
	agg, err := env.orch.CaptureAll(context.Background(), env.rc, items)
	require.NoError(t, err)

	assert.Equal(t, 2, agg.Counts().Added)
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, "/page-1", agg.Failures[0].PageID)
	assert.Equal(t, string(shoterrors.ErrCodeCaptureFailed), agg.Failures[0].ErrorCode)
	assert.Equal(t, StateRunning, items[1].State())
	assert.Equal(t, StateDiffed, items[2].State())
	assert.Equal(t, status.StateFailed, agg.Outcome(nil))
	assertNoLeaks(t, fg)
}

func TestInvalidAliasFailsOnlyItsGroup(t *testing.T) {
	fg := gridtest.New(2)
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)

	items := append(aliasItems([]string{"bogus"}, 1), aliasItems([]string{chrome}, 1)...)
	agg, err := env.orch.CaptureAll(context.Background(), env.rc, items)
	require.NoError(t, err)
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, string(shoterrors.ErrCodeInvalidInput), agg.Failures[0].ErrorCode)
	assert.Equal(t, 1, agg.Counts().Added)
	assertNoLeaks(t, fg)
}

func TestKillBeforeStartInterruptsEverything(t *testing.T) {
	fg := gridtest.New(4)
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)
	env.rc.RequestKill("test")

	items := aliasItems([]string{chrome, firefox}, 2)
	agg, err := env.orch.CaptureAll(context.Background(), env.rc, items)
	require.NoError(t, err)
	assert.True(t, agg.Interrupted)
	assert.Len(t, agg.Failures, len(items))
	for _, f := range agg.Failures {
		assert.Equal(t, string(shoterrors.ErrCodeRunInterrupted), f.ErrorCode)
	}
	assert.Zero(t, fg.Acquires())
	assert.Equal(t, status.StateError, agg.Outcome(nil))
}

func TestKillMidRunFinishesInFlightCapture(t *testing.T) {
	fg := gridtest.New(2)
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)
	var once sync.Once
	fg.WithCapture(func(context.Context, string, string) ([]byte, error) {
		once.Do(func() { env.rc.RequestKill("sigint") })
		return gridtest.EncodePNG(baseImage()), nil
	})

	items := aliasItems([]string{chrome}, 3)
	agg, err := env.orch.CaptureAll(context.Background(), env.rc, items)
	require.NoError(t, err)

	assert.Equal(t, StateDiffed, items[0].State())
	assert.Equal(t, ClassAdded, items[0].Classification)
	for _, item := range items[1:] {
		assert.True(t, shoterrors.IsCode(item.Err, shoterrors.ErrCodeRunInterrupted))
	}
	assert.True(t, agg.Interrupted)
	assert.Equal(t, "sigint", env.rc.KillReason())
	assertNoLeaks(t, fg)
}

type panickingComparer struct{}

func (panickingComparer) Compare(image.Image, image.Image, int) *imaging.DiffResult {
	panic("differ exploded")
}

func TestPanicInSessionRequestsKillAndQuits(t *testing.T) {
	fg := gridtest.New(2)
	env := newTestEnv(t, fg, grid.GatePolicy{}, func(o *Options) { o.Comparer = panickingComparer{} })

	items := aliasItems([]string{chrome}, 2)
	agg, err := env.orch.CaptureAll(context.Background(), env.rc, items)
	require.NoError(t, err)

	assert.True(t, env.rc.KillRequested())
	require.Len(t, agg.Failures, 2)
	for _, f := range agg.Failures {
		assert.Equal(t, string(shoterrors.ErrCodeInternal), f.ErrorCode)
		assert.True(t, strings.Contains(f.Error, "differ exploded"))
	}
	assertNoLeaks(t, fg)
}

func TestPreclassifiedItemsBypassSessions(t *testing.T) {
	fg := gridtest.New(2)
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)

	skipped := NewWorkItem("/blog", "https://site.test/blog", chrome, noRetry())
	skipped.Preclassified = ClassSkipped
	removed := NewWorkItem("/old", "", firefox, noRetry())
	removed.Preclassified = ClassRemoved
	removed.GoldenPath = "golden/old.png"

	agg, err := env.orch.CaptureAll(context.Background(), env.rc, []*WorkItem{skipped, removed})
	require.NoError(t, err)
	assert.Equal(t, Counts{Skipped: 1, Removed: 1}, agg.Counts())
	assert.Equal(t, "golden/old.png", agg.Removed[0].GoldenPath)
	assert.Zero(t, fg.Acquires())
	assert.Equal(t, StateQueued, skipped.State())
}

func TestCropIsAppliedWhenEnabled(t *testing.T) {
	raw := gridtest.SolidImage(200, 200, imaging.TrimColor)
	for y := 4; y < 196; y++ {
		for x := 4; x < 196; x++ {
			raw.SetRGBA(x, y, baseColor)
		}
	}
	fg := gridtest.New(2).WithCapture(func(context.Context, string, string) ([]byte, error) {
		return gridtest.EncodePNG(raw), nil
	})
	env := newTestEnv(t, fg, grid.GatePolicy{}, func(o *Options) { o.CropEnabled = true })

	item := NewWorkItem("/home", "https://site.test/home", chrome, noRetry())
	_, err := env.orch.CaptureAll(context.Background(), env.rc, []*WorkItem{item})
	require.NoError(t, err)
	require.NotNil(t, item.Diff)
	assert.Equal(t, imaging.Dimensions{Width: 192, Height: 192}, item.Diff.Actual)
}

func TestCanceledContextEndsRunAndQuitsSessions(t *testing.T) {
	release := make(chan struct{})
	fg := gridtest.New(2).WithCapture(gridtest.Blocking(release, func(context.Context, string, string) ([]byte, error) {
		return gridtest.EncodePNG(baseImage()), nil
	}))
	env := newTestEnv(t, fg, grid.GatePolicy{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for fg.Acquires() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	agg, err := env.orch.CaptureAll(ctx, env.rc, aliasItems([]string{chrome}, 2))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, agg.Counts().Failed)
	assertNoLeaks(t, fg)
}
