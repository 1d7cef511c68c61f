package tracker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/browser"
	"github.com/tabtime/tabtime/internal/domain"
	"github.com/tabtime/tabtime/internal/limits"
	"github.com/tabtime/tabtime/internal/session"
	"github.com/tabtime/tabtime/internal/storage"
	"github.com/tabtime/tabtime/internal/storage/memory"
)

type siteState struct {
	site    string
	limit   int
	used    int
	enabled bool
}

type limitsState struct {
	enabled bool
	global  *int
	used    int
	sites   []siteState
}

func (s limitsState) build() *storage.LimitState {
	out := &storage.LimitState{
		Enabled:          s.enabled,
		GlobalDailyLimit: s.global,
		GlobalUsed:       s.used,
	}
	for _, site := range s.sites {
		out.SiteLimits = append(out.SiteLimits, storage.SiteLimit{
			Site:    site.site,
			Limit:   site.limit,
			Used:    site.used,
			Enabled: site.enabled,
		})
	}
	return out
}

type navigation struct {
	tabID int
	url   string
}

// fakeBrowser implements browser.TabAPI and browser.Notifier in memory.
type fakeBrowser struct {
	mu            sync.Mutex
	tabs          map[int]browser.Tab
	err           error
	navigations   []navigation
	notifications []browser.Notification
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{tabs: make(map[int]browser.Tab)}
}

func (f *fakeBrowser) setTab(tab browser.Tab) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tabs[tab.ID] = tab
}

func (f *fakeBrowser) removeTab(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tabs, id)
}

func (f *fakeBrowser) Get(ctx context.Context, tabID int) (*browser.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tab, ok := f.tabs[tabID]
	if !ok {
		return nil, browser.ErrTabNotFound
	}
	return &tab, nil
}

func (f *fakeBrowser) Query(ctx context.Context) ([]browser.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]browser.Tab, 0, len(f.tabs))
	for _, tab := range f.tabs {
		out = append(out, tab)
	}
	return out, nil
}

func (f *fakeBrowser) Navigate(ctx context.Context, tabID int, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.navigations = append(f.navigations, navigation{tabID: tabID, url: url})
	if tab, ok := f.tabs[tabID]; ok {
		tab.URL = url
		f.tabs[tabID] = tab
	}
	return nil
}

func (f *fakeBrowser) Notify(ctx context.Context, n browser.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notifications = append(f.notifications, n)
	return nil
}

type harness struct {
	reconciler *Reconciler
	registry   *session.Registry
	limits     *limits.Store
	clock      *TestClock
	fake       *fakeBrowser
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithBlockPage(t, "http://127.0.0.1:7788/blocked")
}

func newHarnessWithBlockPage(t *testing.T, blockPageURL string) *harness {
	t.Helper()

	state := memory.Open().State()
	normalizer := domain.NewNormalizer()
	registry := session.NewRegistry(state, zerolog.Nop())

	limitStore, err := limits.NewStore(context.Background(), state, normalizer, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("new limit store: %v", err)
	}

	fake := newFakeBrowser()
	clock := &TestClock{CurrentTime: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	dispatcher := NewDispatcher(fake, fake, blockPageURL, normalizer, zerolog.Nop())
	reconciler := NewReconciler(registry, limitStore, fake, dispatcher, normalizer, clock, Config{
		Interval:     time.Minute,
		ProbeTimeout: time.Second,
	}, zerolog.Nop())

	return &harness{
		reconciler: reconciler,
		registry:   registry,
		limits:     limitStore,
		clock:      clock,
		fake:       fake,
	}
}

func (h *harness) openTab(ctx context.Context, tabID int, url string) {
	h.fake.setTab(browser.Tab{ID: tabID, URL: url, Active: true})
	h.registry.Upsert(ctx, tabID, domain.NewNormalizer().Normalize(url), h.clock.Now())
}

func TestReconcileAccountsWholeMinutes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 60
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}
	if _, err := h.limits.AddSiteLimit(ctx, "example.com", 30); err != nil {
		t.Fatalf("add site limit: %v", err)
	}

	start := h.clock.Now()
	h.openTab(ctx, 1, "https://www.example.com/page")

	h.clock.Advance(2*time.Minute + 30*time.Second)
	h.reconciler.Reconcile(ctx)

	snap := h.limits.Snapshot()
	if snap.GlobalUsed != 2 {
		t.Errorf("global used = %d, want 2", snap.GlobalUsed)
	}
	if snap.SiteLimits[0].Used != 2 {
		t.Errorf("site used = %d, want 2", snap.SiteLimits[0].Used)
	}

	// The 30s remainder stays in the session.
	sess := h.registry.Snapshot()[1]
	if want := start.Add(2 * time.Minute); !sess.StartTime.Equal(want) {
		t.Errorf("startTime = %v, want %v", sess.StartTime, want)
	}

	// Another 40 seconds completes the carried minute.
	h.clock.Advance(40 * time.Second)
	h.reconciler.Reconcile(ctx)

	if got := h.limits.Snapshot().GlobalUsed; got != 3 {
		t.Errorf("global used after remainder = %d, want 3", got)
	}
}

func TestReconcileSubMinuteLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 60
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}

	start := h.clock.Now()
	h.openTab(ctx, 1, "https://example.com")

	h.clock.Advance(45 * time.Second)
	h.reconciler.Reconcile(ctx)

	if got := h.limits.Snapshot().GlobalUsed; got != 0 {
		t.Errorf("global used = %d, want 0", got)
	}
	if sess := h.registry.Snapshot()[1]; !sess.StartTime.Equal(start) {
		t.Errorf("sub-minute pass moved startTime to %v", sess.StartTime)
	}
}

func TestReconcileRemovesGoneTab(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.openTab(ctx, 1, "https://example.com")
	h.fake.removeTab(1)

	h.clock.Advance(2 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if got := h.registry.Len(); got != 0 {
		t.Errorf("gone tab still tracked: %d sessions", got)
	}
	if got := h.limits.Snapshot().GlobalUsed; got != 0 {
		t.Errorf("gone tab accounted usage: %d", got)
	}
}

func TestReconcileKeepsSessionWhenBrowserUnreachable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 60
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}

	start := h.clock.Now()
	h.openTab(ctx, 1, "https://example.com")
	h.fake.err = browser.ErrNotConnected

	h.clock.Advance(3 * time.Minute)
	h.reconciler.Reconcile(ctx)

	sess, ok := h.registry.Snapshot()[1]
	if !ok {
		t.Fatal("session dropped on transient probe failure")
	}
	if !sess.StartTime.Equal(start) {
		t.Errorf("startTime moved during outage: %v", sess.StartTime)
	}

	// Reconnect: the elapsed time settles on the next pass.
	h.fake.err = nil
	h.reconciler.Reconcile(ctx)
	if got := h.limits.Snapshot().GlobalUsed; got != 3 {
		t.Errorf("global used after reconnect = %d, want 3", got)
	}
}

func TestReconcileRemovesUntrackableTab(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.openTab(ctx, 1, "https://example.com")
	h.fake.setTab(browser.Tab{ID: 1, URL: "chrome://settings"})

	h.clock.Advance(2 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if got := h.registry.Len(); got != 0 {
		t.Errorf("untrackable tab still tracked: %d sessions", got)
	}
}

func TestReconcileRestartsClockOnMissedNavigation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.openTab(ctx, 1, "https://example.com")
	h.fake.setTab(browser.Tab{ID: 1, URL: "https://other.org"})

	h.clock.Advance(5 * time.Minute)
	h.reconciler.Reconcile(ctx)

	sess := h.registry.Snapshot()[1]
	if sess.Hostname != "other.org" {
		t.Fatalf("hostname = %q, want other.org", sess.Hostname)
	}
	if !sess.StartTime.Equal(h.clock.Now()) {
		t.Errorf("clock not restarted on hostname change: %v", sess.StartTime)
	}
	if got := h.limits.Snapshot().GlobalUsed; got != 0 {
		t.Errorf("stale hostname accounted usage: %d", got)
	}
}

func TestReconcileSkipsOverlappingPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 60
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}
	h.openTab(ctx, 1, "https://example.com")
	h.clock.Advance(2 * time.Minute)

	h.reconciler.running.Store(true)
	h.reconciler.Reconcile(ctx)
	if got := h.limits.Snapshot().GlobalUsed; got != 0 {
		t.Errorf("overlapping tick accounted usage: %d", got)
	}

	h.reconciler.running.Store(false)
	h.reconciler.Reconcile(ctx)
	if got := h.limits.Snapshot().GlobalUsed; got != 2 {
		t.Errorf("global used = %d, want 2", got)
	}
}

func TestGlobalBreachNotifiesAndRedirects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 2
	message := "no more browsing today"
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, &message); err != nil {
		t.Fatalf("update global limit: %v", err)
	}

	h.openTab(ctx, 1, "https://example.com")
	h.fake.setTab(browser.Tab{ID: 2, URL: "chrome://settings"})

	h.clock.Advance(3 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if len(h.fake.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(h.fake.notifications))
	}
	if h.fake.notifications[0].Message != message {
		t.Errorf("notification message = %q, want %q", h.fake.notifications[0].Message, message)
	}

	if len(h.fake.navigations) != 1 {
		t.Fatalf("expected redirect of the one trackable tab, got %d navigations", len(h.fake.navigations))
	}
	nav := h.fake.navigations[0]
	if nav.tabID != 1 {
		t.Errorf("redirected tab %d, want 1", nav.tabID)
	}
	if !strings.Contains(nav.url, "reason=time_limit") {
		t.Errorf("block page URL missing reason parameter: %q", nav.url)
	}
}

func TestSiteBreachNotifiesWithoutRedirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.limits.AddSiteLimit(ctx, "example.com", 2); err != nil {
		t.Fatalf("add site limit: %v", err)
	}

	h.openTab(ctx, 1, "https://example.com")
	h.clock.Advance(3 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if len(h.fake.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(h.fake.notifications))
	}
	if !strings.HasPrefix(h.fake.notifications[0].Message, "example.com:") {
		t.Errorf("site notification not prefixed with site: %q", h.fake.notifications[0].Message)
	}
	if len(h.fake.navigations) != 0 {
		t.Errorf("site breach must not redirect, got %d navigations", len(h.fake.navigations))
	}
}

func TestGlobalBreachSuppressesSiteIntervention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 2
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}
	if _, err := h.limits.AddSiteLimit(ctx, "example.com", 1); err != nil {
		t.Fatalf("add site limit: %v", err)
	}

	h.openTab(ctx, 1, "https://example.com")
	h.clock.Advance(5 * time.Minute)
	h.reconciler.Reconcile(ctx)

	// Both limits are breached; only the global intervention fires.
	if len(h.fake.notifications) != 1 {
		t.Fatalf("expected exactly 1 notification, got %d", len(h.fake.notifications))
	}
	if h.fake.notifications[0].Title != "Daily Time Limit Reached" {
		t.Errorf("expected the global notification, got %q", h.fake.notifications[0].Title)
	}
}

func TestNoInterventionWithoutNewUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 2
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}
	h.openTab(ctx, 1, "https://example.com")
	h.clock.Advance(3 * time.Minute)
	h.reconciler.Reconcile(ctx)

	before := len(h.fake.notifications)

	// The redirected tab now sits on the block page, where no time is
	// accounted, so an idle pass applies nothing and must not re-fire.
	h.clock.Advance(5 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if got := len(h.fake.notifications); got != before {
		t.Errorf("idle pass dispatched %d extra notifications", got-before)
	}
}

func TestGlobalBreachInterventionRepeatsWithNewUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 2
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}

	h.openTab(ctx, 1, "https://example.com")
	h.clock.Advance(3 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if len(h.fake.navigations) != 1 {
		t.Fatalf("expected 1 navigation after first breach, got %d", len(h.fake.navigations))
	}

	// Browsing continues in a tab opened after the breach: the global
	// counter keeps growing past the limit, evaluation runs again and the
	// new tab is redirected too.
	h.openTab(ctx, 2, "https://other.org")
	h.clock.Advance(13 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if got := h.limits.Snapshot().GlobalUsed; got != 16 {
		t.Errorf("global used = %d, want 16", got)
	}
	if len(h.fake.notifications) != 2 {
		t.Errorf("expected a second notification, got %d", len(h.fake.notifications))
	}
	if len(h.fake.navigations) != 2 {
		t.Fatalf("expected the new tab to be redirected, got %d navigations", len(h.fake.navigations))
	}
	if got := h.fake.navigations[1].tabID; got != 2 {
		t.Errorf("redirected tab %d, want 2", got)
	}
}

func TestBlockPageHostNeverAccrues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 2
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}

	h.openTab(ctx, 1, "https://example.com")
	h.clock.Advance(3 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if len(h.fake.navigations) != 1 {
		t.Fatalf("expected 1 navigation, got %d", len(h.fake.navigations))
	}

	// The redirected tab is parked on the block page: it is dropped from
	// tracking, accrues no minutes, and is never redirected again.
	h.clock.Advance(10 * time.Minute)
	h.reconciler.Reconcile(ctx)

	if got := h.registry.Len(); got != 0 {
		t.Errorf("block page tab still tracked: %d sessions", got)
	}
	if got := h.limits.Snapshot().GlobalUsed; got != 3 {
		t.Errorf("block page accrued usage: global used = %d, want 3", got)
	}
	if len(h.fake.navigations) != 1 {
		t.Errorf("block page tab redirected again: %d navigations", len(h.fake.navigations))
	}
}

func TestReconcileRunsRolloverFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	limit := 60
	if err := h.limits.UpdateGlobalLimit(ctx, &limit, nil); err != nil {
		t.Fatalf("update global limit: %v", err)
	}
	if _, err := h.limits.RolloverIfNewDay(ctx, h.clock.Now()); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if _, err := h.limits.ApplyUsage(ctx, h.clock.Now(), 50, nil); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	h.openTab(ctx, 1, "https://example.com")

	// Cross midnight: yesterday's counters reset before new minutes apply.
	h.clock.Advance(15 * time.Hour)
	h.reconciler.Reconcile(ctx)

	snap := h.limits.Snapshot()
	if snap.LastResetDate != "2026-08-29" {
		t.Errorf("rollover date = %q, want 2026-08-29", snap.LastResetDate)
	}
	if snap.GlobalUsed != 900 {
		// The 15 hours on the open tab land after the reset, unclamped.
		t.Errorf("global used = %d, want 900", snap.GlobalUsed)
	}
}

func TestEvaluate(t *testing.T) {
	intp := func(v int) *int { return &v }

	tests := []struct {
		name       string
		state      limitsState
		wantGlobal bool
		wantSite   string
		wantNil    bool
	}{
		{
			name:    "no limits configured",
			state:   limitsState{},
			wantNil: true,
		},
		{
			name:       "global breached",
			state:      limitsState{enabled: true, global: intp(60), used: 60},
			wantGlobal: true,
		},
		{
			name:    "global under limit",
			state:   limitsState{enabled: true, global: intp(60), used: 59},
			wantNil: true,
		},
		{
			name:    "global breached but restrictions disabled",
			state:   limitsState{enabled: false, global: intp(60), used: 120},
			wantNil: true,
		},
		{
			name:     "site breached",
			state:    limitsState{sites: []siteState{{"example.com", 30, 30, true}}},
			wantSite: "example.com",
		},
		{
			name:    "site breached but disabled",
			state:   limitsState{sites: []siteState{{"example.com", 30, 30, false}}},
			wantNil: true,
		},
		{
			name: "global wins over site",
			state: limitsState{
				enabled: true, global: intp(60), used: 60,
				sites: []siteState{{"example.com", 30, 30, true}},
			},
			wantGlobal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breach := Evaluate(tt.state.build())
			if tt.wantNil {
				if breach != nil {
					t.Fatalf("expected no breach, got %+v", breach)
				}
				return
			}
			if breach == nil {
				t.Fatal("expected a breach, got nil")
			}
			if breach.Global != tt.wantGlobal {
				t.Errorf("Global = %v, want %v", breach.Global, tt.wantGlobal)
			}
			if breach.Site != tt.wantSite {
				t.Errorf("Site = %q, want %q", breach.Site, tt.wantSite)
			}
		})
	}
}
