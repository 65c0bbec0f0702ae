package fanout_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-registry/internal/fanout"
	"github.com/tinywideclouds/go-push-registry/internal/storage/memory"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// --- Fakes ---

type fakeAdapter struct {
	provider dispatch.Provider
	outcome  func(ctx context.Context, rec dispatch.DeviceTokenRecord) dispatch.DispatchResult

	mu    sync.Mutex
	calls []string
}

func (f *fakeAdapter) Provider() dispatch.Provider { return f.provider }

func (f *fakeAdapter) Deliver(ctx context.Context, rec dispatch.DeviceTokenRecord, _ dispatch.Message) dispatch.DispatchResult {
	f.mu.Lock()
	f.calls = append(f.calls, rec.Token)
	f.mu.Unlock()
	if f.outcome == nil {
		return dispatch.Delivered(rec.Token, "ok")
	}
	return f.outcome(ctx, rec)
}

func (f *fakeAdapter) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Register(ctx context.Context, userID string, rec dispatch.DeviceTokenRecord) (dispatch.RegisterResult, error) {
	args := m.Called(ctx, userID, rec)
	return args.Get(0).(dispatch.RegisterResult), args.Error(1)
}
func (m *MockStore) Load(ctx context.Context, userID string) ([]dispatch.DeviceTokenRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dispatch.DeviceTokenRecord), args.Error(1)
}
func (m *MockStore) Prune(ctx context.Context, userID string, tokens []string) error {
	return m.Called(ctx, userID, tokens).Error(0)
}
func (m *MockStore) Scan(ctx context.Context, after string, limit int) ([]dispatch.UserTokenDocument, string, error) {
	args := m.Called(ctx, after, limit)
	return args.Get(0).([]dispatch.UserTokenDocument), args.String(1), args.Error(2)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fcmRecord(token string) dispatch.DeviceTokenRecord {
	return dispatch.DeviceTokenRecord{Token: token, Provider: dispatch.ProviderFCM, Platform: dispatch.PlatformAndroid}
}

func expoRecord(token string) dispatch.DeviceTokenRecord {
	return dispatch.DeviceTokenRecord{Token: token, Provider: dispatch.ProviderExpo, Platform: dispatch.PlatformIOS}
}

func adapters(list ...*fakeAdapter) map[dispatch.Provider]dispatch.Adapter {
	m := make(map[dispatch.Provider]dispatch.Adapter, len(list))
	for _, a := range list {
		m[a.provider] = a
	}
	return m
}

var hello = dispatch.Message{Title: "Hi", Body: "Body"}

// --- Tests ---

func TestNotify_ResolvesOnlyRecipientsWithTokens(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.Register(ctx, "two@x.com", fcmRecord("t1"))
	require.NoError(t, err)
	_, err = store.Register(ctx, "two@x.com", fcmRecord("t2"))
	require.NoError(t, err)

	fcm := &fakeAdapter{provider: dispatch.ProviderFCM}
	d := fanout.NewDispatcher(store, adapters(fcm), fanout.Config{}, newTestLogger())

	report, err := d.Notify(ctx, []string{"empty@x.com", "two@x.com", " two@X.com "}, hello)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Stats.RequestedRecipients)
	assert.Equal(t, 2, report.Stats.ResolvedTokens)
	assert.Equal(t, 2, report.Stats.SuccessCount)
	assert.Equal(t, []string{"t1", "t2"}, fcm.delivered())
}

func TestNotify_EmptyResolutionIsNotAnError(t *testing.T) {
	d := fanout.NewDispatcher(memory.NewStore(), adapters(&fakeAdapter{provider: dispatch.ProviderFCM}), fanout.Config{}, newTestLogger())

	report, err := d.Notify(context.Background(), []string{"nobody@x.com"}, hello)

	require.NoError(t, err)
	assert.Zero(t, report.Stats.ResolvedTokens)
	assert.Zero(t, report.Stats.SuccessCount)
	assert.Zero(t, report.Stats.FailureCount)
	assert.Empty(t, report.Stats.PrunedTokens)
}

func TestNotify_PrunesUnregisteredKeepsDelivered(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.Register(ctx, "owner@x.com", fcmRecord("A"))
	require.NoError(t, err)
	_, err = store.Register(ctx, "owner@x.com", fcmRecord("B"))
	require.NoError(t, err)

	fcm := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: func(_ context.Context, rec dispatch.DeviceTokenRecord) dispatch.DispatchResult {
		if rec.Token == "A" {
			return dispatch.Failed(rec.Token, dispatch.ErrorUnregistered, "UNREGISTERED", errors.New("gone"))
		}
		return dispatch.Delivered(rec.Token, "ok")
	}}
	d := fanout.NewDispatcher(store, adapters(fcm), fanout.Config{}, newTestLogger())

	report, err := d.Notify(ctx, []string{"owner@x.com"}, hello)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.SuccessCount)
	assert.Equal(t, 1, report.Stats.FailureCount)
	assert.Equal(t, []string{"A"}, report.Stats.PrunedTokens)
	assert.Equal(t, []string{"A"}, report.InvalidTokens)

	remaining, err := store.Load(ctx, "owner@x.com")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "B", remaining[0].Token)
}

func TestNotify_TimeoutIsTransientAndNotPruned(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.Register(ctx, "slow@x.com", fcmRecord("C"))
	require.NoError(t, err)
	_, err = store.Register(ctx, "slow@x.com", fcmRecord("D"))
	require.NoError(t, err)

	fcm := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: func(ctx context.Context, rec dispatch.DeviceTokenRecord) dispatch.DispatchResult {
		if rec.Token == "C" {
			<-ctx.Done()
			return dispatch.Failed(rec.Token, dispatch.ErrorUnknown, "cancelled", ctx.Err())
		}
		return dispatch.Delivered(rec.Token, "ok")
	}}
	d := fanout.NewDispatcher(store, adapters(fcm), fanout.Config{CallTimeout: 50 * time.Millisecond}, newTestLogger())

	report, err := d.Notify(ctx, []string{"slow@x.com"}, hello)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.SuccessCount, "sibling delivery must not be blocked")
	assert.Equal(t, 1, report.Stats.FailureCount)
	assert.Empty(t, report.Stats.PrunedTokens)
	for _, res := range report.Results {
		if res.Token == "C" {
			assert.Equal(t, dispatch.ErrorTransient, res.ErrorKind)
		}
	}

	again, err := d.Notify(ctx, []string{"slow@x.com"}, hello)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Stats.ResolvedTokens, "transient token must still resolve")
}

func TestNotify_ExpoScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	res, err := store.Register(ctx, "a@x.com", expoRecord("ExponentPushToken[abc123]"))
	require.NoError(t, err)
	assert.False(t, res.Updated)
	res, err = store.Register(ctx, "a@x.com", expoRecord("ExponentPushToken[abc123]"))
	require.NoError(t, err)
	assert.True(t, res.Updated)

	expo := &fakeAdapter{provider: dispatch.ProviderExpo}
	d := fanout.NewDispatcher(store, adapters(expo), fanout.Config{}, newTestLogger())

	report, err := d.Notify(ctx, []string{"a@x.com"}, hello)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.SuccessCount)
	assert.Equal(t, 0, report.Stats.FailureCount)
}

func TestResolver_FiltersAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	shared := fcmRecord("shared-token")
	store.On("Load", mock.Anything, "u1@x.com").Return([]dispatch.DeviceTokenRecord{
		shared,
		fcmRecord("ExponentPushToken[misfiled]"),
		{Token: "apns-token", Provider: dispatch.ProviderAPNS, Platform: dispatch.PlatformIOS},
	}, nil)
	store.On("Load", mock.Anything, "u2@x.com").Return([]dispatch.DeviceTokenRecord{shared}, nil)
	store.On("Load", mock.Anything, "broken@x.com").Return(nil, errors.New("corrupt token document"))

	resolver := fanout.NewResolver(store, adapters(&fakeAdapter{provider: dispatch.ProviderFCM}), newTestLogger())

	res, err := resolver.Resolve(ctx, []string{"u1@x.com", "broken@x.com", "u2@x.com"})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Recipients)
	require.Len(t, res.Targets, 1, "expo-shaped fcm token and unconfigured apns must be discarded")
	assert.Equal(t, "shared-token", res.Targets[0].Record.Token)
	assert.Equal(t, []string{"u1@x.com", "u2@x.com"}, res.Targets[0].Owners)
}

func TestNotify_DuplicateTokenDeliveredOncePrunedForEveryOwner(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	store.On("Load", mock.Anything, "u1@x.com").Return([]dispatch.DeviceTokenRecord{fcmRecord("dup")}, nil)
	store.On("Load", mock.Anything, "u2@x.com").Return([]dispatch.DeviceTokenRecord{fcmRecord("dup")}, nil)
	store.On("Prune", mock.Anything, "u1@x.com", []string{"dup"}).Return(nil).Once()
	store.On("Prune", mock.Anything, "u2@x.com", []string{"dup"}).Return(nil).Once()

	fcm := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: func(_ context.Context, rec dispatch.DeviceTokenRecord) dispatch.DispatchResult {
		return dispatch.Failed(rec.Token, dispatch.ErrorInvalidArgument, "INVALID_ARGUMENT", errors.New("bad"))
	}}
	d := fanout.NewDispatcher(store, adapters(fcm), fanout.Config{}, newTestLogger())

	report, err := d.Notify(ctx, []string{"u1@x.com", "u2@x.com"}, hello)

	require.NoError(t, err)
	assert.Equal(t, []string{"dup"}, fcm.delivered())
	assert.Equal(t, []string{"dup"}, report.Stats.PrunedTokens)
	store.AssertExpectations(t)
}

func TestNotify_PruneFailureDoesNotFailCall(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	store.On("Load", mock.Anything, "u@x.com").Return([]dispatch.DeviceTokenRecord{fcmRecord("dead")}, nil)
	store.On("Prune", mock.Anything, "u@x.com", []string{"dead"}).Return(errors.New("write conflict"))

	fcm := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: func(_ context.Context, rec dispatch.DeviceTokenRecord) dispatch.DispatchResult {
		return dispatch.Failed(rec.Token, dispatch.ErrorUnregistered, "UNREGISTERED", errors.New("gone"))
	}}
	d := fanout.NewDispatcher(store, adapters(fcm), fanout.Config{}, newTestLogger())

	report, err := d.Notify(ctx, []string{"u@x.com"}, hello)

	require.NoError(t, err)
	assert.Empty(t, report.Stats.PrunedTokens)
	assert.Equal(t, []string{"dead"}, report.InvalidTokens)
}

func TestNotify_StoreUnavailableAborts(t *testing.T) {
	store := new(MockStore)
	store.On("Load", mock.Anything, mock.Anything).Return(nil, dispatch.ErrStoreUnavailable)

	d := fanout.NewDispatcher(store, adapters(&fakeAdapter{provider: dispatch.ProviderFCM}), fanout.Config{}, newTestLogger())

	_, err := d.Notify(context.Background(), []string{"u@x.com"}, hello)

	assert.ErrorIs(t, err, dispatch.ErrStoreUnavailable)
}

func TestNotify_CredentialFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.Register(ctx, "u@x.com", fcmRecord("t1"))
	require.NoError(t, err)
	_, err = store.Register(ctx, "u@x.com", expoRecord("ExponentPushToken[t2]"))
	require.NoError(t, err)

	noCreds := func(_ context.Context, rec dispatch.DeviceTokenRecord) dispatch.DispatchResult {
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "credentials unavailable", dispatch.ErrProviderCredentials)
	}

	t.Run("Nothing delivered", func(t *testing.T) {
		fcm := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: noCreds}
		expo := &fakeAdapter{provider: dispatch.ProviderExpo, outcome: noCreds}
		d := fanout.NewDispatcher(store, adapters(fcm, expo), fanout.Config{}, newTestLogger())

		report, err := d.Notify(ctx, []string{"u@x.com"}, hello)

		assert.ErrorIs(t, err, dispatch.ErrProviderCredentials)
		assert.Equal(t, 2, report.Stats.FailureCount)
	})

	t.Run("Partial delivery is still a success", func(t *testing.T) {
		fcm := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: noCreds}
		expo := &fakeAdapter{provider: dispatch.ProviderExpo}
		d := fanout.NewDispatcher(store, adapters(fcm, expo), fanout.Config{}, newTestLogger())

		report, err := d.Notify(ctx, []string{"u@x.com"}, hello)

		require.NoError(t, err)
		assert.Equal(t, 1, report.Stats.SuccessCount)
	})
}

func TestNotify_AdapterPanicIsContained(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.Register(ctx, "u@x.com", fcmRecord("boom"))
	require.NoError(t, err)
	_, err = store.Register(ctx, "u@x.com", expoRecord("ExponentPushToken[fine]"))
	require.NoError(t, err)

	fcm := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: func(context.Context, dispatch.DeviceTokenRecord) dispatch.DispatchResult {
		panic("nil map")
	}}
	expo := &fakeAdapter{provider: dispatch.ProviderExpo}
	d := fanout.NewDispatcher(store, adapters(fcm, expo), fanout.Config{}, newTestLogger())

	report, err := d.Notify(ctx, []string{"u@x.com"}, hello)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.SuccessCount)
	assert.Equal(t, 1, report.Stats.FailureCount)
	assert.Empty(t, report.Stats.PrunedTokens)
}

func TestSend_DirectNeverPrunes(t *testing.T) {
	store := new(MockStore)
	fcm := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: func(_ context.Context, rec dispatch.DeviceTokenRecord) dispatch.DispatchResult {
		return dispatch.Failed(rec.Token, dispatch.ErrorUnregistered, "UNREGISTERED", errors.New("gone"))
	}}
	d := fanout.NewDispatcher(store, adapters(fcm), fanout.Config{}, newTestLogger())

	report, err := d.Send(context.Background(), fcmRecord("direct"), hello)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.FailureCount)
	assert.Equal(t, []string{"direct"}, report.InvalidTokens)
	store.AssertNotCalled(t, "Prune", mock.Anything, mock.Anything, mock.Anything)
}

func TestBroadcast_PagesThroughEveryDocumentOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	users := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"}
	for _, u := range users {
		_, err := store.Register(ctx, u, fcmRecord("tok-"+u))
		require.NoError(t, err)
	}
	// A user whose only token was pruned still has a document, but nothing to deliver.
	_, err := store.Register(ctx, "f@x.com", fcmRecord("tok-f"))
	require.NoError(t, err)
	require.NoError(t, store.Prune(ctx, "f@x.com", []string{"tok-f"}))

	fcm := &fakeAdapter{provider: dispatch.ProviderFCM}
	d := fanout.NewDispatcher(store, adapters(fcm), fanout.Config{}, newTestLogger())

	stats, err := d.Broadcast(ctx, hello, 2)

	require.NoError(t, err)
	assert.Equal(t, 5, stats.RequestedRecipients)
	assert.Equal(t, 5, stats.SuccessCount)
	assert.Equal(t, []string{"tok-a@x.com", "tok-b@x.com", "tok-c@x.com", "tok-d@x.com", "tok-e@x.com"}, fcm.delivered())
}

func TestBroadcast_ScanFailure(t *testing.T) {
	store := new(MockStore)
	store.On("Scan", mock.Anything, "", 10).Return([]dispatch.UserTokenDocument(nil), "", dispatch.ErrStoreUnavailable)

	d := fanout.NewDispatcher(store, adapters(&fakeAdapter{provider: dispatch.ProviderFCM}), fanout.Config{}, newTestLogger())

	_, err := d.Broadcast(context.Background(), hello, 10)

	assert.ErrorIs(t, err, dispatch.ErrStoreUnavailable)
}

func TestBroadcast_CredentialFailureOnOnePageDoesNotStopTheRest(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.Register(ctx, "a@x.com", dispatch.DeviceTokenRecord{Token: "apns-a", Provider: dispatch.ProviderAPNS, Platform: dispatch.PlatformIOS})
	require.NoError(t, err)
	for _, u := range []string{"b@x.com", "c@x.com"} {
		_, err := store.Register(ctx, u, fcmRecord("tok-"+u))
		require.NoError(t, err)
	}

	apns := &fakeAdapter{provider: dispatch.ProviderAPNS, outcome: func(_ context.Context, rec dispatch.DeviceTokenRecord) dispatch.DispatchResult {
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "credentials unavailable", dispatch.ErrProviderCredentials)
	}}
	fcm := &fakeAdapter{provider: dispatch.ProviderFCM}
	d := fanout.NewDispatcher(store, adapters(apns, fcm), fanout.Config{}, newTestLogger())

	stats, err := d.Broadcast(ctx, hello, 1)

	require.NoError(t, err)
	assert.Equal(t, []string{"tok-b@x.com", "tok-c@x.com"}, fcm.delivered())
	assert.Equal(t, 2, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)

	t.Run("Credential failure everywhere is reported", func(t *testing.T) {
		fcmDown := &fakeAdapter{provider: dispatch.ProviderFCM, outcome: apns.outcome}
		d := fanout.NewDispatcher(store, adapters(apns, fcmDown), fanout.Config{}, newTestLogger())

		stats, err := d.Broadcast(ctx, hello, 1)

		assert.ErrorIs(t, err, dispatch.ErrProviderCredentials)
		assert.Equal(t, 3, stats.FailureCount)
		assert.Len(t, fcmDown.delivered(), 2, "every page is still attempted")
	})
}
