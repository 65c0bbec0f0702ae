package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

const (
	DefaultWorkers     = 16
	DefaultCallTimeout = 10 * time.Second
)

// Config bounds the delivery pool.
type Config struct {
	Workers     int
	CallTimeout time.Duration
}

// Report is the outcome of one notify or send.
type Report struct {
	Stats   dispatch.DispatchStats
	Results []dispatch.DispatchResult
	// InvalidTokens lists every token a provider rejected permanently, pruned or not.
	InvalidTokens []string
}

// Dispatcher resolves recipients, delivers concurrently and prunes dead tokens.
type Dispatcher struct {
	resolver *Resolver
	pruner   *Pruner
	store    dispatch.TokenStore
	adapters map[dispatch.Provider]dispatch.Adapter
	cfg      Config
	logger   *slog.Logger
}

func NewDispatcher(store dispatch.TokenStore, adapters map[dispatch.Provider]dispatch.Adapter, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Dispatcher{
		resolver: NewResolver(store, adapters, logger),
		pruner:   NewPruner(store, logger),
		store:    store,
		adapters: adapters,
		cfg:      cfg,
		logger:   logger.With("component", "Dispatcher"),
	}
}

// Notify delivers msg to every token registered for the recipients.
// Per-token failures never fail the call. The error is non-nil only when the store is unavailable,
// or when nothing was delivered and a provider could not authenticate.
func (d *Dispatcher) Notify(ctx context.Context, recipientIDs []string, msg dispatch.Message) (Report, error) {
	resolution, err := d.resolver.Resolve(ctx, recipientIDs)
	if err != nil {
		return Report{Stats: emptyStats(len(recipientIDs))}, err
	}

	report := Report{Stats: emptyStats(resolution.Recipients)}
	if len(resolution.Targets) == 0 {
		return report, nil
	}

	records := make([]dispatch.DeviceTokenRecord, len(resolution.Targets))
	for i, t := range resolution.Targets {
		records[i] = t.Record
	}
	report.Results = d.deliverAll(ctx, records, msg)
	d.tally(&report)

	// Pruning continues even if the caller went away; the provider verdict is already in.
	report.Stats.PrunedTokens = d.pruner.Prune(context.WithoutCancel(ctx), resolution.Targets, report.Results)

	d.logger.Info("Notify complete",
		"recipients", report.Stats.RequestedRecipients,
		"targets", report.Stats.ResolvedTokens,
		"sent", report.Stats.SuccessCount,
		"failed", report.Stats.FailureCount,
		"pruned", len(report.Stats.PrunedTokens),
	)
	return report, credentialFailure(report)
}

// Send delivers directly to one token. Nothing is pruned because the token has no known owner.
func (d *Dispatcher) Send(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) (Report, error) {
	report := Report{Stats: emptyStats(0)}
	report.Results = d.deliverAll(ctx, []dispatch.DeviceTokenRecord{rec}, msg)
	d.tally(&report)
	return report, credentialFailure(report)
}

// deliverAll runs one adapter call per record through a bounded pool. results[i] belongs to records[i].
func (d *Dispatcher) deliverAll(ctx context.Context, records []dispatch.DeviceTokenRecord, msg dispatch.Message) []dispatch.DispatchResult {
	results := make([]dispatch.DispatchResult, len(records))

	// No errgroup context: one failure must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i, rec := range records {
		g.Go(func() error {
			results[i] = d.deliver(ctx, rec, msg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) (res dispatch.DispatchResult) {
	adapter, ok := d.adapters[rec.Provider]
	if !ok {
		return dispatch.Failed(rec.Token, dispatch.ErrorUnknown, "no adapter for provider",
			fmt.Errorf("provider %q is not configured", rec.Provider))
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Adapter panicked", "provider", rec.Provider, "panic", r)
			res = dispatch.Failed(rec.Token, dispatch.ErrorUnknown, "adapter panic", fmt.Errorf("adapter panic: %v", r))
		}
	}()

	res = adapter.Deliver(callCtx, rec, msg)
	res.Token = rec.Token
	if !res.Success && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		res.ErrorKind = dispatch.ErrorTransient
		res.ProviderMessage = "timeout"
	}
	if !res.Success {
		d.logger.Debug("Delivery failed", "provider", rec.Provider, "kind", res.ErrorKind, "err", res.Err)
	}
	return res
}

func (d *Dispatcher) tally(report *Report) {
	report.Stats.ResolvedTokens = len(report.Results)
	report.InvalidTokens = []string{}
	for _, res := range report.Results {
		if res.Success {
			report.Stats.SuccessCount++
			continue
		}
		report.Stats.FailureCount++
		if res.ErrorKind.Prunable() {
			report.InvalidTokens = append(report.InvalidTokens, res.Token)
		}
	}
}

func credentialFailure(report Report) error {
	if report.Stats.SuccessCount > 0 {
		return nil
	}
	for _, res := range report.Results {
		if errors.Is(res.Err, dispatch.ErrProviderCredentials) {
			return fmt.Errorf("no deliveries succeeded: %w", res.Err)
		}
	}
	return nil
}

func emptyStats(recipients int) dispatch.DispatchStats {
	return dispatch.DispatchStats{RequestedRecipients: recipients, PrunedTokens: []string{}}
}
