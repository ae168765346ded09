// Package orchestrator implements the C7 Migration Orchestrator: the linear,
// resumable phase machine that drives one account migration end to end.
// Grounded on the teacher's ProcessWebhook fail-fast/continue-on-error phase
// sequencing and its mutex-guarded progress tracking in
// internal/business/proxy/service.go, generalized into an explicit phase
// enum with persisted, resumable state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atproto-tools/migrate-engine/internal/adapters"
	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/core/resilience"
	"github.com/atproto-tools/migrate-engine/internal/credentials"
	"github.com/atproto-tools/migrate-engine/internal/pdsclient"
	"github.com/atproto-tools/migrate-engine/internal/store"
	syncengine "github.com/atproto-tools/migrate-engine/internal/sync"
	"github.com/atproto-tools/migrate-engine/pkg/metrics"
)

// createAccountLXM is the real AT-proto lexicon id the service-auth token
// is scoped to; spec.md's phase diagram abbreviates this as "create-account".
const createAccountLXM = "com.atproto.server.createAccount"

const serviceAuthTTL = time.Hour

// PhaseHook is invoked after every phase transition; wired by callers (e.g.
// internal/events) that want to observe progress without the orchestrator
// depending on them. Nil-safe: callers that don't care pass nil.
type PhaseHook func(progress domain.MigrationProgress)

// Options carries everything the phase machine needs beyond the old
// session: the account to create/adopt on the target, and the target PDS.
type Options struct {
	TargetPDSURL string
	Handle       string
	Password     string
	Email        string
	InviteCode   string
	OnPhase      PhaseHook
}

// Orchestrator holds the shared dependencies used across migration runs.
type Orchestrator struct {
	client  *pdsclient.Client
	store   *store.Store
	runs    *RunStore
	logger  *slog.Logger
	metrics *metrics.MigrationMetrics
}

// New constructs an Orchestrator.
func New(client *pdsclient.Client, st *store.Store, runs *RunStore, logger *slog.Logger, metricsReg *metrics.MigrationMetrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{client: client, store: st, runs: runs, logger: logger, metrics: metricsReg}
}

// run carries the state local to one migration attempt: the two account
// sessions (held under exclusive refresh locks) and values phases hand
// forward to later phases.
type run struct {
	o    *Orchestrator
	opts Options

	oldSession domain.Session
	oldHolder  *credentials.Holder
	newHolder  *credentials.Holder

	serviceAuthToken string
	plcUnsigned      map[string]any

	progress domain.MigrationProgress
}

// Run drives one migration for oldSession to completion (or first terminal
// failure), resuming a prior in-flight run for the same DID if one exists.
func (o *Orchestrator) Run(ctx context.Context, oldSession domain.Session, opts Options) (domain.MigrationProgress, error) {
	r := &run{
		o:          o,
		opts:       opts,
		oldSession: oldSession,
		oldHolder:  credentials.New(oldSession, o.client.RefreshSession, o.logger),
	}

	if resumed, ok, err := o.runs.FindActiveByDID(ctx, oldSession.DID); err != nil {
		return domain.MigrationProgress{}, fmt.Errorf("checking for resumable run: %w", err)
	} else if ok {
		r.progress = resumed
		o.logger.Info("resuming migration run", "run_id", resumed.RunID, "phase", resumed.CurrentPhase())
	} else {
		runID := uuid.NewString()
		r.progress = domain.NewMigrationProgress(runID, oldSession.DID, oldSession.PDSURL, opts.TargetPDSURL)
	}

	if o.metrics != nil {
		o.metrics.ActiveRunsGauge.Inc()
		defer o.metrics.ActiveRunsGauge.Dec()
	}

	for r.progress.CurrentIdx < len(domain.Ordered) {
		phase := domain.Ordered[r.progress.CurrentIdx]
		if err := r.runPhase(ctx, phase); err != nil {
			r.markFailed(phase, err)
			o.persist(ctx, r.progress)
			o.recordOutcome("failure")
			return r.progress, err
		}
		r.markCompleted(phase)
		r.progress.CurrentIdx++
		o.persist(ctx, r.progress)
		if opts.OnPhase != nil {
			opts.OnPhase(r.progress)
		}
	}

	o.recordOutcome("success")
	return r.progress, nil
}

func (o *Orchestrator) persist(ctx context.Context, progress domain.MigrationProgress) {
	progress.UpdatedAt = time.Now()
	if err := o.runs.Save(ctx, progress); err != nil {
		o.logger.Error("failed to persist run progress", "run_id", progress.RunID, "error", err)
	}
}

func (o *Orchestrator) recordOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordRun(outcome)
	}
}

func (r *run) markCompleted(phase domain.Phase) {
	now := time.Now()
	idx := r.progress.CurrentIdx
	r.progress.Phases[idx].Status = domain.PhaseCompleted
	r.progress.Phases[idx].FinishedAt = &now
}

func (r *run) markFailed(phase domain.Phase, err error) {
	now := time.Now()
	idx := r.progress.CurrentIdx
	r.progress.Phases[idx].Status = domain.PhaseFailed
	r.progress.Phases[idx].FinishedAt = &now
	r.progress.Phases[idx].Error = err.Error()
}

// runPhase executes one phase. A returned error is always treated as
// terminal for the run (spec.md §7: the orchestrator does not re-run a failed
// phase — retries happen inside pdsclient/resilience for individual
// requests, and inside the phases that reconcile blobs or re-check
// completeness).
func (r *run) runPhase(ctx context.Context, phase domain.Phase) error {
	start := time.Now()
	idx := r.progress.CurrentIdx
	now := start
	r.progress.Phases[idx].Status = domain.PhaseRunning
	r.progress.Phases[idx].StartedAt = &now

	var err error
	switch phase {
	case domain.PhaseLoadOldSession:
		err = r.phaseLoadOldSession(ctx)
	case domain.PhaseCheckOldToken:
		err = r.phaseCheckOldToken(ctx)
	case domain.PhaseDescribeTarget:
		err = r.phaseDescribeTarget(ctx)
	case domain.PhaseMintServiceAuth:
		err = r.phaseMintServiceAuth(ctx)
	case domain.PhaseTryLoginTarget:
		err = r.phaseTryLoginTarget(ctx)
	case domain.PhaseCreateAccount:
		err = r.phaseCreateAccount(ctx)
	case domain.PhaseStoreNewSession:
		err = r.phaseStoreNewSession(ctx)
	case domain.PhaseVerifyNewNotActivated:
		err = r.phaseVerifyNewNotActivated(ctx)
	case domain.PhaseMigrateRepository:
		err = r.phaseMigrateRepository(ctx)
	case domain.PhaseMigrateBlobs:
		err = r.phaseMigrateBlobs(ctx)
	case domain.PhaseVerifyAndReconcileBlobs:
		err = r.phaseVerifyAndReconcileBlobs(ctx)
	case domain.PhaseMigratePreferences:
		err = r.phaseMigratePreferences(ctx)
	case domain.PhaseVerifyCompleteness:
		err = r.phaseVerifyCompleteness(ctx)
	case domain.PhasePlcRecommend:
		err = r.phasePlcRecommend(ctx)
	case domain.PhasePlcRequestToken:
		err = r.phasePlcRequestToken(ctx)
	case domain.PhaseHandOffToUI:
		err = r.phaseHandOffToUI(ctx)
	default:
		err = fmt.Errorf("unknown phase %q", phase)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if r.o.metrics != nil {
		r.o.metrics.RecordPhase(string(phase), outcome, time.Since(start).Seconds())
	}
	return err
}

// Phases that find their work already done on the target (CreateAccount
// after an adopting login, VerifyAndReconcileBlobs with nothing missing)
// return nil immediately; this keeps those phases idempotent per spec.md §4.7 ("a phase that detects its
// completion precondition on the target is skipped").

func (r *run) phaseLoadOldSession(ctx context.Context) error {
	if r.oldSession.DID == "" {
		return resilience.WithClass(errors.New("no old session"), resilience.Terminal)
	}
	return nil
}

func (r *run) phaseCheckOldToken(ctx context.Context) error {
	if r.oldSession.Expired(time.Now()) {
		return resilience.WithClass(errors.New("session expired"), resilience.Terminal)
	}
	// A session that merely needs-refresh is fine; credentials.Holder
	// refreshes it lazily the next time a request needs the token.
	return nil
}

func (r *run) phaseDescribeTarget(ctx context.Context) error {
	_, err := r.o.client.DescribeServer(ctx, r.opts.TargetPDSURL)
	return err
}

func (r *run) phaseMintServiceAuth(ctx context.Context) error {
	target, err := r.o.client.DescribeServer(ctx, r.opts.TargetPDSURL)
	if err != nil {
		return err
	}
	token, err := r.oldHolder.GetFreshTokenWithRetry(ctx, 3)
	if err != nil {
		return err
	}
	resp, err := r.o.client.GetServiceAuth(ctx, sessionWithToken(r.oldSession, token), target.DID, createAccountLXM, time.Now().Add(serviceAuthTTL))
	if err != nil {
		return err
	}
	if !resp.Success {
		return resilience.WithClass(fmt.Errorf("minting service auth: %s", resp.Message), resilience.Terminal)
	}
	r.serviceAuthToken = resp.Token
	return nil
}

func (r *run) phaseTryLoginTarget(ctx context.Context) error {
	resp, err := r.o.client.TryLogin(ctx, r.opts.TargetPDSURL, r.opts.Handle, r.opts.Password)
	if err != nil {
		return err
	}
	if resp.Success && resp.Session != nil {
		r.newHolder = credentials.New(*resp.Session, r.o.client.RefreshSession, r.o.logger)
	}
	// Otherwise fall through to CreateAccount — an unsuccessful login with
	// no session means the account doesn't exist yet (or we don't have the
	// password), which CreateAccount (or its own retry-login branch)
	// resolves.
	return nil
}

func (r *run) phaseCreateAccount(ctx context.Context) error {
	if r.newHolder != nil {
		return nil // already adopted via TryLoginTarget
	}

	req := domain.CreateAccountRequest{
		DID:              r.oldSession.DID,
		Handle:           r.opts.Handle,
		Password:         r.opts.Password,
		Email:            r.opts.Email,
		InviteCode:       r.opts.InviteCode,
		ServiceAuthToken: r.serviceAuthToken,
	}
	resp, err := r.o.client.CreateAccount(ctx, r.opts.TargetPDSURL, req)
	if err != nil {
		return err
	}

	switch {
	case resp.Success:
		r.newHolder = credentials.New(*resp.Session, r.o.client.RefreshSession, r.o.logger)
		return nil
	case resp.ErrorCode == domain.ErrCodeAlreadyExists && resp.Session != nil:
		r.newHolder = credentials.New(*resp.Session, r.o.client.RefreshSession, r.o.logger)
		return nil
	case resp.ErrorCode == domain.ErrCodeAlreadyExists:
		retry, err := r.o.client.TryLogin(ctx, r.opts.TargetPDSURL, r.opts.Handle, r.opts.Password)
		if err != nil {
			return err
		}
		if retry.Success && retry.Session != nil {
			r.newHolder = credentials.New(*retry.Session, r.o.client.RefreshSession, r.o.logger)
			return nil
		}
		return resilience.WithClass(errors.New("account exists, password mismatch"), resilience.Terminal)
	default:
		return resilience.WithClass(fmt.Errorf("creating account: %s", resp.Message), resilience.Terminal)
	}
}

func (r *run) phaseStoreNewSession(ctx context.Context) error {
	if r.newHolder == nil {
		return resilience.WithClass(errors.New("no target session to store"), resilience.Terminal)
	}
	return nil
}

func (r *run) phaseVerifyNewNotActivated(ctx context.Context) error {
	token, err := r.newHolder.GetFreshTokenWithRetry(ctx, 3)
	if err != nil {
		return err
	}
	status, err := r.o.client.CheckAccountStatus(ctx, sessionFromView(r.newHolder.Snapshot(), token))
	if err != nil {
		return err
	}
	if status.Activated {
		return resilience.WithClass(errors.New("cannot migrate into a live account"), resilience.Terminal)
	}
	return nil
}

func (r *run) phaseMigrateRepository(ctx context.Context) error {
	return r.migrateRepository(ctx)
}

func (r *run) migrateRepository(ctx context.Context) error {
	oldSess, newSess, err := r.sessions(ctx)
	if err != nil {
		return err
	}
	result, err := syncengine.Sync(ctx,
		adapters.RepoSource{Client: r.o.client, Session: oldSess},
		adapters.RepoTarget{Client: r.o.client, Session: newSess},
		r.o.store,
		syncengine.Options{Logger: r.o.logger},
	)
	if err != nil {
		return err
	}
	return firstItemFailure(result)
}

func (r *run) phaseMigrateBlobs(ctx context.Context) error {
	return r.migrateBlobs(ctx)
}

func (r *run) migrateBlobs(ctx context.Context) error {
	oldSess, newSess, err := r.sessions(ctx)
	if err != nil {
		return err
	}
	result, err := syncengine.Sync(ctx,
		adapters.BlobSource{Client: r.o.client, Session: oldSess},
		adapters.BlobTarget{Client: r.o.client, Session: newSess},
		r.o.store,
		syncengine.Options{Logger: r.o.logger},
	)
	if err != nil {
		return err
	}
	if r.o.metrics != nil {
		r.o.metrics.BlobsUploadedTotal.Add(float64(result.SuccessfulItems))
		r.o.metrics.BlobsFailedTotal.Add(float64(len(result.FailedItems)))
	}
	return firstItemFailure(result)
}

func (r *run) phaseVerifyAndReconcileBlobs(ctx context.Context) error {
	_, newSess, err := r.sessions(ctx)
	if err != nil {
		return err
	}
	missing, err := (adapters.BlobTarget{Client: r.o.client, Session: newSess}).ListMissing(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	r.o.logger.Warn("reconciling missing blobs", "count", len(missing))
	return r.migrateBlobs(ctx)
}

func (r *run) phaseMigratePreferences(ctx context.Context) error {
	oldSess, newSess, err := r.sessions(ctx)
	if err != nil {
		return err
	}
	exported, err := r.o.client.ExportPreferences(ctx, oldSess)
	if err != nil {
		return err
	}
	if !exported.Success {
		return resilience.WithClass(fmt.Errorf("exporting preferences: %s", exported.Message), resilience.Terminal)
	}
	imported, err := r.o.client.ImportPreferences(ctx, newSess, exported.PreferencesJSON)
	if err != nil {
		return err
	}
	if !imported.Success {
		return resilience.WithClass(fmt.Errorf("importing preferences: %s", imported.Message), resilience.Terminal)
	}
	return nil
}

func (r *run) phaseVerifyCompleteness(ctx context.Context) error {
	_, newSess, err := r.sessions(ctx)
	if err != nil {
		return err
	}
	target := adapters.BlobTarget{Client: r.o.client, Session: newSess}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		missing, err := target.ListMissing(ctx)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		lastErr = fmt.Errorf("attempt %d: %d blobs still missing", attempt, len(missing))
		if attempt == maxAttempts {
			break
		}
		if err := r.migrateRepository(ctx); err != nil {
			return err
		}
		if err := r.migrateBlobs(ctx); err != nil {
			return err
		}
	}
	return resilience.WithClass(fmt.Errorf("migration incomplete after %d attempts: %w", maxAttempts, lastErr), resilience.Terminal)
}

func (r *run) phasePlcRecommend(ctx context.Context) error {
	_, newSess, err := r.sessions(ctx)
	if err != nil {
		return err
	}
	rec, err := r.o.client.GetPLCRecommendation(ctx, newSess)
	if err != nil {
		return err
	}
	if !rec.Success {
		return resilience.WithClass(fmt.Errorf("getting PLC recommendation: %s", rec.Message), resilience.Terminal)
	}
	r.plcUnsigned = rec.PLCUnsigned
	return nil
}

func (r *run) phasePlcRequestToken(ctx context.Context) error {
	token, err := r.oldHolder.GetFreshTokenWithRetry(ctx, 3)
	if err != nil {
		return err
	}
	resp, err := r.o.client.RequestPLCToken(ctx, sessionWithToken(r.oldSession, token))
	if err != nil {
		return err
	}
	if !resp.Success {
		return resilience.WithClass(fmt.Errorf("requesting PLC operation signature: %s", resp.Message), resilience.Terminal)
	}
	return nil
}

func (r *run) phaseHandOffToUI(ctx context.Context) error {
	// Signing, submission, and activation continue in a separate UI phase
	// outside this engine's scope (spec.md §4.7).
	return nil
}

// sessions returns the old and new sessions with freshly-validated access
// tokens, refreshing under each holder's exclusive lock as needed.
func (r *run) sessions(ctx context.Context) (domain.Session, domain.Session, error) {
	if r.newHolder == nil {
		return domain.Session{}, domain.Session{}, resilience.WithClass(errors.New("no target session established"), resilience.Terminal)
	}
	oldToken, err := r.oldHolder.GetFreshTokenWithRetry(ctx, 3)
	if err != nil {
		return domain.Session{}, domain.Session{}, err
	}
	newToken, err := r.newHolder.GetFreshTokenWithRetry(ctx, 3)
	if err != nil {
		return domain.Session{}, domain.Session{}, err
	}
	return sessionWithToken(r.oldSession, oldToken), sessionFromView(r.newHolder.Snapshot(), newToken), nil
}

func sessionWithToken(s domain.Session, token string) domain.Session {
	s.AccessToken = token
	return s
}

// sessionFromView rebuilds a usable Session from a Holder's redacted View
// plus a freshly-validated token; the Holder never exposes its secret
// fields directly.
func sessionFromView(v domain.View, token string) domain.Session {
	return domain.Session{DID: v.DID, Handle: v.Handle, PDSURL: v.PDSURL, AccessToken: token, ExpiresAt: v.ExpiresAt}
}

func firstItemFailure(result domain.SyncResult) error {
	if len(result.FailedItems) == 0 {
		return nil
	}
	first := result.FailedItems[0]
	return fmt.Errorf("%d item(s) failed, first: %s: %s", len(result.FailedItems), first.ItemID, first.Error)
}
