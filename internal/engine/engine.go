package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"copytrade-core/internal/events"
	"copytrade-core/internal/gateway"
	"copytrade-core/internal/persistence"
	"copytrade-core/internal/reconciliation"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
)

const appID = "copytrade-core"

// InstanceID returns a stable, hashed machine id, or a random id when the
// host does not expose one.
func InstanceID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil || id == "" {
		return uuid.NewString()
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}

// Options wires an Engine.
type Options struct {
	DB         *db.Database
	Registry   *gateway.Registry
	Vault      *crypto.Vault
	Dispatcher reconciliation.Dispatcher
	Bus        *events.Bus
	Audit      *persistence.AuditWriter
	Monitor    MonitorConfig

	ProcessedCap  int
	ProcessedKeep int

	InstanceID string
	DryRun     bool
	WakeStream bool
	Log        *zap.Logger
}

type monitorTask struct {
	monitor *MasterMonitor
	cancel  context.CancelFunc
	done    chan struct{}
}

// Engine owns one MasterMonitor per registered master. All mutating calls
// are serialized by mu, so the registry has a single writer.
type Engine struct {
	opts Options
	q    *db.Queries
	log  *zap.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	baseCtx   context.Context
	cancel    context.CancelFunc
	tasks     map[string]*monitorTask
}

// New creates a stopped engine.
func New(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	return &Engine{
		opts:  opts,
		q:     opts.DB.Queries(),
		log:   log.Named("engine"),
		tasks: make(map[string]*monitorTask),
	}
}

// Start loads accounts and links from storage and starts a monitor per
// master. Monitors outlive ctx; they end on Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	if err := e.opts.Registry.Load(ctx, e.q); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	e.baseCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.running = true
	e.startedAt = time.Now()

	for _, master := range e.opts.Registry.Masters() {
		if err := e.startMonitorLocked(master.ID); err != nil {
			e.log.Warn("⚠️ monitor not started", zap.String("master", master.Name), zap.Error(err))
		}
	}

	masters, followers := e.opts.Registry.Counts()
	e.log.Info("✓ engine started",
		zap.String("instance_id", e.opts.InstanceID),
		zap.Int("masters", masters), zap.Int("followers", followers),
		zap.Bool("dry_run", e.opts.DryRun))
	e.opts.Audit.Info(fmt.Sprintf("engine started: instance=%s masters=%d followers=%d dry_run=%v",
		e.opts.InstanceID, masters, followers, e.opts.DryRun), "", "")
	return nil
}

// Stop cancels every monitor and waits for them until ctx ends.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	e.cancel()

	var errs []error
	for id, task := range e.tasks {
		if err := wait(ctx, task.done); err != nil {
			errs = append(errs, fmt.Errorf("monitor %s: %w", id, err))
		}
		delete(e.tasks, id)
	}
	e.running = false
	e.log.Info("🛑 engine stopped", zap.String("instance_id", e.opts.InstanceID))
	e.opts.Audit.Info("engine stopped: instance="+e.opts.InstanceID, "", "")
	return errors.Join(errs...)
}

// StartMonitoring starts the monitor of a registered master. Starting an
// already monitored master is a no-op.
func (e *Engine) StartMonitoring(ctx context.Context, masterID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if _, ok := e.tasks[masterID]; ok {
		return nil
	}
	return e.startMonitorLocked(masterID)
}

// StopMonitoring stops one master's monitor and waits for it.
func (e *Engine) StopMonitoring(ctx context.Context, masterID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopMonitorLocked(ctx, masterID)
}

func (e *Engine) startMonitorLocked(masterID string) error {
	entry, err := e.opts.Registry.Master(masterID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotMaster, err)
	}
	master := entry.Account

	if len(e.opts.Registry.LinksFor(master.ID)) == 0 {
		e.log.Warn("⚠️ master has no active copy links; its orders will only be recorded",
			zap.String("master", master.Name))
		e.opts.Audit.Warn("master "+master.Name+" has no active copy links", master.ID, "")
	}

	rec := reconciliation.NewReconciler(master, e.opts.DB, e.opts.Dispatcher, time.Now(), reconciliation.Options{
		ProcessedCap:  e.opts.ProcessedCap,
		ProcessedKeep: e.opts.ProcessedKeep,
		Bus:           e.opts.Bus,
		Log:           e.log,
	})
	mon := NewMasterMonitor(master, entry.Client, rec, e.q, e.opts.Monitor, e.opts.Bus, e.log)

	ctx, cancel := context.WithCancel(e.baseCtx)
	task := &monitorTask{monitor: mon, cancel: cancel, done: make(chan struct{})}
	e.tasks[master.ID] = task

	if e.opts.WakeStream {
		if bn, ok := gateway.Binance(entry.Client); ok {
			go NewWakeStream(bn, mon.Wake, e.log.With(zap.String("master", master.Name))).Run(ctx)
		}
	}
	go func() {
		defer close(task.done)
		mon.Run(ctx)
	}()
	return nil
}

func (e *Engine) stopMonitorLocked(ctx context.Context, masterID string) error {
	task, ok := e.tasks[masterID]
	if !ok {
		return ErrNotMonitored
	}
	task.cancel()
	delete(e.tasks, masterID)
	return wait(ctx, task.done)
}

// AddAccount seals the credential, tests the exchange connection and only
// then stores the account. A master added while running is monitored at once.
func (e *Engine) AddAccount(ctx context.Context, in AccountInput) (*db.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in.Name = strings.TrimSpace(in.Name)
	in.Role = db.Role(strings.ToUpper(string(in.Role)))
	if in.Name == "" || !in.Role.Valid() {
		return nil, fmt.Errorf("%w: name and role (MASTER or FOLLOWER) are required", db.ErrInvalidAccount)
	}
	if _, err := e.q.GetAccountByName(ctx, in.Name); err == nil {
		return nil, fmt.Errorf("%w: account %q already exists", db.ErrInvalidAccount, in.Name)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	ref := in.CredentialRef
	if ref == "" {
		sealed, err := e.opts.Vault.Seal(crypto.Credential{APIKey: in.APIKey, APISecret: in.APISecret})
		if err != nil {
			return nil, fmt.Errorf("seal credential: %w", err)
		}
		ref = sealed
	}
	if in.Leverage == 0 {
		in.Leverage = 10
	}

	acct := db.Account{
		ID:             uuid.NewString(),
		Name:           in.Name,
		CredentialRef:  ref,
		Role:           in.Role,
		Leverage:       in.Leverage,
		RiskPercentage: in.RiskPercentage,
		Active:         true,
	}
	if _, err := e.opts.Registry.Register(ctx, acct); err != nil {
		return nil, err
	}
	if err := e.q.CreateAccount(ctx, &acct); err != nil {
		e.opts.Registry.Unregister(acct.ID)
		return nil, err
	}
	e.log.Info("✓ account added", zap.String("account", acct.Name), zap.String("role", string(acct.Role)))
	e.opts.Audit.Info(fmt.Sprintf("account added: %s (%s)", acct.Name, acct.Role), acct.ID, "")

	if e.running && acct.Role == db.RoleMaster {
		if err := e.startMonitorLocked(acct.ID); err != nil {
			e.log.Warn("⚠️ monitor not started", zap.String("master", acct.Name), zap.Error(err))
		}
	}
	return &acct, nil
}

// RemoveAccount stops the account's monitor, drops its client and marks it
// inactive. Rows referencing it are kept.
func (e *Engine) RemoveAccount(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.q.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := e.stopMonitorLocked(ctx, id); err != nil && !errors.Is(err, ErrNotMonitored) {
		return err
	}
	e.opts.Registry.Unregister(id)
	if err := e.q.SetAccountActive(ctx, id, false); err != nil {
		return err
	}
	e.log.Info("account removed", zap.String("account", acct.Name))
	e.opts.Audit.Info("account removed: "+acct.Name, acct.ID, "")
	return nil
}

// AddLink stores an active copy link and makes it visible to replication.
func (e *Engine) AddLink(ctx context.Context, link db.CopyLink) (*db.CopyLink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if link.CopyPercentage == 0 {
		link.CopyPercentage = 100
	}
	if link.RiskMultiplier == 0 {
		link.RiskMultiplier = 1
	}
	link.ID = ""
	link.Active = true
	if err := e.q.CreateCopyLink(ctx, &link); err != nil {
		return nil, err
	}
	e.opts.Registry.AddLink(link)
	e.log.Info("✓ copy link added", zap.String("master_id", link.MasterID), zap.String("follower_id", link.FollowerID),
		zap.Float64("copy_pct", link.CopyPercentage), zap.Float64("risk_multiplier", link.RiskMultiplier))
	return &link, nil
}

// RemoveLink deactivates a copy link.
func (e *Engine) RemoveLink(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.q.SetCopyLinkActive(ctx, id, false); err != nil {
		return err
	}
	e.opts.Registry.RemoveLink(id)
	e.log.Info("copy link removed", zap.String("link_id", id))
	return nil
}

// Status reports the engine and per-master monitor state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	masters, followers := e.opts.Registry.Counts()
	st := Status{
		IsRunning:          e.running,
		InstanceID:         e.opts.InstanceID,
		DryRun:             e.opts.DryRun,
		MasterCount:        masters,
		FollowerCount:      followers,
		LastCheckPerMaster: make(map[string]time.Time),
		Monitors:           []MonitorStatus{},
		Gateway:            e.opts.Registry.Stats(),
		ServerTime:         time.Now(),
	}
	if e.running {
		started := e.startedAt
		st.StartedAt = &started
	}
	for id, task := range e.tasks {
		ms := task.monitor.Status()
		select {
		case <-task.done:
		default:
			st.ActiveTaskCount++
		}
		if !ms.LastCheck.IsZero() {
			st.LastCheckPerMaster[id] = ms.LastCheck
		}
		st.Monitors = append(st.Monitors, ms)
	}
	sort.Slice(st.Monitors, func(i, j int) bool { return st.Monitors[i].MasterName < st.Monitors[j].MasterName })
	return st
}

// Monitor returns the running monitor of a master, if any.
func (e *Engine) Monitor(masterID string) (*MasterMonitor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[masterID]
	if !ok {
		return nil, false
	}
	return task.monitor, true
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

