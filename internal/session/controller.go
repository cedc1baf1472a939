// Package session runs one combat session. Each Controller owns its state on
// a single goroutine and applies requests strictly in arrival order.
package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/tactics-sync/combat-sync/internal/clock"
	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/internal/protocol"
	"github.com/tactics-sync/combat-sync/internal/registry"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

const inboxSize = 64

type Config struct {
	MaxParticipants        int
	MaxUnitsPerParticipant int
	AllowLateJoin          bool
	// AutoPassTimeout is how long the turn of a disconnected participant
	// waits before it is passed for them.
	AutoPassTimeout time.Duration
	// IdleTimeout ends the session once nobody has been connected for this
	// long.
	IdleTimeout time.Duration
	Rules       engine.Rules
}

func (c Config) withDefaults() Config {
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = 8
	}
	if c.MaxUnitsPerParticipant <= 0 {
		c.MaxUnitsPerParticipant = 4
	}
	if c.AutoPassTimeout <= 0 {
		c.AutoPassTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if len(c.Rules.Templates) == 0 {
		c.Rules = engine.DefaultRules()
	}
	return c
}

// Registry is the part of the connection registry a session drives.
type Registry interface {
	Register(conn registry.Conn, sessionID, participantID string) error
	Broadcast(sessionID string, msg types.ServerMessage)
	CloseSession(sessionID string)
}

type Deps struct {
	Registry Registry
	Clock    clock.Clock
	Logger   *zap.Logger
	Tracer   trace.Tracer
	// OnEnd receives the final report. It runs on the session goroutine and
	// must not call back into the controller.
	OnEnd func(Report)
}

type UnitSpec struct {
	Template string
	Name     string
	// Position is optional; units without one are deployed on the
	// participant's side of the board.
	Position *engine.Position
}

type JoinRequest struct {
	Participant engine.ParticipantID
	DisplayName string
	Units       []UnitSpec
}

// Applied is the outcome of an accepted action.
type Applied struct {
	Version uint64
	Delta   types.Delta
}

type turnKey struct {
	unit  engine.UnitID
	round int
}

type Controller struct {
	id       string
	cfg      Config
	registry Registry
	clock    clock.Clock
	log      *zap.Logger
	tracer   trace.Tracer
	onEnd    func(Report)

	inbox  chan message
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Everything below is owned by the loop goroutine.
	state        engine.State
	initial      engine.State
	version      uint64
	roster       roster
	history      []LogEntry
	createdAt    time.Time
	startedAt    time.Time
	lastActivity time.Time
	ended        bool

	turnTimer clock.Timer
	turnGen   uint64
	turn      turnKey
	idleTimer clock.Timer
	idleGen   uint64
}

// New creates a forming session with host as its first participant and
// starts its loop. The loop stops when the session ends or parent is
// cancelled.
func New(parent context.Context, id string, host JoinRequest, cfg Config, deps Deps) (*Controller, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("session %s: nil registry", id)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("session")
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(parent)
	now := deps.Clock.Now()
	c := &Controller{
		id:           id,
		cfg:          cfg,
		registry:     deps.Registry,
		clock:        deps.Clock,
		log:          deps.Logger.Named("session").With(zap.String("session_id", id)),
		tracer:       deps.Tracer,
		onEnd:        deps.OnEnd,
		inbox:        make(chan message, inboxSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        engine.NewState(cfg.Rules),
		createdAt:    now,
		lastActivity: now,
	}
	if _, err := c.join(host, RoleHost); err != nil {
		cancel()
		return nil, fmt.Errorf("session %s: host: %w", id, err)
	}
	c.refreshIdleTimer()

	go c.run()
	return c, nil
}

func (c *Controller) ID() string { return c.id }

// Done is closed once the loop has stopped.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Submit validates and applies one participant action. Rejections come back
// as *engine.ActionError and leave the session untouched.
func (c *Controller) Submit(ctx context.Context, pid engine.ParticipantID, a engine.Action) (Applied, error) {
	reply := newReply[Applied]()
	if err := c.send(ctx, submit{ctx: ctx, participant: pid, action: a, reply: reply}); err != nil {
		return Applied{}, err
	}
	return await(ctx, c.done, reply)
}

// Resync returns the latest committed state.
func (c *Controller) Resync(ctx context.Context) (types.FullSnapshot, error) {
	reply := newReply[types.FullSnapshot]()
	if err := c.send(ctx, resync{reply: reply}); err != nil {
		return types.FullSnapshot{}, err
	}
	return await(ctx, c.done, reply)
}

// SendSnapshot queues the latest snapshot on the participant's own
// connection, ordered with the session's broadcasts.
func (c *Controller) SendSnapshot(ctx context.Context, pid engine.ParticipantID) error {
	reply := newReply[struct{}]()
	if err := c.send(ctx, push{participant: pid, reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, c.done, reply)
	return err
}

// Join adds a participant. Joining again with a known id is a no-op that
// returns the existing seat.
func (c *Controller) Join(ctx context.Context, req JoinRequest) (Participant, error) {
	reply := newReply[Participant]()
	if err := c.send(ctx, join{req: req, reply: reply}); err != nil {
		return Participant{}, err
	}
	return await(ctx, c.done, reply)
}

// Leave removes a participant. During combat their units are forfeited.
func (c *Controller) Leave(ctx context.Context, pid engine.ParticipantID) error {
	reply := newReply[struct{}]()
	if err := c.send(ctx, leave{participant: pid, reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, c.done, reply)
	return err
}

// HandleReconnect registers conn for the participant, restores their
// mutation rights and sends them a full snapshot.
func (c *Controller) HandleReconnect(ctx context.Context, pid engine.ParticipantID, conn registry.Conn) error {
	reply := newReply[struct{}]()
	if err := c.send(ctx, attach{participant: pid, conn: conn, reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, c.done, reply)
	return err
}

// HandleDisconnect clears the participant's connection if connID is still
// the current one. The participant keeps their seat and units.
func (c *Controller) HandleDisconnect(pid engine.ParticipantID, connID string) {
	c.enqueue(detach{participant: pid, connID: connID})
}

// Ack records the last version a participant has applied.
func (c *Controller) Ack(pid engine.ParticipantID, version uint64) {
	c.enqueue(ack{participant: pid, version: version})
}

// Start begins combat. Host only.
func (c *Controller) Start(ctx context.Context, pid engine.ParticipantID) error {
	reply := newReply[struct{}]()
	if err := c.send(ctx, start{participant: pid, reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, c.done, reply)
	return err
}

// End terminates the session on the host's request. Requests queued before
// it are still applied.
func (c *Controller) End(ctx context.Context, pid engine.ParticipantID) error {
	return c.stop(ctx, end{participant: pid, reason: ReasonEndedByHost})
}

// Shutdown ends the session regardless of who is in it.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.stop(ctx, end{reason: ReasonShutdown, force: true})
}

func (c *Controller) stop(ctx context.Context, m end) error {
	m.reply = newReply[struct{}]()
	if err := c.send(ctx, m); err != nil {
		return err
	}
	_, err := await(ctx, c.done, m.reply)
	return err
}

func (c *Controller) send(ctx context.Context, m message) error {
	select {
	case <-c.done:
		return ErrSessionEnded
	default:
	}
	select {
	case c.inbox <- m:
		return nil
	case <-c.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue is send for callers with nobody to answer to: timers and
// disconnect hooks.
func (c *Controller) enqueue(m message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func await[T any](ctx context.Context, done <-chan struct{}, reply <-chan result[T]) (T, error) {
	var zero T
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-done:
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			return zero, ErrSessionEnded
		}
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.finish(ReasonShutdown, nil)
			return
		case m := <-c.inbox:
			c.handle(m)
			if c.ended {
				return
			}
		}
	}
}

func (c *Controller) handle(m message) {
	switch msg := m.(type) {
	case submit:
		applied, err := c.submit(msg)
		msg.reply <- result[Applied]{val: applied, err: err}

	case resync:
		snap, err := c.snapshot()
		msg.reply <- result[types.FullSnapshot]{val: snap, err: err}
		return

	case push:
		msg.reply <- result[struct{}]{err: c.push(msg.participant)}
		return

	case join:
		p, err := c.join(msg.req, RoleMember)
		msg.reply <- result[Participant]{val: p, err: err}

	case leave:
		msg.reply <- result[struct{}]{err: c.leave(msg.participant)}

	case attach:
		msg.reply <- result[struct{}]{err: c.attach(msg.participant, msg.conn)}

	case detach:
		c.detach(msg.participant, msg.connID)

	case ack:
		if p := c.roster.get(msg.participant); p != nil {
			p.LastAck = max(p.LastAck, min(msg.version, c.version))
		}
		return

	case start:
		msg.reply <- result[struct{}]{err: c.start(msg.participant)}

	case end:
		if !msg.force {
			p := c.roster.get(msg.participant)
			if p == nil {
				msg.reply <- result[struct{}]{err: ErrNotParticipant}
				return
			}
			if p.Role != RoleHost {
				msg.reply <- result[struct{}]{err: ErrNotHost}
				return
			}
		}
		c.finish(msg.reason, nil)
		msg.reply <- result[struct{}]{}

	case autoPass:
		c.autoPass(msg.gen)

	case idle:
		if msg.gen != c.idleGen || c.idleTimer == nil {
			return
		}
		c.idleTimer = nil
		if !c.roster.anyPresent() {
			c.finish(ReasonIdle, nil)
		}

	case loopFunc:
		msg.runOn(c)
		return
	}
	c.settle()
}

// settle runs after anything that may have changed the state: it ends the
// session when combat is decided or nobody is left, and re-arms timers.
func (c *Controller) settle() {
	if c.ended {
		return
	}
	if c.state.Phase == engine.LifecycleEnded {
		c.finish(ReasonCompleted, nil)
		return
	}
	if c.roster.len() == 0 {
		c.finish(ReasonEmpty, nil)
		return
	}
	c.refreshTurnTimer()
	c.refreshIdleTimer()
}

func (c *Controller) submit(m submit) (Applied, error) {
	if err := engine.Validate(c.state, &c.roster, m.participant, m.action); err != nil {
		c.log.Debug("action rejected",
			zap.String("participant_id", string(m.participant)),
			zap.Error(err))
		return Applied{}, err
	}
	return c.apply(m.ctx, m.participant, m.action)
}

// apply commits one action: the only place the version moves.
func (c *Controller) apply(ctx context.Context, pid engine.ParticipantID, a engine.Action) (Applied, error) {
	_, span := c.tracer.Start(ctx, "session.apply", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.String("action.kind", string(a.Kind())),
		attribute.String("participant.id", string(pid)),
	))
	defer span.End()

	events, next, err := engine.Apply(c.state, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		err = fmt.Errorf("apply %s: %w", a.Kind(), err)
		c.finish(ReasonFatal, err)
		return Applied{}, err
	}

	now := c.clock.Now()
	prev := c.state
	c.state = next
	c.version++
	c.lastActivity = now
	c.history = append(c.history, LogEntry{Version: c.version, Participant: pid, Action: a, At: now})
	span.SetAttributes(attribute.Int64("session.version", int64(c.version)))

	delta := protocol.DeltaView(prev, next, events)
	c.registry.Broadcast(c.id, protocol.NewStateUpdate(c.id, c.version, delta, now))
	return Applied{Version: c.version, Delta: delta}, nil
}

func (c *Controller) snapshot() (types.FullSnapshot, error) {
	view := protocol.StateView(c.state, c.roster.views())
	return protocol.NewFullSnapshot(c.id, c.version, view, c.clock.Now())
}

func (c *Controller) broadcastSnapshot() {
	snap, err := c.snapshot()
	if err != nil {
		c.log.Error("render snapshot", zap.Error(err))
		return
	}
	c.registry.Broadcast(c.id, snap)
}

func (c *Controller) push(pid engine.ParticipantID) error {
	p := c.roster.get(pid)
	if p == nil {
		return ErrNotParticipant
	}
	if p.Conn == nil {
		return engine.ErrNotPresent
	}
	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	return p.Conn.Send(snap)
}

func (c *Controller) join(req JoinRequest, role Role) (Participant, error) {
	if p := c.roster.get(req.Participant); p != nil {
		cp := *p
		cp.Conn = nil
		return cp, nil
	}
	switch c.state.Phase {
	case engine.LifecycleEnded:
		return Participant{}, ErrSessionEnded
	case engine.LifecycleActive:
		if !c.cfg.AllowLateJoin {
			return Participant{}, ErrSessionAlreadyActive
		}
	}
	if c.roster.len() >= c.cfg.MaxParticipants {
		return Participant{}, ErrSessionFull
	}
	specs := req.Units
	if len(specs) == 0 {
		specs = []UnitSpec{{}}
	}
	if len(specs) > c.cfg.MaxUnitsPerParticipant {
		return Participant{}, fmt.Errorf("%w: %d > %d", ErrTooManyUnits, len(specs), c.cfg.MaxUnitsPerParticipant)
	}

	now := c.clock.Now()
	p := &Participant{ID: req.Participant, DisplayName: req.DisplayName, Role: role, JoinedAt: now}
	if p.DisplayName == "" {
		p.DisplayName = string(p.ID)
	}
	units, err := c.placeUnits(p.ID, c.roster.nextSeat, specs)
	if err != nil {
		return Participant{}, err
	}

	if c.state.Phase == engine.LifecycleActive {
		if _, err := c.apply(c.ctx, "", engine.Reinforce{Units: units}); err != nil {
			return Participant{}, err
		}
	} else {
		for _, u := range units {
			if err := c.state.AddUnit(u); err != nil {
				return Participant{}, err
			}
		}
	}
	c.roster.add(p)
	c.lastActivity = now

	c.log.Info("participant joined",
		zap.String("participant_id", string(p.ID)),
		zap.String("role", string(role)),
		zap.Int("units", len(units)))
	c.broadcastSnapshot()

	cp := *p
	return cp, nil
}

// placeUnits builds the units for a joining participant and checks they all
// fit on the board together.
func (c *Controller) placeUnits(pid engine.ParticipantID, seat int, specs []UnitSpec) ([]engine.Unit, error) {
	scratch := c.state.Clone()
	owned := 0
	for _, u := range scratch.Units {
		if u.Owner == pid {
			owned++
		}
	}

	units := make([]engine.Unit, 0, len(specs))
	for i, spec := range specs {
		id := engine.UnitID(fmt.Sprintf("%s#%d", pid, owned+i+1))
		u, err := engine.NewUnit(scratch.Rules, id, pid, spec.Template)
		if err != nil {
			return nil, err
		}
		if spec.Name != "" {
			u.Name = spec.Name
		}
		if spec.Position != nil {
			u.Position = *spec.Position
		} else {
			pos, ok := scratch.SpawnPosition(seat)
			if !ok {
				return nil, ErrNoSpawnRoom
			}
			u.Position = pos
		}
		if err := scratch.CheckPlacement(u); err != nil {
			return nil, err
		}
		scratch.Units[id] = u
		units = append(units, u)
	}
	return units, nil
}

func (c *Controller) leave(pid engine.ParticipantID) error {
	if c.roster.get(pid) == nil {
		return ErrNotParticipant
	}
	switch c.state.Phase {
	case engine.LifecycleForming:
		c.state.RemoveOwner(pid)
	case engine.LifecycleActive:
		if _, err := c.apply(c.ctx, "", engine.Forfeit{Participant: pid}); err != nil {
			return err
		}
	}
	c.roster.remove(pid)
	c.lastActivity = c.clock.Now()
	c.log.Info("participant left", zap.String("participant_id", string(pid)))
	if c.roster.len() > 0 {
		c.broadcastSnapshot()
	}
	return nil
}

func (c *Controller) attach(pid engine.ParticipantID, conn registry.Conn) error {
	p := c.roster.get(pid)
	if p == nil {
		return ErrNotParticipant
	}
	if err := c.registry.Register(conn, c.id, string(pid)); err != nil {
		return err
	}
	p.Conn = conn
	c.lastActivity = c.clock.Now()

	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	if err := conn.Send(snap); err != nil {
		c.log.Warn("initial snapshot not delivered", zap.String("participant_id", string(pid)), zap.Error(err))
	}
	c.log.Info("participant connected",
		zap.String("participant_id", string(pid)),
		zap.String("conn_id", conn.ID()),
		zap.Uint64("version", c.version))
	return nil
}

func (c *Controller) detach(pid engine.ParticipantID, connID string) {
	p := c.roster.get(pid)
	if p == nil || p.Conn == nil || p.Conn.ID() != connID {
		return
	}
	p.Conn = nil
	c.log.Info("participant disconnected",
		zap.String("participant_id", string(pid)),
		zap.String("conn_id", connID))
}

func (c *Controller) start(pid engine.ParticipantID) error {
	p := c.roster.get(pid)
	if p == nil {
		return ErrNotParticipant
	}
	if p.Role != RoleHost {
		return ErrNotHost
	}
	if c.state.Phase != engine.LifecycleForming {
		return ErrAlreadyStarted
	}
	_, next, err := engine.Start(c.state)
	if err != nil {
		return err
	}
	c.state = next
	c.initial = next.Clone()
	c.startedAt = c.clock.Now()
	c.lastActivity = c.startedAt

	head, _ := next.Queue.Current()
	c.log.Info("combat started",
		zap.Int("units", len(next.Units)),
		zap.String("first", string(head)))
	c.broadcastSnapshot()
	return nil
}

func (c *Controller) refreshTurnTimer() {
	if c.state.Phase != engine.LifecycleActive {
		c.stopTurnTimer()
		return
	}
	head, ok := c.state.Queue.Current()
	if !ok || c.roster.Present(c.state.Units[head].Owner) {
		c.stopTurnTimer()
		return
	}
	key := turnKey{unit: head, round: c.state.Round}
	if c.turnTimer != nil && c.turn == key {
		return
	}
	c.stopTurnTimer()
	c.turnGen++
	gen := c.turnGen
	c.turn = key
	c.turnTimer = c.clock.AfterFunc(c.cfg.AutoPassTimeout, func() { c.enqueue(autoPass{gen: gen}) })
}

func (c *Controller) stopTurnTimer() {
	if c.turnTimer != nil {
		c.turnTimer.Stop()
		c.turnTimer = nil
	}
}

func (c *Controller) autoPass(gen uint64) {
	if gen != c.turnGen || c.turnTimer == nil {
		return
	}
	c.turnTimer = nil

	head, ok := c.state.Queue.Current()
	if !ok || c.state.Phase != engine.LifecycleActive || head != c.turn.unit {
		return
	}
	owner := c.state.Units[head].Owner
	if c.roster.Present(owner) {
		return
	}

	ctx, span := c.tracer.Start(c.ctx, "session.auto_pass", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.String("unit.id", string(head)),
	))
	defer span.End()

	c.log.Info("auto-passing turn",
		zap.String("unit_id", string(head)),
		zap.String("participant_id", string(owner)),
		zap.Duration("timeout", c.cfg.AutoPassTimeout))
	if _, err := c.apply(ctx, "", engine.AutoPass{Unit: head}); err != nil {
		span.RecordError(err)
	}
}

func (c *Controller) refreshIdleTimer() {
	if c.roster.anyPresent() {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		return
	}
	if c.idleTimer != nil {
		return
	}
	c.idleGen++
	gen := c.idleGen
	c.idleTimer = c.clock.AfterFunc(c.cfg.IdleTimeout, func() { c.enqueue(idle{gen: gen}) })
}

// finish ends the session exactly once: it notifies every connection,
// releases them and hands the report to OnEnd.
func (c *Controller) finish(reason EndReason, err error) {
	if c.ended {
		return
	}
	c.ended = true
	c.stopTurnTimer()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}

	now := c.clock.Now()
	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Uint64("version", c.version),
		zap.String("winner", string(c.state.Winner)),
	}
	if err != nil {
		c.log.Error("session failed", append(fields, zap.Error(err))...)
	} else {
		c.log.Info("session ended", fields...)
	}

	c.registry.Broadcast(c.id, protocol.NewSessionEnded(c.id, c.version, string(reason), string(c.state.Winner), now))
	c.registry.CloseSession(c.id)
	for _, p := range c.roster.members {
		p.Conn = nil
	}

	initial := c.initial
	if c.startedAt.IsZero() {
		initial = c.state.Clone()
	}
	report := Report{
		SessionID:    c.id,
		Reason:       reason,
		Err:          err,
		Winner:       c.state.Winner,
		Version:      c.version,
		Participants: c.roster.snapshot(),
		Initial:      initial,
		Final:        c.state.Clone(),
		Log:          append([]LogEntry(nil), c.history...),
		CreatedAt:    c.createdAt,
		StartedAt:    c.startedAt,
		LastActivity: c.lastActivity,
		EndedAt:      now,
	}
	if c.onEnd != nil {
		c.onEnd(report)
	}
	c.cancel()
}
