package engine

import (
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"

	xsync "github.com/anacrolix/sync"
)

// runnerLock is the engine's single-threaded cooperative runner: every call
// into the message dispatcher, the tick loop, and the piece-completion
// bookkeeping executes while holding it, so no two of them run
// simultaneously (§5). Suspension points (disk write/hash, tracker
// announce, web-seed attach) release it with SafeUnlock/SafeLock around the
// awaited operation, exactly the way the teacher's receiveChunkImpl releases
// cl._mu.internal around a storage write.
//
// Deferred actions scheduled with Defer run once, in order, when Unlock is
// called — used to coalesce "drain the send queue" and similar idempotent
// follow-ups that would otherwise run once per message handled this tick.
type runnerLock struct {
	internal      xsync.RWMutex
	unlockActions []func()
	uniqueActions map[any]struct{}
	allowDefers   bool
	debug         *lockDebugState
}

func (me *runnerLock) Lock() {
	me.internal.Lock()
	if me.allowDefers {
		panic("runnerLock: Lock called while defers already allowed")
	}
	me.allowDefers = true
	me.debugOnLock()
}

func (me *runnerLock) Unlock() {
	if !me.allowDefers {
		panic("runnerLock: Unlock called without matching Lock")
	}
	me.debugOnUnlock()
	me.allowDefers = false
	me.runUnlockActions()
	me.internal.Unlock()
}

func (me *runnerLock) RLock()   { me.internal.RLock() }
func (me *runnerLock) RUnlock() { me.internal.RUnlock() }

// Defer schedules action to run when the lock is unlocked.
func (me *runnerLock) Defer(action func()) {
	if !me.allowDefers {
		panic("runnerLock: Defer called without held lock")
	}
	me.unlockActions = append(me.unlockActions, action)
}

// DeferUnique schedules action to run on unlock at most once per key during
// the current critical section.
func (me *runnerLock) DeferUnique(key any, action func()) {
	if !me.allowDefers {
		panic("runnerLock: DeferUnique called without held lock")
	}
	if me.uniqueActions == nil {
		me.uniqueActions = make(map[any]struct{})
	}
	if _, ok := me.uniqueActions[key]; ok {
		return
	}
	me.uniqueActions[key] = struct{}{}
	me.unlockActions = append(me.unlockActions, action)
}

// DeferUniqueUnaryFunc guards against duplicate scheduling of the same
// unary method against the same argument within one critical section.
func (me *runnerLock) DeferUniqueUnaryFunc(arg any, action func()) {
	me.DeferUnique(unaryFuncKey(action, arg), action)
}

func unaryFuncKey(f func(), key any) funcAndArgKey {
	return funcAndArgKey{funcStr: reflect.ValueOf(f).String(), key: key}
}

type funcAndArgKey struct {
	funcStr string
	key     any
}

func (me *runnerLock) runUnlockActions() {
	startLen := len(me.unlockActions)
	for i := 0; i < len(me.unlockActions); i++ {
		me.unlockActions[i]()
	}
	if startLen != len(me.unlockActions) {
		panic(fmt.Sprintf("runnerLock: num deferred changed while running: %v -> %v", startLen, len(me.unlockActions)))
	}
	me.unlockActions = me.unlockActions[:0]
	me.uniqueActions = nil
}

// FlushDeferred runs pending deferred actions while still holding the lock.
func (me *runnerLock) FlushDeferred() {
	if !me.allowDefers {
		panic("runnerLock: FlushDeferred called without held lock")
	}
	me.runUnlockActions()
}

// SafeUnlock releases the internal mutex without running deferred actions.
// Used around suspension points (disk I/O, network announces) so a
// re-entrant Lock from another goroutine during the await doesn't trigger
// this goroutine's queued follow-ups out of order.
func (me *runnerLock) SafeUnlock() {
	if !me.allowDefers {
		panic("runnerLock: SafeUnlock called without held lock")
	}
	me.debugOnUnlock()
	me.allowDefers = false
	me.internal.Unlock()
}

// SafeLock reacquires the mutex after SafeUnlock.
func (me *runnerLock) SafeLock() {
	me.internal.Lock()
	if me.allowDefers {
		panic("runnerLock: SafeLock called while defers already allowed")
	}
	me.allowDefers = true
	me.debugOnLock()
}

// Locker yields a sync.Locker using SafeLock/SafeUnlock, for APIs that only
// accept a plain sync.Locker (e.g. stateChanged.Wait's caller contexts that
// pass through a condition-variable-shaped interface).
type Locker struct {
	mu *runnerLock
}

func (l *Locker) Lock()   { l.mu.SafeLock() }
func (l *Locker) Unlock() { l.mu.SafeUnlock() }

func (me *runnerLock) AsLocker() sync.Locker {
	return &Locker{mu: me}
}

// EnableDebug turns on ownership checks and optional stack capture for
// diagnosing lock-discipline bugs during development.
func (me *runnerLock) EnableDebug(name string, captureStacks bool) {
	if name == "" && !captureStacks {
		me.debug = nil
		return
	}
	me.debug = &lockDebugState{name: name, captureStacks: captureStacks}
}

func (me *runnerLock) debugOnLock() {
	if me.debug == nil {
		return
	}
	gid := currentGoroutineID()
	if me.debug.owner == gid {
		me.debug.depth++
		return
	}
	if me.debug.owner != 0 {
		panic(fmt.Sprintf("runnerLock %s already owned by goroutine %d (attempt %d)\nprevious lock stack:\n%s",
			me.debug.name, me.debug.owner, gid, strings.TrimSpace(string(me.debug.lastStack))))
	}
	me.debug.owner = gid
	me.debug.depth = 1
	if me.debug.captureStacks {
		me.debug.lastStack = captureStack()
	}
}

func (me *runnerLock) debugOnUnlock() {
	if me.debug == nil {
		return
	}
	gid := currentGoroutineID()
	if me.debug.owner != gid {
		panic(fmt.Sprintf("runnerLock unlock of %s by goroutine %d (owner %d)\nowner stack:\n%s",
			me.debug.name, gid, me.debug.owner, strings.TrimSpace(string(me.debug.lastStack))))
	}
	me.debug.depth--
	if me.debug.depth == 0 {
		me.debug.owner = 0
		if me.debug.captureStacks {
			me.debug.lastStack = nil
		}
	}
}

type lockDebugState struct {
	name          string
	owner         int64
	depth         int
	captureStacks bool
	lastStack     []byte
}

func captureStack() []byte {
	buf := make([]byte, 2048)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, len(buf)*2)
	}
}

func currentGoroutineID() int64 {
	const prefix = "goroutine "
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	line := strings.TrimPrefix(string(buf[:n]), prefix)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return -1
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return -1
	}
	return id
}
