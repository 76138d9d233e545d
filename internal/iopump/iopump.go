// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

// Package iopump implements a tasksched.Pump over Linux epoll, so a
// Scheduler can wait on real file descriptors (listener sockets, pipes,
// timerfds) in the same Run loop that drives its task queues, instead of
// the pure-Go ChannelPump's timer-only wait.
package iopump

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	tasksched "github.com/joeycumines/go-tasksched"
)

// IOEvents is a bitmask of the I/O readiness conditions a registered file
// descriptor can be watched for.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Callback is invoked, off the epoll syscall itself but still on the
// scheduler's bound goroutine, when a registered descriptor becomes ready.
type Callback func(IOEvents)

var (
	ErrFDAlreadyRegistered = errors.New("iopump: fd already registered")
	ErrFDNotRegistered     = errors.New("iopump: fd not registered")
	ErrClosed              = errors.New("iopump: pump closed")
)

type fdInfo struct {
	callback Callback
	events   IOEvents
}

// Pump implements tasksched.Pump over an epoll instance plus an eventfd
// used for cross-goroutine ScheduleWork wakeups. It is simplified from the
// direct 65536-entry array table this package is descended from down to a
// map, since a scheduler's own I/O pump is expected to watch a modest,
// dynamic set of descriptors rather than stand in for a high-fanout
// server-socket multiplexer.
type Pump struct {
	epfd   int
	wakeFd int

	mu  sync.RWMutex
	fds map[int]*fdInfo

	closed atomic.Bool

	quitMu    sync.Mutex
	quitStack []chan struct{}

	timerSlack  time.Duration
	hiResActive atomic.Bool

	nextDelayed atomic.Pointer[time.Time]
}

// New constructs a Pump with its own epoll instance and wakeup eventfd.
func New() (*Pump, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &Pump{
		epfd:   epfd,
		wakeFd: wakeFd,
		fds:    make(map[int]*fdInfo),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// RegisterFD watches fd for events, invoking cb on the bound goroutine
// whenever epoll reports readiness.
func (p *Pump) RegisterFD(fd int, events IOEvents, cb Callback) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.fds[fd]; exists {
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = &fdInfo{callback: cb, events: events}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		delete(p.fds, fd)
		return err
	}
	return nil
}

// UnregisterFD stops watching fd.
func (p *Pump) UnregisterFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.fds[fd]; !exists {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// ModifyFD changes the watched events for an already-registered fd.
func (p *Pump) ModifyFD(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, exists := p.fds[fd]
	if !exists {
		return ErrFDNotRegistered
	}
	info.events = events
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Run implements tasksched.Pump: drives delegate until Quit, sleeping in
// EpollWait between cycles so registered descriptors and ScheduleWork
// wakeups are both observed by the same syscall.
func (p *Pump) Run(delegate tasksched.RunDelegate) {
	myQuit := make(chan struct{})
	p.quitMu.Lock()
	p.quitStack = append(p.quitStack, myQuit)
	p.quitMu.Unlock()
	defer func() {
		p.quitMu.Lock()
		p.quitStack = p.quitStack[:len(p.quitStack)-1]
		p.quitMu.Unlock()
	}()

	var eventBuf [64]unix.EpollEvent
	for {
		select {
		case <-myQuit:
			return
		default:
		}

		if delegate.DoWork() {
			continue
		}

		didDelayed, next := delegate.DoDelayedWork()
		if didDelayed {
			continue
		}

		if delegate.DoIdleWork() {
			continue
		}

		timeout := -1
		if !next.IsZero() {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			ms := d / time.Millisecond
			if ms == 0 && d > 0 {
				ms = 1
			}
			timeout = int(ms)
		}

		n, err := unix.EpollWait(p.epfd, eventBuf[:], timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		p.dispatch(eventBuf[:n])
	}
}

func (p *Pump) dispatch(events []unix.EpollEvent) {
	for _, ev := range events {
		fd := int(ev.Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		p.mu.RLock()
		info, ok := p.fds[fd]
		p.mu.RUnlock()
		if ok && info.callback != nil {
			info.callback(epollToEvents(ev.Events))
		}
	}
}

func (p *Pump) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// Quit stops the innermost active Run, leaving any outer (nested) Run
// still waiting to resume. Writes to the wakeup eventfd so a Run blocked
// in EpollWait with no timeout notices immediately rather than at its
// next unrelated wakeup.
func (p *Pump) Quit() {
	p.quitMu.Lock()
	var top chan struct{}
	if n := len(p.quitStack); n > 0 {
		top = p.quitStack[n-1]
	}
	p.quitMu.Unlock()
	if top == nil {
		return
	}
	select {
	case <-top:
	default:
		close(top)
	}
	p.ScheduleWork()
}

// ScheduleWork wakes the pump via the eventfd. Safe from any goroutine.
func (p *Pump) ScheduleWork() {
	if p.closed.Load() {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakeFd, buf[:])
}

// ScheduleDelayedWork records the next desired wakeup, for introspection;
// the Run loop itself recomputes the timeout from DoDelayedWork's return
// value every cycle. Bound-goroutine only.
func (p *Pump) ScheduleDelayedWork(t time.Time) {
	p.nextDelayed.Store(&t)
}

// SetTimerSlack records a coalescing hint for idle-cycle wakeups.
// Bound-goroutine only.
func (p *Pump) SetTimerSlack(d time.Duration) {
	p.timerSlack = d
}

// SetHighResTimerActive implements tasksched.HighResTimerAware.
func (p *Pump) SetHighResTimerActive(active bool) {
	p.hiResActive.Store(active)
}

// Close releases the epoll and eventfd descriptors. Call after the
// scheduler bound to this pump has been destroyed.
func (p *Pump) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.Quit()
	_ = unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
