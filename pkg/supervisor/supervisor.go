// Copyright 2023 The mqtt-gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor runs actors under a one-for-one restart policy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/mqtt-gateway/pkg/actor"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
)

// DefaultRestartDelay separates two starts of a failing child.
const DefaultRestartDelay = time.Second

// ErrNoSpecs is returned by Start when no child is given.
var ErrNoSpecs = errors.New("no child specs provided")

// RestartStrategy defines when a terminated child is started again.
type RestartStrategy int

const (
	// RestartPermanent always restarts the child.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an error or a panic.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

func (s RestartStrategy) shouldRestart(err error) bool {
	switch s {
	case RestartPermanent:
		return true
	case RestartTransient:
		return err != nil
	default:
		return false
	}
}

// Spec describes a supervised child.
type Spec struct {
	// ID identifies the child in log output.
	ID string
	// Kind groups children for metrics, e.g. "writer".
	Kind    string
	Actor   actor.Actor
	Restart RestartStrategy
	Mailbox *actor.Mailbox
	// OnExit, if set, is called once the child terminates for good.
	OnExit func(err error)
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	delay  time.Duration
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewOneForOneSupervisor creates a supervisor waiting delay between restarts.
// A non-positive delay selects DefaultRestartDelay.
func NewOneForOneSupervisor(delay time.Duration) *OneForOneSupervisor {
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	return &OneForOneSupervisor{delay: delay}
}

// Start launches a fixed set of children.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches a child in its own goroutine. The returned function
// stops the child.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) context.CancelFunc {
	childCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.monitor(childCtx, cancel, spec)
	}()
	return cancel
}

// Active returns the number of children that have not terminated for good.
func (s *OneForOneSupervisor) Active() int {
	return int(s.active.Load())
}

// Wait blocks until every child has terminated for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

func (s *OneForOneSupervisor) monitor(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	var err error
	defer func() {
		if spec.OnExit != nil {
			spec.OnExit(err)
		}
	}()

	for {
		err = run(ctx, spec)
		if ctx.Err() != nil {
			log.Printf("[DEBUG] Child %s stopped", spec.ID)
			return
		}
		if !spec.Restart.shouldRestart(err) {
			if err != nil {
				log.Printf("[WARN] Child %s terminated: %v", spec.ID, err)
			}
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.Kind).Inc()
		log.Printf("[WARN] Restarting child %s after: %v", spec.ID, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.delay):
		}
	}
}

func run(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("child %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
