/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// GracefulShutdown holds a context cancelled by SIGTERM or SIGINT. Commands
// started with that context are killed when the user interrupts the run.
type GracefulShutdown struct {
	ctx  context.Context
	stop context.CancelFunc
	name string

	once    sync.Once
	stopped atomic.Bool
}

// New starts relaying SIGTERM and SIGINT to the returned context.
func New(name string) *GracefulShutdown {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	return &GracefulShutdown{
		ctx:  ctx,
		stop: stop,
		name: name,
	}
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// Interrupted reports whether a signal cancelled the context.
func (s *GracefulShutdown) Interrupted() bool {
	return !s.stopped.Load() && s.ctx.Err() != nil
}

// Stop restores the default signal behavior. It must run before the process
// image is replaced so the new program receives signals unfiltered.
//
// Stop is safe to call multiple times.
func (s *GracefulShutdown) Stop() {
	s.once.Do(func() {
		if s.ctx.Err() == nil {
			s.stopped.Store(true)
		}
		slog.Debug("releasing signal handlers", "name", s.name)
		s.stop()
	})
}
