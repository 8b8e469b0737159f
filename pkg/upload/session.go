// Copyright 2023-2025 The Tboxdav Authors
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

// Package upload drives the chunked upload API of the Tbox backend. A
// session splits the incoming body into fixed-size parts, pushes them with a
// bounded worker pool and seals the object with a confirm call. Interrupted
// sessions keep their confirm key so a repeated PUT of the same file resumes
// instead of starting over.
package upload

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tboxdav/tboxdav/pkg/tbox"
)

const (
	// renewWindow is the minimum remaining credential lifetime before an
	// upload call; anything shorter forces a renewal first.
	renewWindow = 30 * time.Second
	// renewBatch caps how many part numbers a single renew call asks fresh
	// credentials for.
	renewBatch = 50
	// maxRenewAttempts bounds back-to-back renewal tries.
	maxRenewAttempts = 2
	// DefaultWorkers is the per-session upload concurrency.
	DefaultWorkers = 4
)

// State of a session.
type State int

// Session states.
const (
	StateNotInit State = iota
	StateConfirmKeyInit
	StateReady
	StateUploading
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateNotInit:
		return "NotInit"
	case StateConfirmKeyInit:
		return "ConfirmKeyInit"
	case StateReady:
		return "Ready"
	case StateUploading:
		return "Uploading"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type part struct {
	number   int
	inFlight bool
}

// Session is one resumable chunked upload. Workers complete and re-queue
// parts, renew the upload context and mark failures concurrently, so the
// mutable fields are guarded by mu.
type Session struct {
	backend tbox.Backend
	path    string
	size    int64

	mu         sync.Mutex
	state      State
	chunkCount int
	uctx       *tbox.UploadContext
	confirmKey string
	remain     []*part

	now func() time.Time
}

// NewSession prepares a session for path with the given total size. The part
// count is derived from the fixed chunk size of the backend.
func NewSession(backend tbox.Backend, path string, size int64) *Session {
	return &Session{
		backend:    backend,
		path:       path,
		size:       size,
		chunkCount: int((size + tbox.ChunkSize - 1) / tbox.ChunkSize),
		state:      StateNotInit,
		now:        time.Now,
	}
}

// Path returns the upload target.
func (s *Session) Path() string { return s.path }

// Size returns the total upload size.
func (s *Session) Size() int64 { return s.size }

// ChunkCount returns the number of parts.
func (s *Session) ChunkCount() int { return s.chunkCount }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resumable reports whether a failed session can pick up where it stopped:
// the backend handed out a confirm key and parts are still missing.
func (s *Session) Resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateError && s.confirmKey != "" && len(s.remain) > 0
}

// reset moves a failed session back to a preparable state. With a confirm
// key the session resumes via renewal, otherwise it starts from scratch.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateError {
		return
	}
	for _, p := range s.remain {
		p.inFlight = false
	}
	if s.confirmKey != "" {
		s.state = StateConfirmKeyInit
	} else {
		s.state = StateNotInit
	}
}

// Prepare brings the session to Ready. From NotInit it starts a fresh chunk
// upload; from ConfirmKeyInit it renews credentials for the missing parts;
// from Ready, Uploading or Done it is a no-op.
func (s *Session) Prepare(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateReady, StateUploading, StateDone:
		return nil
	case StateError:
		s.reset()
		return s.Prepare(ctx)
	case StateConfirmKeyInit:
		if err := s.renew(ctx); err != nil {
			return err
		}
	case StateNotInit:
		var uctx *tbox.UploadContext
		err := tbox.Retry(ctx, func() error {
			var err error
			uctx, err = s.backend.StartChunkUpload(ctx, s.path, s.chunkCount)
			return err
		})
		if err != nil {
			s.fail()
			return errors.Wrap(err, "upload: start chunk upload")
		}
		s.mu.Lock()
		s.uctx = uctx
		s.confirmKey = uctx.ConfirmKey
		s.remain = make([]*part, 0, s.chunkCount)
		for i := 1; i <= s.chunkCount; i++ {
			s.remain = append(s.remain, &part{number: i})
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

// renew fetches fresh credentials for the first missing parts. Up to two
// attempts; a final failure marks the session failed.
func (s *Session) renew(ctx context.Context) error {
	s.mu.Lock()
	key := s.confirmKey
	nums := make([]int, 0, renewBatch)
	for _, p := range s.remain {
		if len(nums) == renewBatch {
			break
		}
		nums = append(nums, p.number)
	}
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxRenewAttempts; attempt++ {
		uctx, err := s.backend.RenewChunkUpload(ctx, key, nums)
		if err == nil {
			s.mu.Lock()
			s.uctx = uctx
			if uctx.ConfirmKey != "" {
				s.confirmKey = uctx.ConfirmKey
			}
			s.mu.Unlock()
			return nil
		}
		lastErr = err
	}
	s.fail()
	return errors.Wrap(lastErr, "upload: renew chunk upload")
}

func (s *Session) fail() {
	s.mu.Lock()
	s.state = StateError
	s.mu.Unlock()
}

// NextPart hands out the first part that is not in flight and marks it so.
// waiting reports that every missing part is currently in flight; done
// reports that no parts are missing at all.
func (s *Session) NextPart() (num int, waiting, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.remain) == 0 {
		return 0, false, true
	}
	for _, p := range s.remain {
		if !p.inFlight {
			p.inFlight = true
			return p.number, false, false
		}
	}
	return 0, true, false
}

// EnsureNoExpire guarantees a usable credential for num: the shared context
// must live at least the renew window and the per-part credential must be
// present, otherwise credentials are renewed first.
func (s *Session) EnsureNoExpire(ctx context.Context, num int) error {
	s.mu.Lock()
	ok := s.uctx != nil && s.uctx.Expiration.Sub(s.now()) >= renewWindow
	if ok {
		_, ok = s.uctx.Parts[num]
	}
	s.mu.Unlock()

	if ok {
		return nil
	}
	return s.renew(ctx)
}

// UploadPart pushes one part body to its presigned target.
func (s *Session) UploadPart(ctx context.Context, num int, body io.Reader, length int64) error {
	s.mu.Lock()
	cred, ok := s.uctx.Parts[num]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("upload: no credential for part %d", num)
	}
	return s.backend.UploadChunk(ctx, cred, body, length)
}

// CompletePart removes num from the missing set. Only called after the
// backend acknowledged the part.
func (s *Session) CompletePart(num int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.remain {
		if p.number == num {
			s.remain = append(s.remain[:i], s.remain[i+1:]...)
			return
		}
	}
}

// requeue clears the in-flight flag so the part is handed out again.
func (s *Session) requeue(num int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.remain {
		if p.number == num {
			p.inFlight = false
			return
		}
	}
}

// missing reports whether num still needs to be uploaded.
func (s *Session) missing(num int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.remain {
		if p.number == num {
			return true
		}
	}
	return false
}

// Confirm seals the upload once no parts are missing.
func (s *Session) Confirm(ctx context.Context, crc string) error {
	s.mu.Lock()
	if len(s.remain) > 0 {
		n := len(s.remain)
		s.mu.Unlock()
		return errors.Errorf("upload: confirm with %d parts missing", n)
	}
	key := s.confirmKey
	s.mu.Unlock()

	err := tbox.Retry(ctx, func() error {
		return s.backend.ConfirmUpload(ctx, key, crc)
	})
	if err != nil {
		s.fail()
		return errors.Wrap(err, "upload: confirm")
	}
	s.mu.Lock()
	s.state = StateDone
	s.mu.Unlock()
	return nil
}

// partLength returns the byte length of part num.
func (s *Session) partLength(num int) int64 {
	if num < s.chunkCount {
		return tbox.ChunkSize
	}
	return s.size - int64(s.chunkCount-1)*tbox.ChunkSize
}

// Run is the coordinator: it prepares the session, streams body part by
// part, fans uploads out to a bounded worker pool and confirms at the end.
// Parts already acknowledged in a previous attempt are skipped by draining
// their bytes. The CRC of the full stream is handed to the confirm call.
func (s *Session) Run(ctx context.Context, body io.Reader, workers int) error {
	if err := s.Prepare(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StateUploading
	s.mu.Unlock()

	if workers <= 0 {
		workers = DefaultWorkers
	}

	digest := crc64.New(crc64.MakeTable(crc64.ECMA))
	body = io.TeeReader(body, digest)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for num := 1; num <= s.chunkCount; num++ {
		length := s.partLength(num)
		if !s.missing(num) {
			if _, err := io.CopyN(io.Discard, body, length); err != nil {
				s.fail()
				return errors.Wrap(err, "upload: skip acknowledged part")
			}
			continue
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(body, buf); err != nil {
			s.fail()
			g.Wait() // nolint:errcheck
			return errors.Wrapf(err, "upload: read part %d", num)
		}

		num := num
		g.Go(func() error {
			if err := s.EnsureNoExpire(gctx, num); err != nil {
				s.requeue(num)
				return err
			}
			err := tbox.Retry(gctx, func() error {
				return s.UploadPart(gctx, num, bytes.NewReader(buf), int64(len(buf)))
			})
			if err != nil {
				s.requeue(num)
				return errors.Wrapf(err, "upload: part %d", num)
			}
			s.CompletePart(num)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.fail()
		return err
	}

	sum := make([]byte, 8)
	binary.BigEndian.PutUint64(sum, digest.Sum64())
	return s.Confirm(ctx, fmt.Sprintf("%x", sum))
}
