/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

var (
	// ErrAlreadyExists is returned when creating a segment or region that exists.
	ErrAlreadyExists = errors.New("shared memory object already exists")
	// ErrOpenFailed is returned when opening a segment failed after all retries.
	ErrOpenFailed = errors.New("could not open shared memory segment")
	// ErrNotInitialized is reported when the segment is used before Initialize.
	ErrNotInitialized = errors.New("segment not initialized")
	// ErrOutOfMemory means the segment has no free block large enough right now.
	ErrOutOfMemory = errors.New("not enough free memory in segment")
	// ErrTooLarge means a request can never be satisfied by the segment.
	ErrTooLarge = errors.New("allocation larger than segment capacity")
	// ErrInterrupted is returned by blocking calls after Manager.Interrupt.
	ErrInterrupted = errors.New("transfer interrupted")
	// ErrOwnerNotFound is returned when a handle does not resolve to a live owner.
	ErrOwnerNotFound = errors.New("shared owner not found")
	// ErrInvalidHandle is returned for handles outside the heap or not allocated.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrTimeout is returned when a bounded queue operation times out.
	ErrTimeout = errors.New("operation timed out")
	// ErrAlreadyRemoved is reported when removing an object that is already gone.
	ErrAlreadyRemoved = errors.New("already removed")
	// ErrRegionNotFound is returned for unknown region ids.
	ErrRegionNotFound = errors.New("region not found")
	// ErrTooManyRegions is returned when the region worker pool is exhausted.
	ErrTooManyRegions = errors.New("too many regions")
	// ErrInvalidLayout is returned when a mapped object has a bad header.
	ErrInvalidLayout = errors.New("invalid shared memory layout")
	// ErrClosed is returned when using a closed manager or queue.
	ErrClosed = errors.New("closed")
	// ErrShareMemoryHadNotLeftSpace is returned when /dev/shm is full.
	ErrShareMemoryHadNotLeftSpace = internalshm.ErrNoSpaceLeft
)

func mapPlatformError(err error) error {
	if errors.Is(err, internalshm.ErrTimeout) {
		return ErrTimeout
	}
	return err
}
