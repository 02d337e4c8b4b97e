// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/internal/metrics"
	"github.com/sage-x-project/saltcore/jobcache"
)

// maxJidAttempts bounds how many times allocateJID retries after a
// PrepJID collision before giving up.
const maxJidAttempts = 5

// jidLayout produces the YYYYMMDDHHMMSSmmmmmm timestamp prefix Salt-style
// JIDs use: a 20-digit microsecond-resolution timestamp.
const jidLayout = "20060102150405.000000"

func newJIDCandidate(now time.Time) (string, error) {
	ts := now.Format(jidLayout)
	// strip the literal '.' the layout leaves between seconds and
	// microseconds so the result is a plain digit string.
	stamp := ts[:14] + ts[15:]

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("dispatch: generate jid suffix: %w", err)
	}

	return stamp + hex.EncodeToString(suffix[:]), nil
}

// allocateJID mints a JID and reserves it in returner, retrying on
// collision up to maxJidAttempts times before failing with
// errs.CodeJidCollision.
func allocateJID(ctx context.Context, returner jobcache.Returner, now func() time.Time) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxJidAttempts; attempt++ {
		jid, err := newJIDCandidate(now())
		if err != nil {
			return "", err
		}

		if err := returner.PrepJID(ctx, jid); err != nil {
			lastErr = err
			metrics.JidCollisions.Inc()
			continue
		}
		return jid, nil
	}

	return "", errs.Wrap(errs.CodeJidCollision, fmt.Sprintf("failed to allocate jid after %d attempts", maxJidAttempts), lastErr)
}
