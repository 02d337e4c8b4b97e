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

package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteralMatch(t *testing.T) {
	b := New(8)
	ch := b.Subscribe("salt/job/123/new", PatternLiteral)

	b.Publish("salt/job/123/new", nil)
	b.Publish("salt/job/456/new", nil)

	select {
	case evt := <-ch:
		assert.Equal(t, "salt/job/123/new", evt.Tag)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrefixMatch(t *testing.T) {
	b := New(8)
	ch := b.Subscribe("salt/job/", PatternPrefix)

	b.Publish("salt/job/123/ret/web01", nil)
	b.Publish("salt/auth/drop", nil)

	select {
	case evt := <-ch:
		assert.Equal(t, "salt/job/123/ret/web01", evt.Tag)
	case <-time.After(time.Second):
		t.Fatal("expected prefix match")
	}
}

func TestGlobMatch(t *testing.T) {
	b := New(8)
	ch := b.Subscribe("salt/job/*/new", PatternGlob)

	b.Publish("salt/job/123/new", nil)

	select {
	case evt := <-ch:
		assert.Equal(t, "salt/job/123/new", evt.Tag)
	case <-time.After(time.Second):
		t.Fatal("expected glob match")
	}
}

func TestOverflowDropsOldestAndWarnsOnce(t *testing.T) {
	b := New(2)
	ch := b.Subscribe("tag", PatternLiteral)

	for i := 0; i < 10; i++ {
		b.Publish("tag", map[string]any{"i": i})
	}

	var events []Event
	drain := func() {
		for {
			select {
			case evt := <-ch:
				events = append(events, evt)
			default:
				return
			}
		}
	}
	drain()

	require.NotEmpty(t, events)
	foundWarning := false
	for _, e := range events {
		if e.Tag == "salt/bus/overflow" {
			foundWarning = true
		}
	}
	assert.True(t, foundWarning, "expected an overflow warning event")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(8)
	ch := b.Subscribe("tag", PatternLiteral)
	b.Unsubscribe(ch)

	b.Publish("tag", nil)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event after unsubscribe: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
