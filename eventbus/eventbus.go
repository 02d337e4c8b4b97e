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

// Package eventbus implements the in-process tag-routed pub/sub bus jobs,
// returns, and auth transitions fire onto. Tags are forward-slash
// delimited paths; subscribers match on literal, prefix, or glob patterns.
package eventbus

import (
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the bounded ring buffer size before overflow starts
// dropping the oldest unread event.
const DefaultCapacity = 10000

// Event is one published item.
type Event struct {
	Tag   string
	Data  map[string]any
	Stamp time.Time
}

// PatternKind selects how a subscriber's pattern is interpreted.
type PatternKind int

const (
	// PatternLiteral matches the tag exactly.
	PatternLiteral PatternKind = iota
	// PatternPrefix matches any tag beginning with the pattern.
	PatternPrefix
	// PatternGlob matches via path.Match-style shell globbing.
	PatternGlob
)

type subscriber struct {
	pattern string
	kind    PatternKind
	ch      chan Event
}

// Bus is a bounded, multi-producer multi-consumer tag-routed pub/sub.
// Overflow (a full subscriber channel) drops the oldest unread event for
// that subscriber and emits a one-shot "salt/bus/overflow" warning event.
type Bus struct {
	mu          sync.RWMutex
	subs        []*subscriber
	capacity    int
	warnedOnce  map[*subscriber]bool
}

// New creates a Bus with the given per-subscriber channel capacity (0 uses
// DefaultCapacity).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, warnedOnce: make(map[*subscriber]bool)}
}

// Subscribe registers pattern/kind and returns a channel of matching
// events. The channel is never closed by the bus; callers should stop
// reading and call Unsubscribe when done.
func (b *Bus) Subscribe(pattern string, kind PatternKind) <-chan Event {
	sub := &subscriber{pattern: pattern, kind: kind, ch: make(chan Event, b.capacity)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes the subscriber owning ch, if found.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			delete(b.warnedOnce, sub)
			return
		}
	}
}

// Publish delivers an event carrying tag and data to every subscriber whose
// pattern matches tag. The event's Stamp is the time of the call.
func (b *Bus) Publish(tag string, data map[string]any) {
	evt := Event{Tag: tag, Data: data, Stamp: time.Now()}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if matches(tag, sub.pattern, sub.kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Overflow: drop the oldest queued event, then try once more.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- evt:
	default:
	}

	b.mu.Lock()
	alreadyWarned := b.warnedOnce[sub]
	if !alreadyWarned {
		b.warnedOnce[sub] = true
	}
	b.mu.Unlock()

	if !alreadyWarned {
		warning := Event{Tag: "salt/bus/overflow", Data: map[string]any{"pattern": sub.pattern}, Stamp: time.Now()}
		select {
		case sub.ch <- warning:
		default:
			// Still full after the event above: drop one more to make room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- warning:
			default:
			}
		}
	}
}

func matches(tag, pattern string, kind PatternKind) bool {
	switch kind {
	case PatternLiteral:
		return tag == pattern
	case PatternPrefix:
		return strings.HasPrefix(tag, pattern)
	case PatternGlob:
		ok, _ := path.Match(pattern, tag)
		return ok
	default:
		return false
	}
}
