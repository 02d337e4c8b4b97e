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

package keystore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSubmitCreatesPending(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.Submit("web01", []byte("pem-data"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, "web01", rec.MinionID)
}

func TestAcceptRejectDenyTransitions(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Submit("web01", []byte("pem-data"))
	require.NoError(t, err)

	rec, err := s.Accept("web01")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, rec.State)

	rec, err = s.Reject("web01")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, rec.State)

	rec, err = s.Deny("web01")
	require.NoError(t, err)
	assert.Equal(t, StateDenied, rec.State)
}

func TestTransitionUnknownMinionFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Accept("ghost")
	assert.Error(t, err)
}

func TestSubmitRekeyRevertsToPending(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Submit("web01", []byte("key-v1"))
	require.NoError(t, err)
	_, err = s.Accept("web01")
	require.NoError(t, err)

	rec, err := s.Submit("web01", []byte("key-v2"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, []byte("key-v2"), rec.PubKeyPEM)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Submit("web01", []byte("pem-data"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("web01"))
	_, ok := s.Get("web01")
	assert.False(t, ok)
}

func TestListFiltersByState(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Submit("web01", []byte("pem-data"))
	require.NoError(t, err)
	_, err = s.Submit("web02", []byte("pem-data"))
	require.NoError(t, err)
	_, err = s.Accept("web01")
	require.NoError(t, err)

	accepted := s.List(StateAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "web01", accepted[0].MinionID)

	all := s.List("")
	assert.Len(t, all, 2)
}

func TestInvalidMinionIDRejected(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Submit("../escape", []byte("pem-data"))
	assert.Error(t, err)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Submit("web01", []byte("pem-data"))
	require.NoError(t, err)
	_, err = s.Accept("web01")
	require.NoError(t, err)
	s.Close()

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	rec, ok := s2.Get("web01")
	require.True(t, ok)
	assert.Equal(t, StateAccepted, rec.State)
}

func TestConcurrentSubmitsSerialize(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = s.Submit("web01", []byte("pem-data"))
		}(i)
	}
	wg.Wait()

	rec, ok := s.Get("web01")
	require.True(t, ok)
	assert.Equal(t, "web01", rec.MinionID)
}
