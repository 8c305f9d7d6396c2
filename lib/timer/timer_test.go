// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiresAfterDeadline(t *testing.T) {
	s := NewService()
	defer s.Stop()

	s.Reset("a", 20*time.Millisecond)

	select {
	case key := <-s.Expired():
		assert.Equal(t, "a", key)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestResetRestartsWindow(t *testing.T) {
	s := NewService()
	defer s.Stop()

	s.Reset("a", 50*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	s.Reset("a", 50*time.Millisecond) // restart before the first would fire

	select {
	case <-s.Expired():
		t.Fatal("fired before the restarted deadline")
	case <-time.After(30 * time.Millisecond):
	}

	select {
	case key := <-s.Expired():
		assert.Equal(t, "a", key)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after restart")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	s := NewService()
	defer s.Stop()

	s.Reset("a", 20*time.Millisecond)
	s.Cancel("a")

	select {
	case key := <-s.Expired():
		t.Fatalf("cancelled timer fired: %s", key)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMultipleKeysIndependent(t *testing.T) {
	s := NewService()
	defer s.Stop()

	s.Reset("fast", 10*time.Millisecond)
	s.Reset("slow", 200*time.Millisecond)

	select {
	case key := <-s.Expired():
		require.Equal(t, "fast", key)
	case <-time.After(time.Second):
		t.Fatal("fast timer did not fire")
	}

	select {
	case key := <-s.Expired():
		require.Equal(t, "slow", key)
	case <-time.After(time.Second):
		t.Fatal("slow timer did not fire")
	}
}
