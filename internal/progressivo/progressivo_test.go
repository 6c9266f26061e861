// Copyright (c) 2026 John Earle
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

package progressivo

import (
	"context"
	"errors"
	"testing"
)

// fakeChecker counts lookups and answers from a canned function.
type fakeChecker struct {
	calls  int
	exists func(name string) (bool, error)
}

func (f *fakeChecker) Exists(_ context.Context, name string, _ int64) (bool, error) {
	f.calls++
	return f.exists(name)
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func TestAllocateReusesExisting(t *testing.T) {
	checker := &fakeChecker{exists: func(string) (bool, error) { return false, nil }}
	a := New(checker)

	got := a.Allocate(context.Background(), "IT12345670017_1000U.xml", "IT12345670017", 1)
	if got != "1000U" {
		t.Errorf("Allocate = %q, want reused 1000U", got)
	}
	if checker.calls != 0 {
		t.Errorf("collision checker consulted %d times on reuse", checker.calls)
	}
}

func TestAllocateFreshValue(t *testing.T) {
	checker := &fakeChecker{exists: func(string) (bool, error) { return false, nil }}
	a := New(checker)

	got := a.Allocate(context.Background(), "", "IT12345670017", 1)
	if len(got) != 5 || !isAlphanumeric(got) {
		t.Errorf("Allocate = %q, want 5 alphanumerics", got)
	}
	if checker.calls != 1 {
		t.Errorf("checker calls = %d, want 1", checker.calls)
	}
}

func TestAllocateExhaustedCollisionsStillReturns(t *testing.T) {
	checker := &fakeChecker{exists: func(string) (bool, error) { return true, nil }}
	a := New(checker)

	got := a.Allocate(context.Background(), "", "IT12345670017", 1)
	if len(got) != 5 || !isAlphanumeric(got) {
		t.Errorf("Allocate = %q, want 5 alphanumerics despite collisions", got)
	}
	if checker.calls != 20 {
		t.Errorf("checker calls = %d, want 20", checker.calls)
	}
}

func TestAllocateCheckerErrorAcceptsCandidate(t *testing.T) {
	checker := &fakeChecker{exists: func(string) (bool, error) { return false, errors.New("db down") }}
	a := New(checker)

	got := a.Allocate(context.Background(), "", "IT12345670017", 1)
	if len(got) != 5 {
		t.Errorf("Allocate = %q, want a value despite checker error", got)
	}
	if checker.calls != 1 {
		t.Errorf("checker calls = %d, want 1", checker.calls)
	}
}

func TestAllocateWithoutSenderSkipsCheck(t *testing.T) {
	checker := &fakeChecker{exists: func(string) (bool, error) { return true, nil }}
	a := New(checker)

	got := a.Allocate(context.Background(), "", "", 1)
	if len(got) != 5 {
		t.Errorf("Allocate = %q, want plain random value", got)
	}
	if checker.calls != 0 {
		t.Errorf("checker consulted without a sender id")
	}
}

func TestAllocateIgnoresNotificationNames(t *testing.T) {
	// A notification filename does not yield a reusable progressivo.
	checker := &fakeChecker{exists: func(string) (bool, error) { return false, nil }}
	a := New(checker)

	got := a.Allocate(context.Background(), "IT12345670017_1000U_RC_001.xml", "IT12345670017", 1)
	if got == "1000U_RC_001" {
		t.Errorf("Allocate reused a non-conforming progressivo")
	}
	if len(got) != 5 {
		t.Errorf("Allocate = %q, want fresh 5-char value", got)
	}
}
