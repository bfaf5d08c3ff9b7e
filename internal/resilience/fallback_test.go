package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failing  map[string]bool
		wantUsed string
		wantErr  bool
	}{
		{"primary healthy", nil, "primary", false},
		{"primary down", map[string]bool{"primary": true}, "secondary", false},
		{"all down", map[string]bool{"primary": true, "secondary": true}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
			fg.AddFallback("secondary", "secondary")

			var used string
			err := fg.Execute(func(v string) error {
				if tc.failing[v] {
					return errTest
				}
				used = v
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr && (!errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest)) {
				t.Errorf("err = %v, want ErrAllFailed wrapping the last error", err)
			}
			if used != tc.wantUsed {
				t.Errorf("used = %q, want %q", used, tc.wantUsed)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreakerAndReportsAttempts(t *testing.T) {
	t.Parallel()

	type attempt struct {
		name string
		ok   bool
	}
	var attempts []attempt
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		OnAttempt: func(name string, err error) {
			attempts = append(attempts, attempt{name, err == nil})
		},
	})
	fg.AddFallback("secondary", "secondary")

	call := func() (string, error) {
		return ExecuteWithResult(fg, func(v string) (string, error) {
			if v == "primary" {
				return "", errTest
			}
			return "from " + v, nil
		})
	}

	for range 2 {
		got, err := call()
		if err != nil || got != "from secondary" {
			t.Fatalf("got %q, %v", got, err)
		}
	}

	want := []attempt{{"primary", false}, {"secondary", true}, {"secondary", true}}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %v, want %v", attempts, want)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Errorf("attempt %d = %v, want %v", i, attempts[i], want[i])
		}
	}

	states := fg.States()
	if states["primary"] != StateOpen || states["secondary"] != StateClosed {
		t.Errorf("states = %v", states)
	}
	if names := fg.Names(); len(names) != 2 || names[0] != "primary" {
		t.Errorf("names = %v", names)
	}
}
