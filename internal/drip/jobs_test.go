package drip

import (
	"testing"
	"time"

	"github.com/foxzi/dripline/internal/store"
)

func TestDispatchJobID(t *testing.T) {
	if got := DispatchJobID("lead-1", 2); got != "dispatch:lead-1:2" {
		t.Errorf("DispatchJobID() = %q", got)
	}
}

func TestNewMessageID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	if got := NewMessageID(now, "lead", "step", "example.com"); got != "1700000000123.lead.step@example.com" {
		t.Errorf("NewMessageID() = %q", got)
	}
}

func TestWaitDelay(t *testing.T) {
	tests := []struct {
		days int
		want time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, 86_400_000 * time.Millisecond},
		{2, 172_800_000 * time.Millisecond},
	}
	for _, tc := range tests {
		if got := WaitDelay(tc.days); got != tc.want {
			t.Errorf("WaitDelay(%d) = %v, want %v", tc.days, got, tc.want)
		}
	}
}

func TestNextStep(t *testing.T) {
	tests := []struct {
		steps []int
		order int
		want  int
	}{
		{[]int{3, 1, 2}, 1, 2},
		{[]int{3, 1, 2}, 2, 3},
		{[]int{3, 1, 2}, 3, 0},
		{[]int{3, 1, 2}, 0, 1},
		{[]int{1, 3}, 1, 0},
		{[]int{1, 3}, 2, 3},
	}
	for _, tc := range tests {
		steps := make([]store.Step, len(tc.steps))
		for i, o := range tc.steps {
			steps[i].Order = o
		}
		next := nextStep(steps, tc.order)
		got := 0
		if next != nil {
			got = next.Order
		}
		if got != tc.want {
			t.Errorf("nextStep(%v, %d) = %d, want %d", tc.steps, tc.order, got, tc.want)
		}
	}
}
