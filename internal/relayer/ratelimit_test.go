package relayer

import (
	"testing"
	"time"
)

func TestSlidingWindow_AdmitsUpToLimit(t *testing.T) {
	w := newSlidingWindow(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !w.allow("0xabc", now) {
			t.Fatalf("attempt %d rejected under limit", i)
		}
	}
	if w.allow("0xabc", now) {
		t.Fatal("attempt over limit admitted")
	}
}

func TestSlidingWindow_SlidesWithTime(t *testing.T) {
	w := newSlidingWindow(2, time.Minute)
	base := time.Now()

	if !w.allow("0xabc", base) {
		t.Fatal("first attempt rejected")
	}
	if !w.allow("0xabc", base.Add(30*time.Second)) {
		t.Fatal("second attempt rejected")
	}
	if w.allow("0xabc", base.Add(45*time.Second)) {
		t.Fatal("third attempt inside window admitted")
	}
	// The first timestamp falls out of the window; capacity frees up.
	if !w.allow("0xabc", base.Add(61*time.Second)) {
		t.Fatal("attempt after window slid rejected")
	}
}

func TestSlidingWindow_RejectedAttemptNotRecorded(t *testing.T) {
	w := newSlidingWindow(1, time.Minute)
	base := time.Now()

	if !w.allow("0xabc", base) {
		t.Fatal("first attempt rejected")
	}
	// Hammering while limited must not extend the lockout.
	for i := 1; i <= 5; i++ {
		if w.allow("0xabc", base.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("attempt %d admitted over limit", i)
		}
	}
	if !w.allow("0xabc", base.Add(61*time.Second)) {
		t.Fatal("rejected attempts extended the window")
	}
}

func TestSlidingWindow_NormalizesUserKey(t *testing.T) {
	w := newSlidingWindow(1, time.Minute)
	now := time.Now()

	if !w.allow("0xAbC", now) {
		t.Fatal("first attempt rejected")
	}
	if w.allow(" 0xabc ", now) {
		t.Fatal("case/space variant bypassed the limit")
	}
}
