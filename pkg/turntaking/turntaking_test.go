package turntaking

import (
	"context"
	"testing"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
)

func TestWaitForSilenceReturnsImmediatelyWhenAlreadySilent(t *testing.T) {
	flags := &gwcore.Flags{}
	flags.SetCallerSilent(true)
	c := New(flags)

	start := time.Now()
	if !c.WaitForSilence(context.Background(), time.Second) {
		t.Fatalf("expected WaitForSilence to return true")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("expected immediate return, took %s", time.Since(start))
	}
}

func TestMarkSilenceDeclaredWakesWaiter(t *testing.T) {
	flags := &gwcore.Flags{}
	c := New(flags)

	done := make(chan bool, 1)
	go func() {
		done <- c.WaitForSilence(context.Background(), 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	c.MarkSilenceDeclared()

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected WaitForSilence to report silence")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was never woken")
	}
}

func TestWaitForSilenceTimesOut(t *testing.T) {
	flags := &gwcore.Flags{}
	c := New(flags)

	if c.WaitForSilence(context.Background(), 30*time.Millisecond) {
		t.Fatalf("expected timeout, not silence")
	}
}
