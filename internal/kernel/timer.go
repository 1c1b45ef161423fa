package kernel

import "time"

// pollInterval bounds how long the timer goroutine ever sleeps between consulting the scheduler's
// next deadline. A real timer would reprogram a compare register to the exact deadline (per §4.3);
// this goroutine polls instead, since Go gives no cheaper way to wait for "the earlier of an alarm
// and a preemption tick" without building the same machinery sched.Kernel already owns.
const pollInterval = 1 * time.Millisecond

// runTimer is the boot sequencer's timer source: it repeatedly calls Sched.Tick with the current
// clock reading, which is how every alarm wakeup and preemption-tick decision in §4.3 actually
// happens. It exits when stop is closed. stop is passed in (rather than read from k.stopTimer)
// so Shutdown can clear that field without racing this goroutine's read of it.
func (k *Kernel) runTimer(stop <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			k.Sched.Tick(k.Clock.Now())
		}
	}
}
