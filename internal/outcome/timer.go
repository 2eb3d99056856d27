package outcome

import "time"

// RealTimer schedules retry dispatches on the process's real clock via
// time.AfterFunc. The zero value is ready to use.
type RealTimer struct{}

func (RealTimer) AfterFunc(delayMS int64, fn func()) {
	if delayMS <= 0 {
		go fn()
		return
	}
	time.AfterFunc(time.Duration(delayMS)*time.Millisecond, fn)
}
