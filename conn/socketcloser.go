package conn

import (
	"github.com/Meander-Cloud/go-p2plink/iofilter"
	"github.com/rs/zerolog/log"
)

// closerWorkerCount bounds the number of goroutines performing blocking
// socket-close syscalls concurrently, so a storm of simultaneous
// disconnects cannot spawn an unbounded number of closer goroutines, per
// spec.md section 4.12's async-close requirement.
const closerWorkerCount = 4

var closeRequests = make(chan iofilter.Filter, 256)

func init() {
	for i := 0; i < closerWorkerCount; i++ {
		go closerWorker()
	}
}

func closerWorker() {
	for f := range closeRequests {
		if err := f.Close(); err != nil {
			log.Debug().Err(err).Msg("socket close returned error")
		}
	}
}

// closeAsync hands f's underlying socket close to the bounded worker pool
// instead of blocking the caller (typically a reader goroutine mid-
// teardown) on the close syscall.
func closeAsync(f iofilter.Filter) {
	select {
	case closeRequests <- f:
	default:
		// pool saturated: close synchronously rather than drop the
		// request, since a leaked file descriptor is worse than a brief
		// stall.
		if err := f.Close(); err != nil {
			log.Debug().Err(err).Msg("socket close returned error")
		}
	}
}
