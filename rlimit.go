package epore

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFileLimit bumps RLIMIT_NOFILE to max when the current soft limit
// is lower. Drivers registering many descriptors at once call this before
// dialing; failures are logged rather than fatal since the default limit
// may still be enough.
func RaiseOpenFileLimit(max uint64) {
	noRLimit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, noRLimit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return
	}
	if noRLimit.Cur >= max {
		return
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{
		Cur: max,
		Max: maxUint64(max, noRLimit.Max),
	})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
	}
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
