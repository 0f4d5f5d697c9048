package watchdog

// LeaderElectingWatchdog кандидат в выборах: Elect отдаёт канал событий TakenAcquire/LostAcquire,
// канал закрывается после Stop
type LeaderElectingWatchdog interface {
	Elect(cfg Config) <-chan int
	ID() string
	Stop()
}

var _ LeaderElectingWatchdog = (*LockWatchdogLeader)(nil)
