package config

const (
	defaultRoot      = "~/.local/share/loom/coord"
	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultLockStaleAfterSeconds     = 30
	defaultLockPollIntervalMS        = 100
	defaultLockTimeoutSeconds        = 5
	defaultGitLockStaleAfterSeconds  = 60
	defaultHookLockStaleAfterSeconds = 10

	defaultHeartbeatIntervalSeconds = 30
	defaultLivenessTimeoutSeconds   = 60
	defaultSweepIntervalSeconds     = 30
	defaultHistoryLimit             = 1000

	defaultBusPollIntervalMS = 1000

	defaultSampleIntervalSeconds = 5
	defaultSampleHistorySize     = 100
	defaultThrottleSeconds       = 30
	defaultTrendWindow           = 5
	defaultMemoryMB              = 512
	defaultMemoryPercent         = 5.0
	defaultCPUPercent            = 25.0
	defaultOpenFiles             = 100
	defaultNumThreads            = 10
	defaultGlobalMemoryMB        = 2048
	defaultGlobalCPUPercent      = 80.0
	defaultGlobalMaxWorkers      = 10
	defaultSnapshotMaxAgeSeconds = 120

	defaultTickMS                   = 500
	defaultPoolMaxWorkers           = 5
	defaultSynthesisThreshold       = 3
	defaultSynthesisMinWorkers      = 2
	defaultDependencyTimeoutSeconds = 300
	defaultMaxAttempts              = 2

	defaultThrottleBackoffSeconds = 5
	defaultResourceTimeoutSeconds = 10
	defaultShutdownGraceSeconds   = 10
	defaultConflictLogLimit       = 1000

	defaultNotifyTimeoutSeconds = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			Root: defaultRoot,
		},
		Lock: Lock{
			StaleAfter:     defaultLockStaleAfterSeconds,
			PollIntervalMS: defaultLockPollIntervalMS,
			DefaultTimeout: defaultLockTimeoutSeconds,
			StaleOverrides: map[string]int{
				"git":    defaultGitLockStaleAfterSeconds,
				"hook_*": defaultHookLockStaleAfterSeconds,
			},
		},
		Registry: Registry{
			HeartbeatInterval: defaultHeartbeatIntervalSeconds,
			LivenessTimeout:   defaultLivenessTimeoutSeconds,
			SweepInterval:     defaultSweepIntervalSeconds,
			HistoryLimit:      defaultHistoryLimit,
		},
		Bus: Bus{
			PollIntervalMS: defaultBusPollIntervalMS,
			UseFsnotify:    true,
		},
		Resource: Resource{
			SampleInterval:   defaultSampleIntervalSeconds,
			HistorySize:      defaultSampleHistorySize,
			Throttle:         defaultThrottleSeconds,
			TrendWindow:      defaultTrendWindow,
			MemoryMB:         defaultMemoryMB,
			MemoryPercent:    defaultMemoryPercent,
			CPUPercent:       defaultCPUPercent,
			OpenFiles:        defaultOpenFiles,
			NumThreads:       defaultNumThreads,
			GlobalMemoryMB:   defaultGlobalMemoryMB,
			GlobalCPUPercent: defaultGlobalCPUPercent,
			MaxWorkers:       defaultGlobalMaxWorkers,
			SnapshotMaxAge:   defaultSnapshotMaxAgeSeconds,
		},
		Orchestrator: Orchestrator{
			TickMS:              defaultTickMS,
			MaxWorkers:          defaultPoolMaxWorkers,
			SynthesisThreshold:  defaultSynthesisThreshold,
			SynthesisMinWorkers: defaultSynthesisMinWorkers,
			DependencyTimeout:   defaultDependencyTimeoutSeconds,
			MaxAttempts:         defaultMaxAttempts,
			ConflictLogLimit:    defaultConflictLogLimit,
		},
		Worker: Worker{
			ThrottleBackoff: defaultThrottleBackoffSeconds,
			ResourceTimeout: defaultResourceTimeoutSeconds,
			ShutdownGrace:   defaultShutdownGraceSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
