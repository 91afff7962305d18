package defaults

// Process exit codes for the CLI.
const (
	ExitOK          = 0
	ExitFailure     = 1   // session aborted or an unexpected error
	ExitUsage       = 2   // bad flags, config or target
	ExitInterrupted = 130 // SIGINT, following the shell convention
)
